package model

import (
	"strings"
	"time"
)

// Encoding describes how a leaf part's Body bytes are stored.
type Encoding string

const (
	// EncodingIdentity means Body holds the already-decoded content.
	EncodingIdentity Encoding = "identity"
	// EncodingBase64URL means Body holds provider URL-safe base64 text
	// (Gmail API style, padding optional).
	EncodingBase64URL Encoding = "base64url"
)

// Part is a node of a fetched message body tree. Containers (multipart/*)
// have Parts and no Body; leaves have at most one Body.
type Part struct {
	MediaType string
	Encoding  Encoding
	Body      []byte
	Parts     []Part
}

// IsContainer reports whether the part is a multipart container.
func (p Part) IsContainer() bool {
	return strings.HasPrefix(strings.ToLower(p.MediaType), "multipart/") || len(p.Parts) > 0
}

// Is reports whether the part media type equals mediaType, ignoring case
// and parameters.
func (p Part) Is(mediaType string) bool {
	mt := p.MediaType
	if idx := strings.IndexByte(mt, ';'); idx >= 0 {
		mt = mt[:idx]
	}
	return strings.EqualFold(strings.TrimSpace(mt), mediaType)
}

// Candidate is a search hit before its body is fetched. Subject and
// ReceivedAt are empty when the provider only returns identifiers.
type Candidate struct {
	ID         string
	Subject    string
	ReceivedAt time.Time
}

// Message is a fully fetched message.
type Message struct {
	ID         string
	Header     map[string]string
	ReceivedAt time.Time
	Root       Part
}

// HeaderValue looks up a header by name, ignoring case.
func (m Message) HeaderValue(name string) (string, bool) {
	if v, ok := m.Header[name]; ok {
		return v, true
	}
	for k, v := range m.Header {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// Code is a code extracted from a message together with the id of the
// message that yielded it.
type Code struct {
	Value     string
	MessageID string
}
