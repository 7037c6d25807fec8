package mailbox

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/otp-inbox/model"
)

// ParseMIME reads an RFC 5322 message into a Message with a Part tree.
// Transfer encodings and charsets are decoded by go-message, so every leaf
// is stored with identity encoding. Parts with an unknown charset or
// transfer encoding are kept with their raw bytes.
func ParseMIME(id string, r io.Reader) (model.Message, error) {
	entity, err := message.Read(r)
	if err != nil && !isSoftMIMEError(err) {
		return model.Message{}, fmt.Errorf("parse message %s: %w", id, err)
	}

	header := headerMap(entity.Header)
	var receivedAt time.Time
	if date, err := (&mail.Header{Header: entity.Header}).Date(); err == nil {
		receivedAt = date
	}

	root, err := entityPart(entity)
	if err != nil {
		return model.Message{}, fmt.Errorf("parse message %s: %w", id, err)
	}

	return model.Message{
		ID:         id,
		Header:     header,
		ReceivedAt: receivedAt,
		Root:       root,
	}, nil
}

func entityPart(e *message.Entity) (model.Part, error) {
	mediaType, _, err := e.Header.ContentType()
	if err != nil || mediaType == "" {
		mediaType = "text/plain"
	}
	mediaType = strings.ToLower(mediaType)

	if mr := e.MultipartReader(); mr != nil {
		part := model.Part{MediaType: mediaType}
		for {
			child, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil && !isSoftMIMEError(err) {
				return part, fmt.Errorf("read %s part: %w", mediaType, err)
			}
			childPart, err := entityPart(child)
			if err != nil {
				return part, err
			}
			part.Parts = append(part.Parts, childPart)
		}
		return part, nil
	}

	body, err := io.ReadAll(e.Body)
	if err != nil {
		return model.Part{}, fmt.Errorf("read %s body: %w", mediaType, err)
	}
	return model.Part{MediaType: mediaType, Encoding: model.EncodingIdentity, Body: body}, nil
}

// headerMap keeps the first occurrence of every field, RFC 2047 decoded
// where possible.
func headerMap(h message.Header) map[string]string {
	out := make(map[string]string)
	fields := h.Fields()
	for fields.Next() {
		key := fields.Key()
		if _, ok := out[key]; ok {
			continue
		}
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		out[key] = value
	}
	return out
}

func isSoftMIMEError(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}
