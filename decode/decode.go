// Package decode turns a fetched message body tree into best-effort plain
// text. The first decodable text leaf in document order wins; HTML is
// reduced to visible text by replacing tags with spaces.
package decode

import (
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/dhcgn/otp-inbox/model"
)

// ErrUnknownEncoding is returned by Body for leaf encodings it cannot read.
var ErrUnknownEncoding = errors.New("unknown body encoding")

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// Text walks the part tree depth-first and returns the first decodable
// text. ok is false when the tree holds no decodable text, which is a
// normal outcome for non-text messages.
func Text(part model.Part) (text string, ok bool) {
	if part.Is("text/plain") && len(part.Body) > 0 {
		if s, err := Body(part); err == nil {
			return s, true
		}
	}

	for _, child := range part.Parts {
		if s, ok := Text(child); ok {
			return s, true
		}
	}

	if part.Is("text/html") && len(part.Body) > 0 {
		if s, err := Body(part); err == nil {
			return StripTags(s), true
		}
	}

	return "", false
}

// Body decodes a single leaf according to its Encoding.
func Body(part model.Part) (string, error) {
	switch part.Encoding {
	case model.EncodingBase64URL:
		return Base64URL(string(part.Body))
	case model.EncodingIdentity, "":
		if !utf8.Valid(part.Body) {
			return strings.ToValidUTF8(string(part.Body), "�"), nil
		}
		return string(part.Body), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEncoding, part.Encoding)
	}
}

// Base64URL decodes the provider's URL-safe base64 variant: '-' and '_'
// are mapped to '+' and '/', the input is padded to a multiple of four and
// then decoded with the standard alphabet.
func Base64URL(s string) (string, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	s = strings.NewReplacer("-", "+", "_", "/").Replace(s)
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("base64url decode: %w", err)
	}
	return string(data), nil
}

// EncodeBase64URL is the inverse of Base64URL, without padding.
func EncodeBase64URL(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// StripTags replaces every <...> sequence with a single space and unescapes
// entities. It never fails; unterminated tags are left as text.
func StripTags(s string) string {
	return html.UnescapeString(tagPattern.ReplaceAllString(s, " "))
}
