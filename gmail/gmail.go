// Package gmail implements mailbox.Session on the Gmail REST API.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/dhcgn/otp-inbox/mailbox"
	"github.com/dhcgn/otp-inbox/model"
)

const (
	providerName = "gmail"
	// Me addresses the authenticated user.
	Me          = "me"
	unreadLabel = "UNREAD"
)

type Options struct {
	// User defaults to Me.
	User string
	// IncludeSpamTrash also searches spam and trash, where bank codes
	// sometimes land.
	IncludeSpamTrash bool
}

// Session is a Gmail mailbox accessed through an authorized client.
type Session struct {
	svc    *gmailapi.Service
	opts   Options
	logger *slog.Logger
}

// New builds a Session from API client options, typically
// option.WithTokenSource.
func New(ctx context.Context, opts Options, logger *slog.Logger, clientOpts ...option.ClientOption) (*Session, error) {
	svc, err := gmailapi.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("gmail service: %w", err)
	}
	if opts.User == "" {
		opts.User = Me
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Session{svc: svc, opts: opts, logger: logger}, nil
}

// NewWithTokenSource is New with an OAuth2 token source.
func NewWithTokenSource(ctx context.Context, opts Options, ts oauth2.TokenSource, logger *slog.Logger) (*Session, error) {
	return New(ctx, opts, logger, option.WithTokenSource(ts))
}

// Search lists message ids matching q, most recent first.
func (s *Session) Search(ctx context.Context, q string, limit int) ([]model.Candidate, error) {
	call := s.svc.Users.Messages.List(s.opts.User).
		Q(q).
		IncludeSpamTrash(s.opts.IncludeSpamTrash).
		Context(ctx)
	if limit > 0 {
		call = call.MaxResults(int64(limit))
	}

	resp, err := call.Do()
	if err != nil {
		return nil, classify("list messages", err)
	}

	out := make([]model.Candidate, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m == nil || m.Id == "" {
			continue
		}
		out = append(out, model.Candidate{ID: m.Id})
	}
	s.logger.Debug("gmail search", "query", q, "results", len(out))
	return out, nil
}

// Fetch retrieves the full payload tree. Bodies stay base64url encoded.
func (s *Session) Fetch(ctx context.Context, id string) (model.Message, error) {
	msg, err := s.svc.Users.Messages.Get(s.opts.User, id).Format("full").Context(ctx).Do()
	if err != nil {
		return model.Message{}, classify("get message "+id, err)
	}
	return convertMessage(msg), nil
}

// MarkConsumed removes the UNREAD label.
func (s *Session) MarkConsumed(ctx context.Context, id string) error {
	req := &gmailapi.ModifyMessageRequest{RemoveLabelIds: []string{unreadLabel}}
	if _, err := s.svc.Users.Messages.Modify(s.opts.User, id, req).Context(ctx).Do(); err != nil {
		return classify("modify message "+id, err)
	}
	return nil
}

// Profile returns the mailbox address, used to verify credentials.
func (s *Session) Profile(ctx context.Context) (string, error) {
	p, err := s.svc.Users.GetProfile(s.opts.User).Context(ctx).Do()
	if err != nil {
		return "", classify("get profile", err)
	}
	return p.EmailAddress, nil
}

func convertMessage(msg *gmailapi.Message) model.Message {
	out := model.Message{
		ID:     msg.Id,
		Header: make(map[string]string),
	}
	if msg.InternalDate > 0 {
		out.ReceivedAt = time.UnixMilli(msg.InternalDate)
	}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			if h == nil {
				continue
			}
			if _, ok := out.Header[h.Name]; !ok {
				out.Header[h.Name] = h.Value
			}
		}
		out.Root = convertPart(msg.Payload)
	}
	return out
}

func convertPart(p *gmailapi.MessagePart) model.Part {
	part := model.Part{
		MediaType: strings.ToLower(p.MimeType),
		Encoding:  model.EncodingBase64URL,
	}
	if p.Body != nil && p.Body.Data != "" {
		part.Body = []byte(p.Body.Data)
	}
	for _, child := range p.Parts {
		if child == nil {
			continue
		}
		part.Parts = append(part.Parts, convertPart(child))
	}
	return part
}

// classify maps revoked or rejected credentials to *mailbox.AuthError.
// Rate limits, 404s and server errors stay transient.
func classify(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized:
			return &mailbox.AuthError{Provider: providerName, Message: op, Err: err}
		case http.StatusForbidden:
			if !rateLimited(apiErr) {
				return &mailbox.AuthError{Provider: providerName, Message: op, Err: err}
			}
		case http.StatusNotFound:
			return fmt.Errorf("gmail %s: %w: %v", op, mailbox.ErrMessageNotFound, err)
		}
		return fmt.Errorf("gmail %s: %w", op, err)
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		switch retrieveErr.ErrorCode {
		case "invalid_grant", "invalid_client", "unauthorized_client":
			return &mailbox.AuthError{Provider: providerName, Message: "token refresh: " + retrieveErr.ErrorCode, Err: err}
		}
	}
	if strings.Contains(err.Error(), "invalid_grant") {
		return &mailbox.AuthError{Provider: providerName, Message: "token refresh: invalid_grant", Err: err}
	}
	return fmt.Errorf("gmail %s: %w", op, err)
}

func rateLimited(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}
