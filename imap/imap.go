// Package imap implements mailbox.Session on top of an IMAP4rev1/rev2
// server using go-imap v2. One Session owns one connection; commands are
// serialized so concurrent acquisitions can share it.
package imap

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/otp-inbox/mailbox"
	"github.com/dhcgn/otp-inbox/model"
	"github.com/dhcgn/otp-inbox/query"
)

const (
	providerName = "imap"
	// scanWindow bounds how many of the newest search hits get their
	// envelopes fetched in one round.
	scanWindow = 200
)

var ErrInvalidMessageID = errors.New("invalid imap message id")

// Security selects how the connection is secured.
type Security string

const (
	SecurityTLS      Security = "tls"
	SecuritySTARTTLS Security = "starttls"
	SecurityInsecure Security = "insecure"
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	Security           Security
	InsecureSkipVerify bool
	Mailbox            string
}

func (o Options) mailbox() string {
	if o.Mailbox == "" {
		return "INBOX"
	}
	return o.Mailbox
}

// Session is a logged-in IMAP connection with the mailbox selected.
type Session struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	uidValidity uint32

	mu        sync.Mutex
	client    *imapclient.Client
	stopClose func() bool
}

// Dial connects, logs in and selects the configured mailbox. The
// connection is closed when ctx is done. Login failures are returned as
// *mailbox.AuthError.
func Dial(ctx context.Context, opts Options, logger *slog.Logger) (*Session, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	address := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	options := &imapclient.Options{}
	if opts.Security != SecurityInsecure {
		options.TLSConfig = &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)
	switch opts.Security {
	case SecurityTLS, "":
		client, err = imapclient.DialTLS(address, options)
	case SecuritySTARTTLS:
		client, err = imapclient.DialStartTLS(address, options)
	case SecurityInsecure:
		client, err = imapclient.DialInsecure(address, options)
	default:
		return nil, fmt.Errorf("unknown imap security mode %q", opts.Security)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(opts.Username, opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, &mailbox.AuthError{
			Provider: providerName,
			Message:  fmt.Sprintf("login failed for %s", opts.Username),
			Err:      err,
		}
	}

	selected, err := client.Select(opts.mailbox(), nil).Wait()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("select mailbox %s: %w", opts.mailbox(), err)
	}

	logger.Debug("imap connection established", "address", address, "user", opts.Username, "mailbox", opts.mailbox(), "security", string(opts.Security))

	s := &Session{
		opts:        opts,
		logger:      logger,
		now:         time.Now,
		uidValidity: selected.UIDValidity,
		client:      client,
	}
	s.stopClose = context.AfterFunc(ctx, func() {
		_ = client.Close()
	})
	return s, nil
}

// LedgerScope identifies the selected folder. UIDs are only stable for one
// UIDVALIDITY, so a reset folder gets a fresh scope.
func (s *Session) LedgerScope() string {
	return Scope(s.opts, s.uidValidity)
}

// Scope formats the ledger scope of a folder.
func Scope(opts Options, uidValidity uint32) string {
	return fmt.Sprintf("imap:%s@%s:%d/%s;uidvalidity=%d", opts.Username, opts.Host, opts.Port, opts.mailbox(), uidValidity)
}

// Close logs out and closes the connection.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	stopped := s.stopClose()
	if stopped {
		if err := s.client.Logout().Wait(); err != nil {
			s.logger.Warn("imap logout failed", "err", err)
		}
	}
	err := s.client.Close()
	s.client = nil
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Search translates q into an IMAP SEARCH and returns the hits newest
// first. SINCE only has day granularity, so the exact window is enforced
// on the fetched arrival times.
func (s *Session) Search(ctx context.Context, q string, limit int) ([]model.Candidate, error) {
	terms := query.Parse(q)
	now := s.now()
	criteria := Criteria(terms, now)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, classify("search", err)
	}
	uids := data.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}
	if len(uids) > scanWindow {
		uids = uids[len(uids)-scanWindow:]
	}

	bufs, err := s.client.Fetch(imapv2.UIDSetNum(uids...), &imapv2.FetchOptions{
		UID:          true,
		Envelope:     true,
		InternalDate: true,
	}).Collect()
	if err != nil {
		return nil, classify("fetch envelopes", err)
	}

	return candidates(bufs, terms.Cutoff(now), limit), nil
}

// Fetch downloads the full message without setting \Seen and parses it
// into a Part tree.
func (s *Session) Fetch(ctx context.Context, id string) (model.Message, error) {
	uid, err := parseUID(id)
	if err != nil {
		return model.Message{}, err
	}
	section := &imapv2.FetchItemBodySection{Peek: true}

	s.mu.Lock()
	if err := s.ready(ctx); err != nil {
		s.mu.Unlock()
		return model.Message{}, err
	}
	bufs, err := s.client.Fetch(imapv2.UIDSetNum(uid), &imapv2.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imapv2.FetchItemBodySection{section},
	}).Collect()
	s.mu.Unlock()
	if err != nil {
		return model.Message{}, classify("fetch message", err)
	}
	if len(bufs) == 0 {
		return model.Message{}, fmt.Errorf("%w: uid %d", mailbox.ErrMessageNotFound, uid)
	}

	raw := bufs[0].FindBodySection(section)
	msg, err := mailbox.ParseMIME(id, bytes.NewReader(raw))
	if err != nil {
		return model.Message{}, err
	}
	if !bufs[0].InternalDate.IsZero() {
		msg.ReceivedAt = bufs[0].InternalDate
	}
	return msg, nil
}

// MarkConsumed sets \Seen on the message.
func (s *Session) MarkConsumed(ctx context.Context, id string) error {
	uid, err := parseUID(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(ctx); err != nil {
		return err
	}

	err = s.client.Store(imapv2.UIDSetNum(uid), &imapv2.StoreFlags{
		Op:     imapv2.StoreFlagsAdd,
		Silent: true,
		Flags:  []imapv2.Flag{imapv2.FlagSeen},
	}, nil).Close()
	if err != nil {
		return classify("store flags", err)
	}
	s.logger.Debug("imap message marked seen", "uid", uid)
	return nil
}

func (s *Session) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.client == nil {
		return fmt.Errorf("%w: imap session closed", mailbox.ErrSessionInvalid)
	}
	return nil
}

// Criteria builds the server-side search for terms.
func Criteria(terms query.Terms, now time.Time) *imapv2.SearchCriteria {
	criteria := &imapv2.SearchCriteria{}

	if cutoff := terms.Cutoff(now); !cutoff.IsZero() {
		// One day of slack for servers that compare dates in another zone.
		day := cutoff.AddDate(0, 0, -1)
		criteria.Since = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	}

	for _, v := range terms.From {
		criteria.Header = append(criteria.Header, imapv2.SearchCriteriaHeaderField{Key: "From", Value: v})
	}
	for _, v := range terms.To {
		criteria.Header = append(criteria.Header, imapv2.SearchCriteriaHeaderField{Key: "To", Value: v})
	}
	for _, v := range terms.Subject {
		criteria.Header = append(criteria.Header, imapv2.SearchCriteriaHeaderField{Key: "Subject", Value: v})
	}
	criteria.Text = append(criteria.Text, terms.Text...)

	if terms.UnreadOnly {
		criteria.NotFlag = []imapv2.Flag{imapv2.FlagSeen}
	}
	return criteria
}

func candidates(bufs []*imapclient.FetchMessageBuffer, cutoff time.Time, limit int) []model.Candidate {
	out := make([]model.Candidate, 0, len(bufs))
	uids := make(map[string]imapv2.UID, len(bufs))
	for _, buf := range bufs {
		at := buf.InternalDate
		var subject string
		if buf.Envelope != nil {
			subject = buf.Envelope.Subject
			if at.IsZero() {
				at = buf.Envelope.Date
			}
		}
		if !cutoff.IsZero() && at.Before(cutoff) {
			continue
		}
		id := strconv.FormatUint(uint64(buf.UID), 10)
		uids[id] = buf.UID
		out = append(out, model.Candidate{ID: id, Subject: subject, ReceivedAt: at})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.After(out[j].ReceivedAt)
		}
		return uids[out[i].ID] > uids[out[j].ID]
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func parseUID(id string) (imapv2.UID, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMessageID, id)
	}
	return imapv2.UID(n), nil
}

// classify marks errors that leave the connection unusable or signal
// revoked credentials as session-invalid; everything else is transient.
func classify(op string, err error) error {
	var respErr *imapv2.Error
	if errors.As(err, &respErr) {
		switch respErr.Code {
		case imapv2.ResponseCodeAuthenticationFailed,
			imapv2.ResponseCodeAuthorizationFailed,
			imapv2.ResponseCodeExpired:
			return &mailbox.AuthError{Provider: providerName, Message: op, Err: err}
		}
		return fmt.Errorf("imap %s: %w", op, err)
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: imap %s: %v", mailbox.ErrSessionInvalid, op, err)
	}
	return fmt.Errorf("imap %s: %w", op, err)
}
