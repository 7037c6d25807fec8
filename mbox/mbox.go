// Package mbox loads an mbox archive into an in-memory mailbox session so
// acquisitions can be replayed offline against exported mail.
package mbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/otp-inbox/mailbox"
)

type Options struct {
	Path string
	// Now overrides the clock used for recency windows, e.g. to replay an
	// archive as of the time it was exported.
	Now func() time.Time
}

// Open reads the archive at opts.Path.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*mailbox.Memory, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	mem, err := Load(ctx, file, logger)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if opts.Now != nil {
		mem.SetClock(opts.Now)
	}
	return mem, nil
}

// Load parses every message in r. Messages that fail to parse are logged
// and skipped; a broken archive framing aborts the load.
func Load(ctx context.Context, r io.Reader, logger *slog.Logger) (*mailbox.Memory, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	mem := mailbox.NewMemory()
	reader := mboxlib.NewReader(r)

	skipped := 0
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return nil, fmt.Errorf("message %d read: %w", idx, err)
		}

		fallback := fmt.Sprintf("mbox-%d", idx)
		msg, err := mailbox.ParseMIME(fallback, bytes.NewReader(raw))
		if err != nil {
			skipped++
			logger.Warn("skipping unparseable mbox message", "index", idx, "err", err)
			continue
		}
		if raw, ok := msg.HeaderValue("Message-Id"); ok {
			if id := strings.Trim(raw, " <>"); id != "" {
				msg.ID = id
			}
		}
		mem.Add(msg)
	}

	logger.Debug("mbox loaded", "messages", mem.Len(), "skipped", skipped)
	return mem, nil
}
