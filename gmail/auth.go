package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
)

var ErrNoRefreshToken = errors.New("token file has no refresh token")

// TokenSource builds a refreshing token source from an OAuth client file
// (the "installed" or "web" JSON downloaded from the Cloud console) and a
// previously authorized token file.
func TokenSource(ctx context.Context, credentialsPath, tokenPath string) (oauth2.TokenSource, error) {
	creds, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("read gmail credentials: %w", err)
	}
	cfg, err := google.ConfigFromJSON(creds, gmailapi.GmailModifyScope)
	if err != nil {
		return nil, fmt.Errorf("parse gmail credentials: %w", err)
	}

	tok, err := readToken(tokenPath)
	if err != nil {
		return nil, err
	}
	return cfg.TokenSource(ctx, tok), nil
}

// tokenFile accepts both the Go layout ("expiry" as RFC 3339) and the one
// written by the Node client libraries ("expiry_date" in epoch millis).
type tokenFile struct {
	oauth2.Token
	ExpiryDate int64 `json:"expiry_date"`
}

func readToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gmail token: %w", err)
	}
	var file tokenFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse gmail token %s: %w", path, err)
	}
	tok := file.Token
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("%s: %w", path, ErrNoRefreshToken)
	}

	if tok.Expiry.IsZero() && file.ExpiryDate > 0 {
		tok.Expiry = time.UnixMilli(file.ExpiryDate)
	}
	// A zero expiry counts as valid forever; drop the access token so the
	// first call refreshes it instead of failing with 401.
	if tok.Expiry.IsZero() {
		tok.AccessToken = ""
	}
	return &tok, nil
}
