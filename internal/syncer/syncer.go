// Package syncer pushes newly registered accounts to the external system of
// record.
//
// The remote side takes a JSON POST of {username, email, fullname} and must
// answer exactly 200. Two authentication modes are supported:
//
//   - basic:  HTTP Basic Auth with a fixed service account
//   - oauth2: OAuth 2.0 client credentials; golang.org/x/oauth2 fetches and
//     caches the bearer token and refreshes it when it expires
//
// There are no retries. A failed sync is reported to the caller, which runs
// its own compensation.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/sakif/user-api/internal/model"
)

// ErrSyncRejected is returned when the remote answers anything but 200.
var ErrSyncRejected = errors.New("syncer: account rejected by system of record")

// Auth modes.
const (
	ModeBasic  = "basic"
	ModeOAuth2 = "oauth2"
)

// Config configures the client.
type Config struct {
	URL      string
	AuthMode string
	Timeout  time.Duration

	// basic
	Username string
	Password string

	// oauth2 client credentials
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// payload is the body the system of record expects.
type payload struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Fullname string `json:"fullname"`
}

// Client posts accounts to the system of record.
type Client struct {
	url        string
	httpClient *http.Client
	basic      bool
	username   string
	password   string
}

// New builds a Client for cfg.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base := &http.Client{Timeout: timeout}

	c := &Client{url: cfg.URL, httpClient: base}

	switch cfg.AuthMode {
	case ModeOAuth2:
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		// oauth2 uses the client stored under oauth2.HTTPClient for the
		// token endpoint call, so the timeout applies there too.
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		c.httpClient = cc.Client(ctx)
		c.httpClient.Timeout = timeout
	default:
		c.basic = true
		c.username = cfg.Username
		c.password = cfg.Password
	}

	return c
}

// Sync posts the account. It returns nil only on HTTP 200.
func (c *Client) Sync(ctx context.Context, user *model.User) error {
	body, err := json.Marshal(payload{
		Username: user.Username,
		Email:    user.Email,
		Fullname: user.Fullname,
	})
	if err != nil {
		return fmt.Errorf("syncer: encoding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("syncer: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "*/*")
	if c.basic {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("syncer: posting account: %w", err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrSyncRejected, resp.StatusCode)
	}
	return nil
}

// Noop is used when no system of record is configured.
type Noop struct{}

func (Noop) Sync(context.Context, *model.User) error { return nil }
