package youtube

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	ytapi "google.golang.org/api/youtube/v3"
)

// tokenFile is the name of the persisted token inside the token directory.
const tokenFile = "token.json"

// ClientConfig carries the delegated-authorization credentials and the
// directory where refresh/access tokens are persisted.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	TokenDir     string
}

func (c ClientConfig) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{ytapi.YoutubeScope},
	}
}

// AuthURL returns the consent URL the operator must visit to authorize the
// application. The out-of-band redirect keeps the flow terminal-only.
func (c ClientConfig) AuthURL() string {
	cfg := c.oauthConfig()
	cfg.RedirectURL = "urn:ietf:wg:oauth:2.0:oob"
	return cfg.AuthCodeURL("state", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// ExchangeAndSave trades the authorization code from the consent page for a
// refresh token and persists it in the token directory.
func (c ClientConfig) ExchangeAndSave(ctx context.Context, code string) error {
	cfg := c.oauthConfig()
	cfg.RedirectURL = "urn:ietf:wg:oauth:2.0:oob"
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange authorization code: %w", err)
	}
	return NewTokenStore(c.TokenDir).Save(tok)
}

// tokenSource loads the stored token and returns a source that persists
// refreshed tokens back to disk. It fails with ErrNoToken when the store is
// empty: bootstrapping a token is an operator action, not a runtime one.
func (c ClientConfig) tokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	store := NewTokenStore(c.TokenDir)
	tok, err := store.Load()
	if err != nil {
		return nil, err
	}
	return &savingSource{
		src:   c.oauthConfig().TokenSource(ctx, tok),
		store: store,
		last:  tok,
	}, nil
}

// TokenStore persists OAuth2 tokens under a directory.
type TokenStore struct {
	dir string
}

// NewTokenStore returns a store rooted at dir.
func NewTokenStore(dir string) *TokenStore {
	return &TokenStore{dir: dir}
}

// Load reads the persisted token. A missing file maps to ErrNoToken.
func (s *TokenStore) Load() (*oauth2.Token, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, tokenFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: run the authorization flow first (%s)", ErrNoToken, s.dir)
		}
		return nil, fmt.Errorf("read token: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if tok.RefreshToken == "" && tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: token file is empty", ErrNoToken)
	}
	return &tok, nil
}

// Save writes tok to disk, creating the directory if needed.
func (s *TokenStore) Save(tok *oauth2.Token) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, tokenFile), data, 0o600); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}

// savingSource wraps an oauth2.TokenSource and persists each refreshed token
// so restarts keep working after the original access token expires.
type savingSource struct {
	src   oauth2.TokenSource
	store *TokenStore

	mu   sync.Mutex
	last *oauth2.Token
}

func (s *savingSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthRevoked, err)
	}
	s.mu.Lock()
	changed := s.last == nil || tok.AccessToken != s.last.AccessToken
	s.last = tok
	s.mu.Unlock()
	if changed {
		// Best effort; a failed save only costs a refresh on next start.
		_ = s.store.Save(tok)
	}
	return tok, nil
}
