// Package tokens holds the OAuth credential for one (user, provider)
// connection and keeps it valid across calls. Token expiry is resolved
// lazily: nothing is checked until a caller asks for a usable token.
package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	gosync "sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/vertexvista/mailsync/internal/mailstore/sqlite"
	"github.com/vertexvista/mailsync/internal/sync"
)

// ErrNotAuthenticated means no usable credential exists; the user must
// reconnect the account through the interactive OAuth flow.
var ErrNotAuthenticated = errors.New("not authenticated: please reconnect")

// Persister is the durable side of the store. Backed by the per-user sqlite
// accounts table in production, by a fake in tests.
type Persister interface {
	SaveAccount(ctx context.Context, a *sqlite.Account) error
	LoadAccount(ctx context.Context, userID string, provider sync.ProviderName) (*sqlite.Account, error)
	DeleteAccount(ctx context.Context, userID string, provider sync.ProviderName) error
}

// Store owns one OAuth access/refresh token pair. Refreshes are serialized
// with a mutex so concurrent callers cannot race a token rotation.
type Store struct {
	userID   string
	provider sync.ProviderName
	cfg      *oauth2.Config
	persist  Persister
	client   *http.Client

	mu           gosync.Mutex
	accessToken  string
	refreshToken string
	expiry       time.Time
	email        string
}

// NewStore creates a token store for one (user, provider) connection.
func NewStore(userID string, provider sync.ProviderName, cfg *oauth2.Config, persist Persister) *Store {
	return &Store{
		userID:   userID,
		provider: provider,
		cfg:      cfg,
		persist:  persist,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// SetHTTPClient overrides the client used for the token endpoint.
func (s *Store) SetHTTPClient(c *http.Client) {
	s.client = c
}

// Load hydrates the store from persisted state so a connection survives a
// process restart. Missing state is not an error.
func (s *Store) Load(ctx context.Context) error {
	a, err := s.persist.LoadAccount(ctx, s.userID, s.provider)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	if a == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = a.AccessToken
	s.refreshToken = a.RefreshToken
	s.expiry = a.TokenExpiry
	s.email = a.EmailAddress
	return nil
}

// IsAuthenticated reports whether an access token is present. Expiry is not
// checked here; EnsureValidToken resolves it lazily.
func (s *Store) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken != ""
}

// EmailAddress returns the connected account address, if known.
func (s *Store) EmailAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.email
}

// AccessToken returns the current access token without validation.
func (s *Store) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken
}

// EnsureValidToken fails closed when no token exists. A token at or past its
// expiry gets exactly one refresh attempt; on refresh failure the stale token
// stays in place and the caller must treat the connection as unauthenticated.
func (s *Store) EnsureValidToken(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accessToken == "" {
		return ErrNotAuthenticated
	}
	if s.expiry.IsZero() || s.expiry.After(time.Now()) {
		return nil
	}
	if s.refreshToken == "" {
		return fmt.Errorf("%w: access token expired and no refresh token", ErrNotAuthenticated)
	}
	if err := s.refreshLocked(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
	}
	return nil
}

// ForceRefresh performs a single refresh regardless of expiry. Used by the
// provider client after an authorization-expired response.
func (s *Store) ForceRefresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refreshToken == "" {
		return ErrNotAuthenticated
	}
	return s.refreshLocked(ctx)
}

// refreshLocked exchanges the refresh token at the provider's token endpoint.
// A non-2xx response is a hard failure; retries are the caller's problem.
func (s *Store) refreshLocked(ctx context.Context) error {
	form := url.Values{
		"client_id":     {s.cfg.ClientID},
		"refresh_token": {s.refreshToken},
		"grant_type":    {"refresh_token"},
	}
	if s.cfg.ClientSecret != "" {
		form.Set("client_secret", s.cfg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("token refresh failed: status %d: %s", resp.StatusCode, string(body))
	}

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode refresh response: %w", err)
	}
	if out.AccessToken == "" {
		return errors.New("token refresh returned no access token")
	}

	s.accessToken = out.AccessToken
	if out.RefreshToken != "" {
		// Some providers rotate the refresh token on use.
		s.refreshToken = out.RefreshToken
	}
	if out.ExpiresIn > 0 {
		s.expiry = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	}

	if err := s.persistLocked(ctx); err != nil {
		logrus.WithError(err).Warn("failed to persist refreshed token")
	}
	return nil
}

// AuthCodeURL builds the provider consent URL with offline access.
func (s *Store) AuthCodeURL(state string) string {
	return s.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a token pair and persists it.
func (s *Store) Exchange(ctx context.Context, code string) error {
	tok, err := s.cfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange auth code: %w", err)
	}
	return s.SetTokens(ctx, tok.AccessToken, tok.RefreshToken, tok.Expiry)
}

// SetTokens installs a token pair (from the interactive flow) and persists it.
func (s *Store) SetTokens(ctx context.Context, accessToken, refreshToken string, expiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accessToken = accessToken
	if refreshToken != "" {
		s.refreshToken = refreshToken
	}
	s.expiry = expiry
	return s.persistLocked(ctx)
}

// SetEmailAddress records the connected account address and persists it.
func (s *Store) SetEmailAddress(ctx context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.email = email
	return s.persistLocked(ctx)
}

// ClearAuth removes all credential state, in memory and persisted.
func (s *Store) ClearAuth(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accessToken = ""
	s.refreshToken = ""
	s.expiry = time.Time{}
	s.email = ""
	if err := s.persist.DeleteAccount(ctx, s.userID, s.provider); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}

func (s *Store) persistLocked(ctx context.Context) error {
	return s.persist.SaveAccount(ctx, &sqlite.Account{
		UserID:       s.userID,
		Provider:     s.provider,
		EmailAddress: s.email,
		AccessToken:  s.accessToken,
		RefreshToken: s.refreshToken,
		TokenExpiry:  s.expiry,
	})
}

// TokenSource adapts the store to oauth2.TokenSource so Google API clients
// pick up refreshed tokens transparently.
func (s *Store) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &storeTokenSource{ctx: ctx, store: s}
}

type storeTokenSource struct {
	ctx   context.Context
	store *Store
}

func (ts *storeTokenSource) Token() (*oauth2.Token, error) {
	if err := ts.store.EnsureValidToken(ts.ctx); err != nil {
		return nil, err
	}
	ts.store.mu.Lock()
	defer ts.store.mu.Unlock()
	return &oauth2.Token{
		AccessToken: ts.store.accessToken,
		TokenType:   "Bearer",
		Expiry:      ts.store.expiry,
	}, nil
}
