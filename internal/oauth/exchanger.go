package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"slotsync/internal/failure"
)

// Token is what a provider token endpoint returns.
type Token struct {
	AccessToken  string
	RefreshToken string
	// ExpiresAt is zero when the provider did not report a lifetime.
	ExpiresAt time.Time
}

// Exchanger talks to provider token endpoints.
// Errors are classified with the failure package: Auth for revoked or rejected
// grants, transient for everything worth retrying.
type Exchanger interface {
	Exchange(ctx context.Context, provider, code string) (Token, error)
	Refresh(ctx context.Context, provider, refreshToken string) (Token, error)
}

// ProviderConfig is the OAuth client registration for one provider.
type ProviderConfig struct {
	TokenURL     string `json:"token_url"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RedirectURL  string `json:"redirect_url"`
}

var ErrUnknownProvider = errors.New("oauth: unknown provider")

// HTTPExchanger implements Exchanger against RFC 6749 token endpoints using
// client_secret_basic authentication.
type HTTPExchanger struct {
	mu        sync.RWMutex
	providers map[string]ProviderConfig
	client    *http.Client
	now       func() time.Time
}

func NewHTTPExchanger(providers map[string]ProviderConfig, client *http.Client) *HTTPExchanger {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	x := &HTTPExchanger{client: client, now: time.Now}
	x.SetProviders(providers)
	return x
}

// SetProviders replaces the provider table; in-flight calls keep the old entry.
func (x *HTTPExchanger) SetProviders(providers map[string]ProviderConfig) {
	cp := make(map[string]ProviderConfig, len(providers))
	for k, v := range providers {
		cp[k] = v
	}
	x.mu.Lock()
	x.providers = cp
	x.mu.Unlock()
}

func (x *HTTPExchanger) provider(name string) (ProviderConfig, error) {
	x.mu.RLock()
	pc, ok := x.providers[name]
	x.mu.RUnlock()
	if !ok {
		return ProviderConfig{}, failure.Validation(fmt.Errorf("%w: %q", ErrUnknownProvider, name))
	}
	return pc, nil
}

func (x *HTTPExchanger) Exchange(ctx context.Context, provider, code string) (Token, error) {
	pc, err := x.provider(provider)
	if err != nil {
		return Token{}, err
	}
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	if pc.RedirectURL != "" {
		form.Set("redirect_uri", pc.RedirectURL)
	}
	return x.post(ctx, pc, form)
}

func (x *HTTPExchanger) Refresh(ctx context.Context, provider, refreshToken string) (Token, error) {
	pc, err := x.provider(provider)
	if err != nil {
		return Token{}, err
	}
	if refreshToken == "" {
		return Token{}, failure.Auth(errors.New("oauth: missing refresh token"))
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return x.post(ctx, pc, form)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
}

func (x *HTTPExchanger) post(ctx context.Context, pc ProviderConfig, form url.Values) (Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pc.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, failure.Validation(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	// Client credentials travel in the Authorization header only.
	req.SetBasicAuth(pc.ClientID, pc.ClientSecret)

	resp, err := x.client.Do(req)
	if err != nil {
		return Token{}, failure.Transient(fmt.Errorf("token endpoint: %w", err))
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var tr tokenResponse
	_ = json.Unmarshal(body, &tr)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// invalid_grant is how providers report a revoked or expired refresh token.
		if resp.StatusCode == http.StatusBadRequest && (tr.Error == "invalid_grant" || tr.Error == "invalid_client" || tr.Error == "unauthorized_client") {
			return Token{}, failure.Auth(fmt.Errorf("token endpoint: %s", tr.Error))
		}
		return Token{}, failure.FromStatus(resp, x.now(), "token endpoint")
	}
	if tr.AccessToken == "" {
		return Token{}, failure.Transient(errors.New("token endpoint: empty access_token"))
	}
	tok := Token{AccessToken: tr.AccessToken, RefreshToken: tr.RefreshToken}
	if tr.ExpiresIn > 0 {
		tok.ExpiresAt = x.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok, nil
}
