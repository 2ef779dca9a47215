package oauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"slotsync/internal/domain"
	"slotsync/internal/failure"
	logx "slotsync/pkg/logx"
)

// ErrCredentialInvalid is returned for credentials a provider has rejected.
// Only a reconnect makes them usable again.
var ErrCredentialInvalid = errors.New("oauth: credential invalid, reconnect required")

// CredentialStore is the subset of storage the manager needs.
type CredentialStore interface {
	PutCredential(ctx context.Context, c domain.CalendarCredential) error
	GetCredential(ctx context.Context, id string) (domain.CalendarCredential, error)
	UpdateCredential(ctx context.Context, id string, fn func(*domain.CalendarCredential) error) (domain.CalendarCredential, error)
}

type Config struct {
	// RefreshMargin refreshes tokens that expire within this window.
	RefreshMargin time.Duration
	// RefreshRetries bounds in-process retries of a transient refresh failure.
	RefreshRetries int
	RetryBase      time.Duration
}

func (c Config) withDefaults() Config {
	if c.RefreshMargin <= 0 {
		c.RefreshMargin = 5 * time.Minute
	}
	if c.RefreshRetries < 0 {
		c.RefreshRetries = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	return c
}

// Manager hands out valid access tokens, refreshing them when they are about to expire.
// Refreshes of one credential are serialized so calendars sharing it never race
// each other into a double refresh.
type Manager struct {
	store CredentialStore
	ex    Exchanger
	log   logx.Logger
	now   func() time.Time

	mu    sync.RWMutex
	cfg   Config
	lmu   sync.Mutex
	locks map[string]*credLock
}

type credLock struct {
	mu   sync.Mutex
	refs int
}

func NewManager(store CredentialStore, ex Exchanger, cfg Config, log logx.Logger) *Manager {
	return &Manager{
		store: store,
		ex:    ex,
		log:   log.With(logx.String("comp", "oauth")),
		now:   time.Now,
		cfg:   cfg.withDefaults(),
		locks: map[string]*credLock{},
	}
}

func (m *Manager) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

func (m *Manager) config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) lock(id string) func() {
	m.lmu.Lock()
	l := m.locks[id]
	if l == nil {
		l = &credLock{}
		m.locks[id] = l
	}
	l.refs++
	m.lmu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.lmu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, id)
		}
		m.lmu.Unlock()
	}
}

// AccessToken returns a usable access token for the credential.
//
// Auth failures mark the credential invalid and are returned classified as
// failure.Auth. Transient failures are retried a few times in-process and then
// returned as retryable.
func (m *Manager) AccessToken(ctx context.Context, credentialID string) (string, error) {
	cfg := m.config()

	cred, err := m.store.GetCredential(ctx, credentialID)
	if err != nil {
		return "", fmt.Errorf("load credential %s: %w", credentialID, err)
	}
	if !cred.Valid {
		return "", failure.Auth(ErrCredentialInvalid)
	}
	if !cred.ExpiresWithin(m.now(), cfg.RefreshMargin) {
		return cred.AccessToken, nil
	}

	unlock := m.lock(credentialID)
	defer unlock()

	// Another caller may have refreshed while we waited for the lock.
	cred, err = m.store.GetCredential(ctx, credentialID)
	if err != nil {
		return "", fmt.Errorf("load credential %s: %w", credentialID, err)
	}
	if !cred.Valid {
		return "", failure.Auth(ErrCredentialInvalid)
	}
	if !cred.ExpiresWithin(m.now(), cfg.RefreshMargin) {
		return cred.AccessToken, nil
	}

	tok, err := m.refresh(ctx, cfg, cred)
	if err != nil {
		if failure.IsAuth(err) {
			m.log.Warn("credential rejected by provider", logx.String("credential_id", credentialID), logx.String("provider", cred.Provider), logx.Err(err))
			if _, uerr := m.store.UpdateCredential(ctx, credentialID, func(c *domain.CalendarCredential) error {
				c.Valid = false
				c.UpdatedAt = m.now()
				return nil
			}); uerr != nil {
				m.log.Error("mark credential invalid failed", logx.String("credential_id", credentialID), logx.Err(uerr))
			}
			return "", failure.Auth(fmt.Errorf("%w: %v", ErrCredentialInvalid, err))
		}
		return "", fmt.Errorf("refresh credential %s: %w", credentialID, err)
	}

	updated, err := m.store.UpdateCredential(ctx, credentialID, func(c *domain.CalendarCredential) error {
		c.AccessToken = tok.AccessToken
		if tok.RefreshToken != "" {
			c.RefreshToken = tok.RefreshToken
		}
		c.ExpiresAt = tok.ExpiresAt
		c.UpdatedAt = m.now()
		return nil
	})
	if err != nil {
		return "", failure.Transient(fmt.Errorf("store refreshed credential %s: %w", credentialID, err))
	}
	m.log.Debug("credential refreshed", logx.String("credential_id", credentialID), logx.Time("expires_at", updated.ExpiresAt))
	return updated.AccessToken, nil
}

func (m *Manager) refresh(ctx context.Context, cfg Config, cred domain.CalendarCredential) (Token, error) {
	var tok Token
	backoff := retry.WithMaxRetries(uint64(cfg.RefreshRetries), retry.NewExponential(cfg.RetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		t, err := m.ex.Refresh(ctx, cred.Provider, cred.RefreshToken)
		if err == nil {
			tok = t
			return nil
		}
		// A server-imposed wait is left to the job scheduler.
		if failure.KindOf(err) == failure.KindTransient && failure.RetryAfterOf(err) == 0 {
			return retry.RetryableError(err)
		}
		return err
	})
	return tok, err
}

// Connect exchanges an authorization code and stores a new valid credential.
func (m *Manager) Connect(ctx context.Context, provider, code string) (domain.CalendarCredential, error) {
	if strings.TrimSpace(code) == "" {
		return domain.CalendarCredential{}, failure.Validation(errors.New("authorization code is required"))
	}
	tok, err := m.ex.Exchange(ctx, provider, code)
	if err != nil {
		return domain.CalendarCredential{}, fmt.Errorf("exchange code: %w", err)
	}
	cred := domain.CalendarCredential{
		ID:           uuid.NewString(),
		Provider:     provider,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.ExpiresAt,
		Valid:        true,
		UpdatedAt:    m.now(),
	}
	if err := m.store.PutCredential(ctx, cred); err != nil {
		return domain.CalendarCredential{}, fmt.Errorf("store credential: %w", err)
	}
	return cred, nil
}

// Reconnect replaces the tokens of an existing credential with a fresh grant and
// marks it valid again.
func (m *Manager) Reconnect(ctx context.Context, credentialID, code string) (domain.CalendarCredential, error) {
	if strings.TrimSpace(code) == "" {
		return domain.CalendarCredential{}, failure.Validation(errors.New("authorization code is required"))
	}
	cred, err := m.store.GetCredential(ctx, credentialID)
	if err != nil {
		return domain.CalendarCredential{}, fmt.Errorf("load credential %s: %w", credentialID, err)
	}

	unlock := m.lock(credentialID)
	defer unlock()

	tok, err := m.ex.Exchange(ctx, cred.Provider, code)
	if err != nil {
		return domain.CalendarCredential{}, fmt.Errorf("exchange code: %w", err)
	}
	return m.store.UpdateCredential(ctx, credentialID, func(c *domain.CalendarCredential) error {
		c.AccessToken = tok.AccessToken
		c.RefreshToken = tok.RefreshToken
		c.ExpiresAt = tok.ExpiresAt
		c.Valid = true
		c.UpdatedAt = m.now()
		return nil
	})
}
