package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"slotsync/internal/domain"
	"slotsync/internal/failure"
	"slotsync/internal/storage"
	logx "slotsync/pkg/logx"
)

type fakeExchanger struct {
	calls   atomic.Int32
	refresh func(n int32) (Token, error)
}

func (f *fakeExchanger) Exchange(ctx context.Context, provider, code string) (Token, error) {
	return Token{AccessToken: "acc-" + code, RefreshToken: "ref-" + code, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeExchanger) Refresh(ctx context.Context, provider, refreshToken string) (Token, error) {
	n := f.calls.Add(1)
	time.Sleep(5 * time.Millisecond)
	return f.refresh(n)
}

func seed(t *testing.T, st storage.Store, expires time.Time) {
	t.Helper()
	err := st.PutCredential(context.Background(), domain.CalendarCredential{
		ID: "cred-1", Provider: "google", AccessToken: "old", RefreshToken: "r1", ExpiresAt: expires, Valid: true,
	})
	if err != nil {
		t.Fatalf("put credential: %v", err)
	}
}

func TestAccessTokenFreshIsReturnedAsIs(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	seed(t, st, time.Now().Add(time.Hour))
	ex := &fakeExchanger{refresh: func(int32) (Token, error) { return Token{}, errors.New("unexpected") }}
	m := NewManager(st, ex, Config{RefreshMargin: 5 * time.Minute}, logx.Nop())

	tok, err := m.AccessToken(context.Background(), "cred-1")
	if err != nil || tok != "old" {
		t.Fatalf("AccessToken()=%q,%v", tok, err)
	}
	if ex.calls.Load() != 0 {
		t.Fatalf("fresh token must not be refreshed")
	}
}

func TestAccessTokenRefreshesOnceUnderConcurrency(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	seed(t, st, time.Now().Add(time.Minute))
	ex := &fakeExchanger{refresh: func(int32) (Token, error) {
		return Token{AccessToken: "new", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}}
	m := NewManager(st, ex, Config{RefreshMargin: 5 * time.Minute}, logx.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := m.AccessToken(context.Background(), "cred-1")
			if err != nil || tok != "new" {
				t.Errorf("AccessToken()=%q,%v", tok, err)
			}
		}()
	}
	wg.Wait()
	if n := ex.calls.Load(); n != 1 {
		t.Fatalf("refresh calls=%d, want 1", n)
	}
	cred, _ := st.GetCredential(context.Background(), "cred-1")
	if cred.RefreshToken != "r1" {
		t.Fatalf("refresh token must be kept when the provider does not rotate it, got %q", cred.RefreshToken)
	}
}

func TestAccessTokenAuthFailureInvalidatesCredential(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	seed(t, st, time.Now().Add(-time.Minute))
	ex := &fakeExchanger{refresh: func(int32) (Token, error) {
		return Token{}, failure.Auth(errors.New("invalid_grant"))
	}}
	m := NewManager(st, ex, Config{RefreshRetries: 3, RetryBase: time.Millisecond}, logx.Nop())

	_, err := m.AccessToken(context.Background(), "cred-1")
	if !failure.IsAuth(err) || !errors.Is(err, ErrCredentialInvalid) {
		t.Fatalf("err=%v, want auth ErrCredentialInvalid", err)
	}
	if n := ex.calls.Load(); n != 1 {
		t.Fatalf("auth failures must not be retried, calls=%d", n)
	}
	cred, _ := st.GetCredential(context.Background(), "cred-1")
	if cred.Valid {
		t.Fatalf("credential must be marked invalid")
	}

	// Invalid credentials fail fast without calling the provider.
	if _, err := m.AccessToken(context.Background(), "cred-1"); !failure.IsAuth(err) {
		t.Fatalf("second call err=%v", err)
	}
	if n := ex.calls.Load(); n != 1 {
		t.Fatalf("calls=%d after fast-fail", n)
	}
}

func TestAccessTokenRetriesTransient(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	seed(t, st, time.Now().Add(-time.Minute))
	ex := &fakeExchanger{refresh: func(n int32) (Token, error) {
		if n < 3 {
			return Token{}, failure.Transient(errors.New("502"))
		}
		return Token{AccessToken: "new", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}}
	m := NewManager(st, ex, Config{RefreshRetries: 3, RetryBase: time.Millisecond}, logx.Nop())

	tok, err := m.AccessToken(context.Background(), "cred-1")
	if err != nil || tok != "new" {
		t.Fatalf("AccessToken()=%q,%v", tok, err)
	}

	st2 := storage.NewMemory()
	seed(t, st2, time.Now().Add(-time.Minute))
	always := &fakeExchanger{refresh: func(int32) (Token, error) { return Token{}, failure.Transient(errors.New("down")) }}
	m2 := NewManager(st2, always, Config{RefreshRetries: 2, RetryBase: time.Millisecond}, logx.Nop())
	_, err = m2.AccessToken(context.Background(), "cred-1")
	if err == nil || failure.KindOf(err) != failure.KindTransient {
		t.Fatalf("err=%v, want transient", err)
	}
	if n := always.calls.Load(); n != 3 {
		t.Fatalf("calls=%d, want 3", n)
	}
	if cred, _ := st2.GetCredential(context.Background(), "cred-1"); !cred.Valid {
		t.Fatalf("transient failures must leave the credential valid")
	}
}

func TestConnectAndReconnect(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	m := NewManager(st, &fakeExchanger{}, Config{}, logx.Nop())

	cred, err := m.Connect(context.Background(), "google", "c1")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !cred.Valid || cred.AccessToken != "acc-c1" {
		t.Fatalf("cred=%+v", cred)
	}
	if _, err := st.UpdateCredential(context.Background(), cred.ID, func(c *domain.CalendarCredential) error {
		c.Valid = false
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	cred, err = m.Reconnect(context.Background(), cred.ID, "c2")
	if err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if !cred.Valid || cred.AccessToken != "acc-c2" || cred.RefreshToken != "ref-c2" {
		t.Fatalf("cred=%+v", cred)
	}
	if _, err := m.Connect(context.Background(), "google", " "); !failure.IsValidation(err) {
		t.Fatalf("empty code err=%v", err)
	}
}

func TestHTTPExchanger(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "id" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.PostForm.Get("refresh_token") {
		case "good":
			_, _ = w.Write([]byte(`{"access_token":"a2","refresh_token":"r2","expires_in":3600}`))
		case "revoked":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
		case "created":
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"access_token":"a3","expires_in":3600}`))
		case "empty":
			w.WriteHeader(http.StatusNoContent)
		case "busy":
			w.Header().Set("Retry-After", "12")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	x := NewHTTPExchanger(map[string]ProviderConfig{
		"google": {TokenURL: srv.URL, ClientID: "id", ClientSecret: "secret"},
		"broken": {TokenURL: srv.URL, ClientID: "id", ClientSecret: "wrong"},
	}, srv.Client())
	ctx := context.Background()

	tok, err := x.Refresh(ctx, "google", "good")
	if err != nil || tok.AccessToken != "a2" || tok.RefreshToken != "r2" || tok.ExpiresAt.IsZero() {
		t.Fatalf("Refresh()=%+v,%v", tok, err)
	}
	tok, err = x.Refresh(ctx, "google", "created")
	if err != nil || tok.AccessToken != "a3" || tok.ExpiresAt.IsZero() {
		t.Fatalf("201 Refresh()=%+v,%v", tok, err)
	}
	tok, err = x.Refresh(ctx, "google", "empty")
	if err == nil || tok.AccessToken != "" || failure.KindOf(err) != failure.KindTransient {
		t.Fatalf("204 Refresh()=%+v,%v, want transient error", tok, err)
	}
	if _, err := x.Refresh(ctx, "google", "revoked"); !failure.IsAuth(err) {
		t.Fatalf("invalid_grant err=%v", err)
	}
	if _, err := x.Refresh(ctx, "broken", "good"); !failure.IsAuth(err) {
		t.Fatalf("401 err=%v", err)
	}
	_, err = x.Refresh(ctx, "google", "busy")
	if failure.KindOf(err) != failure.KindTransient || failure.RetryAfterOf(err) != 12*time.Second {
		t.Fatalf("429 err=%v", err)
	}
	if _, err := x.Refresh(ctx, "google", "other"); failure.KindOf(err) != failure.KindTransient {
		t.Fatalf("502 err=%v", err)
	}
	if _, err := x.Refresh(ctx, "nope", "good"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("unknown provider err=%v", err)
	}
}
