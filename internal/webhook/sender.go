package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"slotsync/internal/failure"
)

// Response is what the receiver answered.
type Response struct {
	StatusCode int
	Elapsed    time.Duration
	// RetryAfter is the receiver's Retry-After hint, zero when absent.
	RetryAfter time.Duration
}

// Sender posts signed payloads to receivers.
// A non-nil error means no HTTP status was obtained.
type Sender interface {
	Post(ctx context.Context, target string, body []byte, header http.Header) (Response, error)
}

type SenderConfig struct {
	Timeout time.Duration
	// HostRate limits requests per receiver host, per second.
	HostRate  float64
	HostBurst int
	UserAgent string
}

func (c SenderConfig) withDefaults() SenderConfig {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.HostRate <= 0 {
		c.HostRate = 10
	}
	if c.HostBurst <= 0 {
		c.HostBurst = 10
	}
	if c.UserAgent == "" {
		c.UserAgent = "slotsync-webhooks/1.0"
	}
	return c
}

// HTTPSender posts over net/http with a bounded timeout and a per-host rate limit.
type HTTPSender struct {
	client *http.Client

	mu       sync.Mutex
	cfg      SenderConfig
	limiters map[string]*rate.Limiter
}

func NewHTTPSender(cfg SenderConfig, client *http.Client) *HTTPSender {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPSender{client: client, cfg: cfg.withDefaults(), limiters: map[string]*rate.Limiter{}}
}

func (s *HTTPSender) Apply(cfg SenderConfig) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	for _, l := range s.limiters {
		l.SetLimit(rate.Limit(cfg.HostRate))
		l.SetBurst(cfg.HostBurst)
	}
	s.mu.Unlock()
}

func (s *HTTPSender) limiter(host string) (*rate.Limiter, SenderConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.limiters[host]
	if l == nil {
		l = rate.NewLimiter(rate.Limit(s.cfg.HostRate), s.cfg.HostBurst)
		s.limiters[host] = l
	}
	return l, s.cfg
}

func (s *HTTPSender) Post(ctx context.Context, target string, body []byte, header http.Header) (Response, error) {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return Response{}, fmt.Errorf("invalid webhook url %q", target)
	}
	lim, cfg := s.limiter(u.Host)
	if err := lim.Wait(ctx); err != nil {
		return Response{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", cfg.UserAgent)

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return Response{Elapsed: time.Since(start)}, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	return Response{
		StatusCode: resp.StatusCode,
		Elapsed:    time.Since(start),
		RetryAfter: failure.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}, nil
}
