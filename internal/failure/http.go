package failure

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ParseRetryAfter reads a Retry-After header value, either delta-seconds or an HTTP date.
// Unparseable or past values yield 0.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil {
		if n <= 0 {
			return 0
		}
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// FromStatus classifies a non-2xx response from a remote API.
// 401/403 are auth failures, 429 is rate limited (honoring Retry-After),
// 408 and 5xx are transient, and any other 4xx is a validation failure.
// It returns nil for 2xx.
func FromStatus(resp *http.Response, now time.Time, what string) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}
	err := fmt.Errorf("%s: http %d", what, code)
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return Auth(err)
	case code == http.StatusTooManyRequests:
		return RateLimited(err, ParseRetryAfter(resp.Header.Get("Retry-After"), now))
	case code == http.StatusRequestTimeout || code >= 500:
		return RateLimited(err, ParseRetryAfter(resp.Header.Get("Retry-After"), now))
	default:
		return Validation(err)
	}
}
