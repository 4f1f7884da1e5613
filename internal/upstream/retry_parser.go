package upstream

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ParseRetryDelay extracts the server-requested delay from a Retry-After
// header (seconds or HTTP date). Returns 0 if no usable value is present.
func ParseRetryDelay(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	retryAfter := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if retryAfter == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(retryAfter); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// isRetryable reports whether a failed page deserves one more attempt after a
// delay: rate limiting, server errors, timeouts and transport failures.
func isRetryable(status int, err error) bool {
	if status == http.StatusTooManyRequests || status >= 500 {
		return true
	}
	if status != 0 || err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// connection resets and unexpected EOFs surface as plain errors
	return !errors.Is(err, errDecode)
}

// backoff picks the delay before the retry: the server hint when present,
// otherwise base, never more than max.
func backoff(hint, base, max time.Duration) time.Duration {
	d := base
	if hint > 0 {
		d = hint
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}
