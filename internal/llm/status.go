package llm

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"codecompass/internal/errs"
)

// statusError converts a non-200 response into an error. Rate-limit responses
// become *errs.ThrottleError carrying the server's retry hint.
func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := fmt.Errorf("bad status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	return throttleIfLimited(resp.StatusCode, resp.Header, err)
}

// retryAfter reads retry-after-ms or Retry-After (seconds or HTTP date).
// It returns 0 when no usable hint is present.
func retryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	if v := h.Get("Retry-After-Ms"); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && ms > 0 {
			return time.Duration(ms * float64(time.Millisecond))
		}
	}
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// throttleIfLimited wraps err as a throttle when status marks rate limiting
// or provider overload.
func throttleIfLimited(status int, h http.Header, err error) error {
	switch status {
	case http.StatusTooManyRequests, statusOverloaded:
		return &errs.ThrottleError{RetryAfter: retryAfter(h), Err: err}
	}
	return err
}

// statusOverloaded is Anthropic's "overloaded" status.
const statusOverloaded = 529
