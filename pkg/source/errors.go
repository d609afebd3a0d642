package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// ErrUnauthorized is returned when the API rejects the credentials.
var ErrUnauthorized = errors.New("github: unauthorized")

// APIError is a failed request, either at the HTTP layer or in the GraphQL errors array.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
	Transient  bool
	// RetryAfter is the server's hint for the next attempt, zero when absent.
	RetryAfter time.Duration
	// RateLimit is the in-band quota reported alongside the error, if any.
	RateLimit *RateLimit
}

func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString("github api")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " status %d", e.StatusCode)
	}
	if e.Type != "" {
		fmt.Fprintf(&b, " %s", e.Type)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	return b.String()
}

func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// IsTransient reports whether err is worth retrying with the same request.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// RetryAfterHint returns the server-suggested wait carried by err, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter, true
	}
	return 0, false
}

// RateLimitOf returns the quota state carried by err, if any.
func RateLimitOf(err error) (*RateLimit, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RateLimit != nil {
		return apiErr.RateLimit, true
	}
	return nil, false
}

var transientStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

var transientGraphQLTypes = map[string]bool{
	"RATE_LIMITED":        true,
	"SERVICE_UNAVAILABLE": true,
	"ABUSE_DETECTED":      true,
}

var transientMarkers = []string{"rate limit", "abuse", "timeout", "timed out"}

func mentionsTransient(msg string) bool {
	lower := strings.ToLower(msg)
	for _, m := range transientMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// statusError classifies a non-200 response. 403 is only transient when the
// server signals a primary or secondary rate limit.
func statusError(resp *http.Response, body []byte, now time.Time) *APIError {
	e := &APIError{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(truncate(string(body), 300)),
		RetryAfter: retryAfterFromHeaders(resp.Header, now),
	}
	switch {
	case transientStatus[resp.StatusCode]:
		e.Transient = true
	case resp.StatusCode == http.StatusForbidden:
		e.Transient = resp.Header.Get("X-RateLimit-Remaining") == "0" ||
			resp.Header.Get("Retry-After") != "" ||
			mentionsTransient(e.Message)
	}
	return e
}

// graphQLError classifies an errors array. For rate-limit errors the
// in-band quota reset wins over headers.
func graphQLError(errs []gqlError, rl *gqlRateLimit, header http.Header, now time.Time) *APIError {
	first := errs[0]
	e := &APIError{
		StatusCode: http.StatusOK,
		Type:       first.Type,
		Message:    first.Message,
		RetryAfter: retryAfterFromHeaders(header, now),
	}
	rateLimited := false
	for _, ge := range errs {
		if transientGraphQLTypes[ge.Type] || mentionsTransient(ge.Message) {
			e.Transient = true
			if e.Type == "" {
				e.Type = ge.Type
			}
			rateLimited = ge.Type == "RATE_LIMITED" || strings.Contains(strings.ToLower(ge.Message), "rate limit")
			break
		}
	}
	if rl != nil {
		e.RateLimit = &RateLimit{Limit: rl.Limit, Cost: rl.Cost, Remaining: rl.Remaining, ResetAt: rl.ResetAt.UTC()}
		if rateLimited && rl.ResetAt.After(now) {
			e.RetryAfter = rl.ResetAt.Sub(now)
		}
	}
	return e
}

func retryAfterFromHeaders(h http.Header, now time.Time) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		var secs int
		if _, err := fmt.Sscanf(v, "%d", &secs); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if h.Get("X-RateLimit-Remaining") == "0" {
		if reset, ok := parseEpoch(h.Get("X-RateLimit-Reset")); ok && reset.After(now) {
			return reset.Sub(now)
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
