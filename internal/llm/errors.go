// Package llm dispatches generation requests across an ordered chain of
// providers, rotating API keys and enforcing per-model rate limits.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
)

// ErrorKind is the closed set of failure categories every provider error maps onto.
type ErrorKind string

const (
	KindTimeout               ErrorKind = "timeout"
	KindRateLimited           ErrorKind = "rate_limited"
	KindAuth                  ErrorKind = "auth"
	KindTransient             ErrorKind = "transient"
	KindMalformed             ErrorKind = "malformed" // empty or non-text response
	KindFatal                 ErrorKind = "fatal"     // never retried
	KindAllProvidersExhausted ErrorKind = "all_providers_exhausted"
	KindCancelled             ErrorKind = "cancelled"
	KindNotFound              ErrorKind = "not_found"
	KindForbidden             ErrorKind = "forbidden"
	KindInvalidPriority       ErrorKind = "invalid_priority"
)

// Error is a classified failure. Provider, Model and Key are filled in when known.
type Error struct {
	Kind     ErrorKind
	Provider string
	Model    string
	Key      string // masked
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Provider != "" {
		b.WriteString(" [")
		b.WriteString(e.Provider)
		if e.Model != "" {
			b.WriteString("/")
			b.WriteString(e.Model)
		}
		if e.Key != "" {
			b.WriteString(" key=")
			b.WriteString(e.Key)
		}
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with kind.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind of a classified error. Unclassified errors are
// run through Classify.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return KindAllProvidersExhausted
	}
	return Classify(err)
}

// Retryable reports whether another key of the same provider may succeed.
func Retryable(kind ErrorKind) bool {
	switch kind {
	case KindRateLimited, KindTransient, KindTimeout, KindAuth:
		return true
	default:
		return false
	}
}

// StatusKind maps an HTTP status code to an error kind.
func StatusKind(code int) (ErrorKind, bool) {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited, true
	case code == http.StatusUnauthorized, code == http.StatusForbidden, code == http.StatusPaymentRequired:
		return KindAuth, true
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return KindTimeout, true
	case code >= 500:
		return KindTransient, true
	case code >= 400:
		return KindFatal, true
	default:
		return "", false
	}
}

// Classify determines the kind of an unclassified error, checking
// context and network errors first and message patterns second.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindTransient
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage determines the kind from an error message.
// Order matters: rate limits mention quota, which overlaps with billing text.
func ClassifyMessage(msg string) ErrorKind {
	switch {
	case msg == "":
		return KindFatal
	case IsRateLimitMessage(msg):
		return KindRateLimited
	case IsAuthMessage(msg):
		return KindAuth
	case IsTimeoutMessage(msg):
		return KindTimeout
	case IsOverloadedMessage(msg):
		return KindTransient
	default:
		return KindFatal
	}
}

// statusCodeRe finds HTTP status codes written the way clients report them:
// at the start of the message or after "status", "HTTP", "code", "error",
// "returned" or "got". Bare digits elsewhere (token counts, ids) are ignored.
var statusCodeRe = regexp.MustCompile(`(?i)(?:^|\bstatus(?:\s*code)?|\bhttp(?:/[\d.]+)?|\bcode|\berror|\breturned|\bgot)[\s:=]*([1-5]\d\d)\b`)

// hasStatus reports whether msg carries one of codes in status position.
func hasStatus(msg string, codes ...string) bool {
	for _, m := range statusCodeRe.FindAllStringSubmatch(msg, -1) {
		for _, code := range codes {
			if m[1] == code {
				return true
			}
		}
	}
	return false
}

// IsRateLimitMessage checks if a message indicates rate limiting.
func IsRateLimitMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return hasStatus(msg, "429") ||
		strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "exceeded your current quota") ||
		strings.Contains(lower, "quota exceeded") ||
		strings.Contains(lower, "resource_exhausted") ||
		strings.Contains(lower, "resource has been exhausted") ||
		strings.Contains(lower, "requests per minute") ||
		strings.Contains(lower, "requests per day")
}

// IsAuthMessage checks if a message indicates an unusable credential.
// Billing failures count as auth: the key will not work until someone pays.
func IsAuthMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return hasStatus(msg, "401", "402", "403") ||
		strings.Contains(lower, "invalid api key") ||
		strings.Contains(lower, "invalid_api_key") ||
		strings.Contains(lower, "incorrect api key") ||
		strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "unauthenticated") ||
		strings.Contains(lower, "permission_denied") ||
		strings.Contains(lower, "forbidden") ||
		strings.Contains(lower, "access denied") ||
		strings.Contains(lower, "authentication") ||
		strings.Contains(lower, "insufficient credits") ||
		strings.Contains(lower, "insufficient_quota") ||
		strings.Contains(lower, "payment required")
}

// IsTimeoutMessage checks if a message indicates a timeout.
func IsTimeoutMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return hasStatus(msg, "408", "504") ||
		strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "timed out") ||
		strings.Contains(lower, "deadline exceeded") ||
		strings.Contains(lower, "deadline_exceeded")
}

// IsOverloadedMessage checks if a message indicates a temporary server-side problem.
func IsOverloadedMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return hasStatus(msg, "500", "502", "503", "529") ||
		strings.Contains(lower, "overloaded") ||
		strings.Contains(lower, "server is busy") ||
		strings.Contains(lower, "temporarily unavailable") ||
		strings.Contains(lower, "unavailable") ||
		strings.Contains(lower, "internal server error") ||
		strings.Contains(lower, "bad gateway") ||
		strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "eof")
}

// ProviderFailure is one provider's last error inside an ExhaustedError.
type ProviderFailure struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

// ExhaustedError is returned when every provider in the chain failed.
// Failures are in chain order.
type ExhaustedError struct {
	Failures []ProviderFailure
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Provider, f.Err))
	}
	return fmt.Sprintf("all providers exhausted (%d): %s", len(e.Failures), strings.Join(parts, "; "))
}

// Is lets errors.Is match any ExhaustedError against a zero-value target.
func (e *ExhaustedError) Is(target error) bool {
	_, ok := target.(*ExhaustedError)
	return ok
}

// MaskKey returns a log-safe form of an API key: prefix and suffix only.
func MaskKey(secret string) string {
	if secret == "" {
		return "<none>"
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}
