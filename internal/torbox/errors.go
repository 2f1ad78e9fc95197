package torbox

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Auth error codes the API returns alongside HTTP 403.
var authErrorCodes = map[string]bool{
	"AUTH_ERROR": true,
	"NO_AUTH":    true,
	"BAD_TOKEN":  true,
}

// AuthError means the API key was rejected. The caller marks the user
// inactive; no retry is scheduled.
type AuthError struct {
	Status int
	Code   string
}

func (e *AuthError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("torbox auth rejected: %s (HTTP %d)", e.Code, e.Status)
	}
	return fmt.Sprintf("torbox auth rejected (HTTP %d)", e.Status)
}

// TransientError is a connection-level or 5xx failure. List calls substitute
// an empty result; control calls surface it as a per-item failure.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("torbox %s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err classifies as an authentication failure.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransient reports whether err classifies as a transient connection error.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// isNetworkError detects the connection failures we treat as transient.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	for _, errno := range []syscall.Errno{syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ETIMEDOUT} {
		if errors.Is(err, errno) {
			return true
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	// Transport errors wrapped as url.Error often only expose the message.
	msg := err.Error()
	for _, marker := range []string{"connection reset", "connection refused", "no such host", "timeout", "deadline exceeded", "EOF"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
