// Package connector opens CLI sessions to network devices over SSH or Telnet
// and captures their running configuration.
package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/confkeeper/confkeeper/internal/domain"
	"github.com/scrapli/scrapligo/util"
)

// Kind classifies a session failure. Only Timeout and Unreachable are
// retryable by the job runner; the rest fail the device immediately.
type Kind int

const (
	KindTimeout Kind = iota + 1
	KindAuthFailed
	KindUnreachable
	KindProtocol
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindAuthFailed:
		return "auth_failed"
	case KindUnreachable:
		return "unreachable"
	case KindProtocol:
		return "protocol_error"
	case KindUnsupported:
		return "unsupported"
	}
	return "unknown"
}

// Error is a classified connector failure.
type Error struct {
	Kind Kind
	Host string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Host, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Host, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the job runner may retry the attempt.
func (e *Error) Retryable() bool {
	return e.Kind == KindTimeout || e.Kind == KindUnreachable
}

// Classify wraps err into a connector Error with the proper kind.
func Classify(host string, err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}

	kind := KindProtocol
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, util.ErrTimeoutError):
		kind = KindTimeout
	case errors.Is(err, util.ErrAuthError):
		kind = KindAuthFailed
	case errors.Is(err, util.ErrConnectionError):
		kind = KindUnreachable
	default:
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			kind = KindTimeout
			break
		}
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "timed out") || strings.Contains(msg, "timeout"):
			kind = KindTimeout
		case strings.Contains(msg, "connection refused") ||
			strings.Contains(msg, "no route to host") ||
			strings.Contains(msg, "network is unreachable") ||
			strings.Contains(msg, "no such host"):
			kind = KindUnreachable
		case strings.Contains(msg, "auth") || strings.Contains(msg, "permission denied"):
			kind = KindAuthFailed
		}
	}

	return &Error{Kind: kind, Host: host, Err: err}
}

// Target describes one device session. Credentials arrive already opened
// from the vault.
type Target struct {
	Host         string
	Port         int
	Protocol     string // domain.ProtocolSSH | domain.ProtocolTelnet
	Vendor       domain.Vendor
	Username     string
	Password     string
	EnableSecret string
}

// Result is a successful configuration capture.
type Result struct {
	Content  string
	Duration time.Duration
}

// Connector is the device-session capability used by the job runner and the
// device test endpoint.
type Connector interface {
	// TestConnection opens a session and runs the vendor probe command.
	// It never mutates device state. The returned string is a short
	// human-readable status message.
	TestConnection(ctx context.Context, t Target) (string, error)

	// FetchConfig captures the full running configuration verbatim.
	FetchConfig(ctx context.Context, t Target) (*Result, error)
}
