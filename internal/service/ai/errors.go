package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Remote failures are always wrapped in one of these so callers can branch
// with errors.Is without knowing the provider.
var (
	ErrRemoteUnavailable = errors.New("remote unavailable")
	ErrRemoteRejected    = errors.New("remote rejected")
	ErrRemoteTimeout     = errors.New("remote timeout")
)

// ErrNoReply means a completed run left no assistant message on the thread.
var ErrNoReply = errors.New("no assistant reply")

// wrap classifies err and annotates it with the failed operation.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, classify(err), err)
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrRemoteTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrRemoteUnavailable
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrRemoteTimeout
		}
		return ErrRemoteUnavailable
	}

	// eino providers surface plain errors; fall back to message heuristics
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return ErrRemoteTimeout
	case strings.Contains(msg, "401"), strings.Contains(msg, "403"),
		strings.Contains(msg, "400"), strings.Contains(msg, "404"),
		strings.Contains(msg, "invalid"), strings.Contains(msg, "unauthorized"):
		return ErrRemoteRejected
	default:
		return ErrRemoteUnavailable
	}
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return ErrRemoteTimeout
	case code == http.StatusTooManyRequests:
		return ErrRemoteUnavailable
	case code >= 400 && code < 500:
		return ErrRemoteRejected
	default:
		return ErrRemoteUnavailable
	}
}

// IsTransient reports whether err is worth another attempt.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRemoteUnavailable) || errors.Is(err, ErrRemoteTimeout)
}
