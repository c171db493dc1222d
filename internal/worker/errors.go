package worker

import (
	"errors"
	"fmt"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrNoActiveSession = errors.New("no active session for role")
	ErrWorkerBusy      = errors.New("role worker busy")
	ErrClosed          = errors.New("manager closed")
)

// Stages of the chat flow reported by ChatError.
const (
	StageSession    = "session"
	StageStore      = "store"
	StagePost       = "post"
	StageRun        = "run"
	StageReply      = "reply"
	StageTranscript = "transcript"
)

// ChatError reports where SendMessage failed and whether the user's message
// was already stored.
type ChatError struct {
	Stage    string
	Recorded bool
	Err      error
}

func (e *ChatError) Error() string {
	if e.Recorded {
		return fmt.Sprintf("chat %s failed after message was recorded: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("chat %s failed, nothing recorded: %v", e.Stage, e.Err)
}

func (e *ChatError) Unwrap() error {
	return e.Err
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
