package run

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"rolechat/internal/service/ai"
)

// State of a run as seen by the driver.
type State int

const (
	Created State = iota
	Polling
	Completed
	Failed
	TimedOut
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Polling:
		return "polling"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// ErrRunTimeout is returned when the poll budget runs out before a terminal state.
var ErrRunTimeout = errors.New("run timed out")

// FailedError carries the remote failure reason verbatim.
type FailedError struct {
	Reason string
}

func (e *FailedError) Error() string {
	return "run failed: " + e.Reason
}

// Poller is the slice of the gateway the driver needs.
type Poller interface {
	PollRun(ctx context.Context, threadID, runID string) (ai.RunStatus, error)
	LatestReply(ctx context.Context, threadID string) (string, error)
}

// Outcome describes a finished drive.
type Outcome struct {
	State State
	Polls int
	Reply string
}

// Driver polls a run at a fixed interval until it is terminal or the budget is spent.
type Driver struct {
	poller   Poller
	interval time.Duration
	budget   time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewDriver builds a driver; interval and budget must be positive.
func NewDriver(poller Poller, interval, budget time.Duration) *Driver {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if budget < interval {
		budget = interval
	}
	return &Driver{poller: poller, interval: interval, budget: budget, sleep: sleepCtx}
}

// MaxPolls is the number of status checks the budget allows.
func (d *Driver) MaxPolls() int {
	n := int(d.budget / d.interval)
	if n < 1 {
		n = 1
	}
	return n
}

// Drive waits for the run and fetches the reply once it completes.
// It returns ErrRunTimeout, a *FailedError, or a gateway error.
func (d *Driver) Drive(ctx context.Context, threadID, runID string) (*Outcome, error) {
	logger := zerolog.Ctx(ctx).With().Str("thread_id", threadID).Str("run_id", runID).Logger()
	out := &Outcome{State: Created}
	maxPolls := d.MaxPolls()

	// the wall clock bound covers slow polls as well as the sleeps between them
	pollCtx, cancel := context.WithTimeout(ctx, d.budget+d.interval)
	defer cancel()

	out.State = Polling
	for out.Polls < maxPolls {
		if out.Polls > 0 {
			if err := d.sleep(pollCtx, d.interval); err != nil {
				break
			}
		}
		out.Polls++
		status, err := d.poller.PollRun(pollCtx, threadID, runID)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if ai.IsTransient(err) {
				logger.Debug().Err(err).Int("poll", out.Polls).Msg("transient poll failure")
				continue
			}
			out.State = Failed
			return out, err
		}
		switch status.State {
		case ai.RunPending:
			continue
		case ai.RunFailed:
			out.State = Failed
			return out, &FailedError{Reason: status.Reason}
		case ai.RunCompleted:
			reply, err := d.poller.LatestReply(ctx, threadID)
			if err != nil {
				out.State = Failed
				if errors.Is(err, ai.ErrNoReply) {
					return out, &FailedError{Reason: err.Error()}
				}
				return out, fmt.Errorf("fetch reply: %w", err)
			}
			out.State = Completed
			out.Reply = reply
			logger.Debug().Int("polls", out.Polls).Msg("run completed")
			return out, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return out, err
	}
	out.State = TimedOut
	logger.Warn().Int("polls", out.Polls).Dur("budget", d.budget).Msg("run timed out")
	return out, ErrRunTimeout
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
