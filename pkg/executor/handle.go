package executor

import (
	"context"

	"github.com/google/uuid"
)

// Handle tracks an asynchronous invocation.
type Handle struct {
	// ID is the opaque token front-ends use to address this run.
	ID string
	// JobID is zero for ad-hoc runs.
	JobID int64

	cancel  context.CancelFunc
	done    chan struct{}
	outcome *Outcome
	err     error
}

func newHandle(jobID int64, cancel context.CancelFunc) *Handle {
	return &Handle{
		ID:     uuid.NewString(),
		JobID:  jobID,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Cancel requests cooperative termination of the run.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed when the run has fully settled (audit written).
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the run settles or ctx is cancelled.
func (h *Handle) Wait(ctx context.Context) (*Outcome, error) {
	select {
	case <-h.done:
		return h.outcome, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) settle(outcome *Outcome, err error) {
	h.outcome = outcome
	h.err = err
	close(h.done)
}
