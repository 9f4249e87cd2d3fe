package dispatch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ErrDrainTimeout means some runs were still in flight when the bound
// expired; the process exits anyway and may have interrupted them
// mid-message.
var ErrDrainTimeout = errors.New("dispatch: drain timed out")

type drainStore interface {
	RequestDrain(ctx context.Context) error
	ClearDrain(ctx context.Context) error
}

type runCounter interface {
	ActiveRuns() int64
}

// Drainer is the two-phase shutdown coordinator: set the drain flag so
// every run checkpoints to stopped, then wait for the pool to empty.
type Drainer struct {
	store   drainStore
	pool    runCounter
	poll    time.Duration
	timeout time.Duration
	log     *zap.Logger
}

func NewDrainer(store drainStore, pool runCounter, poll, timeout time.Duration, log *zap.Logger) *Drainer {
	return &Drainer{
		store:   store,
		pool:    pool,
		poll:    poll,
		timeout: timeout,
		log:     log,
	}
}

func (d *Drainer) Drain(ctx context.Context) error {
	if err := d.store.RequestDrain(ctx); err != nil {
		// Runs won't see the flag; keep waiting anyway, context
		// cancellation still checkpoints them.
		d.log.Error("failed to set drain flag", zap.Error(err))
	}

	deadline := time.Now().Add(d.timeout)

	for {
		n := d.pool.ActiveRuns()
		if n == 0 {
			if err := d.store.ClearDrain(ctx); err != nil {
				d.log.Warn("failed to clear drain flag", zap.Error(err))
			}
			d.log.Info("all runs stopped, drain complete")
			return nil
		}

		if time.Now().After(deadline) {
			d.log.Warn("drain timed out, some runs may be interrupted mid-message",
				zap.Int64("active_runs", n),
			)
			return ErrDrainTimeout
		}

		d.log.Info("waiting for in-flight runs", zap.Int64("active_runs", n))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.poll):
		}
	}
}
