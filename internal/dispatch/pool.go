package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"sendwave/internal/metrics"

	"go.uber.org/zap"
)

// ErrQueueFull is returned when a trigger cannot be accepted right now.
var ErrQueueFull = errors.New("dispatch: job queue full")

// Pool is the bounded worker pool. Runs for different campaigns execute in
// parallel; each run touches only its own campaign's keys and report row,
// so the workers share nothing but the queue.
type Pool struct {
	jobs   chan Job
	runner *Runner
	log    *zap.Logger
	wg     sync.WaitGroup

	mu       sync.Mutex
	userRuns map[string]int
	active   atomic.Int64
}

func NewPool(runner *Runner, queueSize int, log *zap.Logger) *Pool {
	return &Pool{
		jobs:     make(chan Job, queueSize),
		runner:   runner,
		log:      log,
		userRuns: make(map[string]int),
	}
}

func (p *Pool) Start(ctx context.Context, workers int) {
	for i := 0; i < workers; i++ {
		p.wg.Add(1)

		go func(id int) {
			defer p.wg.Done()

			p.log.Info("dispatch worker started", zap.Int("worker_id", id))

			for {
				select {

				case <-ctx.Done():
					p.log.Info("dispatch worker shutting down", zap.Int("worker_id", id))
					return

				case job, ok := <-p.jobs:
					if !ok {
						p.log.Info("job channel closed", zap.Int("worker_id", id))
						return
					}

					p.begin(job.UserID)
					release := p.runner.Run(ctx, job)

					// The session is released only by whichever run
					// brings the user's count to zero; a count taken
					// before the decrement could let two finishing
					// runs each leave it to the other.
					if p.end(job.UserID) == 0 && release {
						p.runner.ReleaseSession(ctx, job.UserID)
					}
				}
			}
		}(i)
	}
}

// Enqueue accepts a run job without blocking the trigger request.
func (p *Pool) Enqueue(job Job) error {
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// ActiveRuns counts in-flight plus queued runs; the drain coordinator waits
// on this reaching zero.
func (p *Pool) ActiveRuns() int64 {
	return p.active.Load() + int64(len(p.jobs))
}

// RunsFor reports in-flight runs for one user, including the caller's own.
func (p *Pool) RunsFor(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userRuns[userID]
}

// Close stops accepting jobs; workers exit once the queue runs dry.
func (p *Pool) Close() {
	close(p.jobs)
}

func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) begin(userID string) {
	p.mu.Lock()
	p.userRuns[userID]++
	p.mu.Unlock()

	p.active.Add(1)
	metrics.ActiveRuns.Inc()
}

// end decrements and returns the user's remaining in-flight runs; zero
// means the finishing run was their last.
func (p *Pool) end(userID string) int {
	p.mu.Lock()
	p.userRuns[userID]--
	n := p.userRuns[userID]
	if n <= 0 {
		delete(p.userRuns, userID)
	}
	p.mu.Unlock()

	p.active.Add(-1)
	metrics.ActiveRuns.Dec()

	return n
}
