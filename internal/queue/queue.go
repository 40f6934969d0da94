// Package queue is the durable store-and-forward queue for writes the server
// of record could not confirm synchronously.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/and161185/fieldtrace/internal/audit"
	"github.com/and161185/fieldtrace/internal/errs"
	"github.com/and161185/fieldtrace/internal/model"
	"github.com/and161185/fieldtrace/internal/repository"
)

// Defaults for Options.
const (
	DefaultMaxAttempts = 8
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffCap  = 10 * time.Minute
	DefaultRate        = rate.Limit(5)
)

// Options tune a Queue.
type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// Rate paces submissions during a drain.
	Rate   rate.Limit
	Logger *zap.Logger
	Audit  audit.Recorder
	// Clock overrides time.Now.
	Clock func() time.Time
}

// Report summarizes one drain pass.
type Report struct {
	Skipped   bool // another drain was running
	Attempted int
	Done      int
	Conflicts int // counted in Done as well
	Discarded int // rejected by timing policy, counted in Done as well
	Retried   int
	Failed    int
}

// Queue serializes store mutations; network submissions happen outside the lock.
type Queue struct {
	store repository.ActionStore
	sub   Submitter
	opts  Options
	log   *zap.Logger
	lim   *rate.Limiter

	mu       sync.Mutex
	draining atomic.Bool
	online   atomic.Bool
	wg       sync.WaitGroup
	wake     chan struct{}
}

// Open prepares the queue and returns actions left in flight by a crash to pending.
func Open(ctx context.Context, store repository.ActionStore, sub Submitter, opts Options) (*Queue, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = DefaultBackoffCap
	}
	if opts.Rate == 0 {
		opts.Rate = DefaultRate
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	q := &Queue{
		store: store,
		sub:   sub,
		opts:  opts,
		log:   opts.Logger,
		lim:   rate.NewLimiter(opts.Rate, 1),
		wake:  make(chan struct{}, 1),
	}
	n, err := store.ResetInFlight(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover in-flight actions: %w", err)
	}
	if n > 0 {
		q.log.Warn("recovered interrupted actions", zap.Int64("count", n))
	}
	return q, nil
}

// Enqueue persists a new pending action. payload must be JSON.
func (q *Queue) Enqueue(ctx context.Context, kind model.ActionKind, payload []byte) (*model.QueuedAction, error) {
	if kind == "" {
		return nil, errors.New("validation: empty action kind")
	}
	if !json.Valid(payload) {
		return nil, errors.New("validation: payload must be JSON")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	now := q.opts.Clock().UTC()
	a := &model.QueuedAction{
		ID:          id,
		Kind:        kind,
		Payload:     append([]byte(nil), payload...),
		EnqueuedAt:  now,
		NextRetryAt: now,
		Status:      model.ActionPending,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.Insert(ctx, a); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	q.log.Info("action queued", zap.String("id", id.String()), zap.String("kind", string(kind)))
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return a, nil
}

// Drain submits due pending actions in enqueue order. Only one drain runs at a
// time; an overlapping call returns Report{Skipped: true}. The error wraps
// errs.ErrQueueExhausted when any action was parked as failed in this pass.
func (q *Queue) Drain(ctx context.Context) (Report, error) {
	if !q.draining.CompareAndSwap(false, true) {
		return Report{Skipped: true}, nil
	}
	defer q.draining.Store(false)

	var rep Report
	q.mu.Lock()
	due, err := q.store.Due(ctx, q.opts.Clock())
	q.mu.Unlock()
	if err != nil {
		return rep, fmt.Errorf("load due actions: %w", err)
	}

	for _, a := range due {
		if err := q.lim.Wait(ctx); err != nil {
			return rep, err
		}
		q.mu.Lock()
		claimed, err := q.store.Claim(ctx, a.ID)
		q.mu.Unlock()
		if err != nil {
			return rep, fmt.Errorf("claim %s: %w", a.ID, err)
		}
		if !claimed {
			continue
		}
		rep.Attempted++

		subErr := q.sub.Submit(ctx, a)

		q.mu.Lock()
		err = q.settle(context.WithoutCancel(ctx), a, subErr, ctx.Err() != nil, &rep)
		q.mu.Unlock()
		if err != nil {
			return rep, err
		}
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
	}

	if rep.Attempted > 0 {
		q.log.Info("queue drained",
			zap.Int("attempted", rep.Attempted),
			zap.Int("done", rep.Done),
			zap.Int("retried", rep.Retried),
			zap.Int("failed", rep.Failed))
	}
	if rep.Failed > 0 {
		return rep, fmt.Errorf("%d action(s) parked: %w", rep.Failed, errs.ErrQueueExhausted)
	}
	return rep, nil
}

// settle records the outcome of one submission. Must hold q.mu.
func (q *Queue) settle(ctx context.Context, a model.QueuedAction, subErr error, cancelled bool, rep *Report) error {
	fields := []zap.Field{zap.String("id", a.ID.String()), zap.String("kind", string(a.Kind))}
	switch {
	case subErr == nil:
		rep.Done++
		return q.store.Complete(ctx, a.ID)

	case errors.Is(subErr, errs.ErrConflict):
		// the server already holds a newer state; it wins
		rep.Done++
		rep.Conflicts++
		q.log.Info("action superseded on server", append(fields, zap.Error(subErr))...)
		return q.store.Complete(ctx, a.ID)

	case errors.Is(subErr, errs.ErrTimingPolicy):
		// same soft-fail as a synchronous end: drop the record, keep the evidence
		rep.Done++
		rep.Discarded++
		q.log.Warn("queued session end rejected by timing policy, discarded", append(fields, zap.Error(subErr))...)
		if err := q.opts.Audit.Record(audit.Event{
			Kind:   audit.KindTimingPolicy,
			Ref:    a.ID.String(),
			Reason: subErr.Error(),
		}); err != nil {
			q.log.Error("audit write failed", zap.Error(err))
		}
		return q.store.Complete(ctx, a.ID)

	case cancelled:
		// interrupted by shutdown, not a failed attempt
		return q.store.Reschedule(ctx, a.ID, a.Attempts, q.opts.Clock(), a.LastError)
	}

	attempts := a.Attempts + 1
	if attempts >= q.opts.MaxAttempts {
		rep.Failed++
		q.log.Error("action exhausted, manual intervention required",
			append(fields, zap.Int("attempts", attempts), zap.Error(subErr))...)
		if err := q.opts.Audit.Record(audit.Event{
			Kind:   audit.KindActionFailed,
			Ref:    a.ID.String(),
			Reason: fmt.Sprintf("%s after %d attempts: %v", a.Kind, attempts, subErr),
		}); err != nil {
			q.log.Error("audit write failed", zap.Error(err))
		}
		return q.store.Fail(ctx, a.ID, attempts, subErr.Error())
	}

	rep.Retried++
	next := q.opts.Clock().Add(Backoff(q.opts.BackoffBase, q.opts.BackoffCap, attempts))
	q.log.Debug("action retry scheduled", append(fields, zap.Int("attempts", attempts), zap.Time("next", next), zap.Error(subErr))...)
	return q.store.Reschedule(ctx, a.ID, attempts, next, subErr.Error())
}

// Backoff is the delay before retry number attempts (1-based): base doubled
// per attempt, capped.
func Backoff(base, limit time.Duration, attempts int) time.Duration {
	b := retry.WithCappedDuration(limit, retry.NewExponential(base))
	var d time.Duration
	for i := 0; i < attempts; i++ {
		d, _ = b.Next()
	}
	return d
}

// OnConnectivity is the network-state listener hook. The offline to online
// transition starts a background drain.
func (q *Queue) OnConnectivity(ctx context.Context, online bool) {
	was := q.online.Swap(online)
	if !online || was {
		return
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		rep, err := q.Drain(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			q.log.Warn("drain after reconnect", zap.Error(err))
		}
		if rep.Skipped {
			q.log.Debug("drain already running")
		}
	}()
}

// Retry drains due actions while online: every interval, and right after an
// enqueue. It covers rescheduled actions and submissions that failed while
// the health check still reported the server up. Returns when ctx is done.
func (q *Queue) Retry(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-q.wake:
		}
		if !q.online.Load() {
			continue
		}
		if _, err := q.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			q.log.Warn("periodic drain", zap.Error(err))
		}
	}
}

// Online reports the last connectivity state seen.
func (q *Queue) Online() bool { return q.online.Load() }

// Wait blocks until background drains started by OnConnectivity finish.
func (q *Queue) Wait() { q.wg.Wait() }

// List returns actions in enqueue order; an empty status lists all.
func (q *Queue) List(ctx context.Context, status model.ActionStatus) ([]model.QueuedAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.List(ctx, status)
}

// Failed lists actions awaiting manual intervention.
func (q *Queue) Failed(ctx context.Context) ([]model.QueuedAction, error) {
	return q.List(ctx, model.ActionFailed)
}

// Requeue returns a failed action to pending with a fresh attempt budget.
func (q *Queue) Requeue(ctx context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.Requeue(ctx, id, q.opts.Clock()); err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	q.log.Info("action requeued", zap.String("id", id.String()))
	if err := q.opts.Audit.Record(audit.Event{Kind: audit.KindActionRequeued, Ref: id.String(), Reason: "operator requeue"}); err != nil {
		q.log.Error("audit write failed", zap.Error(err))
	}
	return nil
}
