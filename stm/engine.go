package stm

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pingcap-incubator/tinystm/config"
	"github.com/pingcap-incubator/tinystm/util/retrywaiter"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Engine runs transactions. All TVars touched by the transactions of an engine are
// committed under the engine's commit lock, which gives a single total order of
// commits per engine.
type Engine struct {
	cfg *config.Config

	// Held while validating and installing the write set of an attempt.
	commitMu sync.Mutex
	// Number of commits with a non empty write set.
	clock     *atomic.Uint64
	// Odd while a commit is installing its writes.
	applySeq  *atomic.Uint64
	attemptID *atomic.Uint64
	waiters   *retrywaiter.Manager

	logger *zap.Logger
}

// New creates an engine. The config must have been validated.
func New(cfg *config.Config) *Engine {
	return &Engine{
		cfg:       cfg,
		clock:     atomic.NewUint64(0),
		applySeq:  atomic.NewUint64(0),
		attemptID: atomic.NewUint64(0),
		waiters:   retrywaiter.NewManager(),
		logger:    log.L(),
	}
}

// NewTestEngine creates an engine with the test configuration.
func NewTestEngine() *Engine {
	return New(config.NewTestConfig())
}

// CommitTS returns the number of commits that wrote at least one TVar.
func (e *Engine) CommitTS() uint64 {
	return e.clock.Load()
}

// BlockedAttempts returns the number of attempts parked on Retry.
func (e *Engine) BlockedAttempts() int {
	return e.waiters.Len()
}

// Atomically runs fn until one of its attempts commits and returns fn's result from
// that attempt. See Engine.Atomically.
func Atomically[T any](ctx context.Context, e *Engine, fn func(*Txn) (T, error)) (T, error) {
	var result T
	err := e.Atomically(ctx, func(tx *Txn) error {
		v, err := fn(tx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// Atomically runs fn as a transaction. fn may run any number of times; exactly the
// writes of the attempt that commits become visible.
//
// If fn returns an error, or panics, from an attempt that saw a consistent snapshot,
// nothing is committed and the error is returned unchanged (or the panic resumed).
// If ctx is done while the transaction is parked on Retry, or before an attempt
// starts, the returned error has ErrCancelled as its cause.
func (e *Engine) Atomically(ctx context.Context, fn func(*Txn) error) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "stm.atomically")
	attempts := 0
	defer func() {
		span.SetTag("attempts", attempts)
		span.Finish()
		txnAttemptsHistogram.Observe(float64(attempts))
	}()

	conflicts := 0
	for {
		if err := ctx.Err(); err != nil {
			txnCounter.WithLabelValues(eventCancel).Inc()
			return errors.Wrapf(ErrCancelled, "%v", err)
		}
		if e.cfg.MaxAttempts > 0 && attempts >= e.cfg.MaxAttempts {
			return errors.Wrapf(ErrTooManyAttempts, "gave up after %d attempts", attempts)
		}
		attempts++

		tx := &Txn{id: e.attemptID.Inc(), log: newTxnLog()}
		res := tx.run(fn)
		switch res.outcome {
		case attemptDone:
			if e.commit(tx) {
				txnCounter.WithLabelValues(eventCommit).Inc()
				return nil
			}
		case attemptRetry:
			if len(tx.log.reads) == 0 {
				txnCounter.WithLabelValues(eventEmptyRetry).Inc()
				e.logger.Error("transaction retried without reading any tvar", zap.Uint64("attempt", tx.id))
				return errors.Trace(ErrEmptyRetry)
			}
			txnCounter.WithLabelValues(eventRetry).Inc()
			if err := e.waitForChange(ctx, tx); err != nil {
				return err
			}
			conflicts = 0
			continue
		case attemptFailed:
			if e.validate(tx) {
				txnCounter.WithLabelValues(eventError).Inc()
				return res.err
			}
		case attemptPanicked:
			if e.validate(tx) {
				txnCounter.WithLabelValues(eventError).Inc()
				panic(res.panicVal)
			}
		}

		// The attempt read a stale snapshot; run it again.
		conflicts++
		txnCounter.WithLabelValues(eventConflict).Inc()
		e.logger.Debug("transaction conflict",
			zap.Uint64("attempt", tx.id),
			zap.Int("conflicts", conflicts))
		if err := e.backoff(ctx, conflicts); err != nil {
			return err
		}
	}
}

// validate checks the reads of tx against the committed versions without taking the
// commit lock. A commit installs its writes one tvar at a time, so a check that
// overlaps one may have seen half of it and reports false; the attempt then re-runs
// like any other conflict.
func (e *Engine) validate(tx *Txn) bool {
	seq := e.applySeq.Load()
	if seq%2 != 0 {
		return false
	}
	ok := tx.log.validate()
	return ok && e.applySeq.Load() == seq
}

// commit validates tx and installs its writes.
func (e *Engine) commit(tx *Txn) bool {
	if tx.log.writes.Len() == 0 {
		return e.validate(tx)
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	if !tx.log.validate() {
		return false
	}
	e.applySeq.Inc()
	keys := e.apply(tx)
	commitTS := e.clock.Inc()
	// Wake up before the lock is released so that any attempt woken by this commit
	// starts after it.
	e.waiters.WakeUp(commitTS, keys)
	return true
}

func (e *Engine) apply(tx *Txn) []uint64 {
	defer e.applySeq.Inc()
	return tx.log.apply()
}

// waitForChange parks the caller until a tvar read by tx is committed to. It returns
// nil when tx should run again.
func (e *Engine) waitForChange(ctx context.Context, tx *Txn) error {
	w := e.waiters.NewWaiter(tx.id, tx.log.readSet(), e.cfg.RetryWaitTimeout.Duration)
	if !e.waiters.Register(w, tx.log.validate) {
		// Something we read changed already.
		return nil
	}
	retryWaitersGauge.Inc()
	defer retryWaitersGauge.Dec()

	result := w.Wait(ctx)
	switch result.Position {
	case retrywaiter.WaitCancelled:
		e.waiters.CleanUp(w)
		txnCounter.WithLabelValues(eventCancel).Inc()
		return errors.Wrapf(ErrCancelled, "attempt %d blocked on %d tvars: %v", tx.id, len(w.Keys), ctx.Err())
	case retrywaiter.WaitTimeout:
		e.waiters.CleanUp(w)
		txnCounter.WithLabelValues(eventTimeout).Inc()
	default:
		txnCounter.WithLabelValues(eventWakeup).Inc()
		e.logger.Debug("transaction woken up",
			zap.Uint64("attempt", tx.id),
			zap.Uint64("commit-ts", result.CommitTS),
			zap.Int("position", int(result.Position)))
	}
	return nil
}

// backoff sleeps between attempts once conflicts exceed the configured threshold.
func (e *Engine) backoff(ctx context.Context, conflicts int) error {
	threshold := e.cfg.ConflictBackoffThreshold
	if threshold <= 0 || conflicts <= threshold {
		return nil
	}
	step := conflicts - threshold - 1
	if step > 16 {
		step = 16
	}
	d := e.cfg.ConflictBackoffBase.Duration << uint(step)
	if limit := e.cfg.ConflictBackoffMax.Duration; d > limit || d <= 0 {
		d = limit
	}
	d = d/2 + time.Duration(rand.Int63n(int64(d/2)+1))

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		txnCounter.WithLabelValues(eventCancel).Inc()
		return errors.Wrapf(ErrCancelled, "%v", ctx.Err())
	case <-timer.C:
		return nil
	}
}
