package stm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinystm/config"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

const waitFor = 5 * time.Second

func increment(tx *Txn, tv *TVar[int]) error {
	Modify(tx, tv, func(v int) int { return v + 1 })
	return nil
}

func TestAtomicallyResult(t *testing.T) {
	e := NewTestEngine()
	tv := NewTVar(20)
	v, err := Atomically(context.Background(), e, func(tx *Txn) (int, error) {
		old := Swap(tx, tv, 22)
		return old + Get(tx, tv), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	val, ver := tv.Load()
	assert.Equal(t, 22, val)
	assert.Equal(t, uint64(1), ver)
	assert.Equal(t, uint64(1), e.CommitTS())
}

func TestReadOnlyDoesNotCommit(t *testing.T) {
	e := NewTestEngine()
	tv := NewTVar("x")
	v, err := Atomically(context.Background(), e, func(tx *Txn) (string, error) {
		return Get(tx, tv), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "x", v)
	assert.Equal(t, uint64(0), tv.Version())
	assert.Equal(t, uint64(0), e.CommitTS())
}

func TestConcurrentIncrements(t *testing.T) {
	e := NewTestEngine()
	tv := NewTVar(0)
	const workers, perWorker = 8, 200

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				err := e.Atomically(context.Background(), func(tx *Txn) error {
					return increment(tx, tv)
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	v, ver := tv.Load()
	assert.Equal(t, workers*perWorker, v)
	assert.Equal(t, uint64(workers*perWorker), ver)
	assert.Equal(t, uint64(workers*perWorker), e.CommitTS())
}

func TestNoPartialCommit(t *testing.T) {
	e := NewTestEngine()
	a, b := NewTVar(100), NewTVar(0)
	const total = 100

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				err := e.Atomically(ctx, func(tx *Txn) error {
					from, to := a, b
					if (i+j)%2 == 0 {
						from, to = b, a
					}
					if Get(tx, from) == 0 {
						return nil
					}
					Modify(tx, from, func(v int) int { return v - 1 })
					Modify(tx, to, func(v int) int { return v + 1 })
					return nil
				})
				assert.NoError(t, err)
			}
		}(i)
	}

	observed := atomic.NewInt64(0)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			sum, err := Atomically(ctx, e, func(tx *Txn) (int, error) {
				return Get(tx, a) + Get(tx, b), nil
			})
			assert.NoError(t, err)
			assert.Equal(t, total, sum)
			observed.Inc()
		}
	}()
	wg.Wait()

	assert.Equal(t, int64(500), observed.Load())
	va, _ := a.Load()
	vb, _ := b.Load()
	assert.Equal(t, total, va+vb)
}

func TestUserErrorDiscardsWrites(t *testing.T) {
	e := NewTestEngine()
	tv := NewTVar(1)
	boom := errors.New("boom")
	err := e.Atomically(context.Background(), func(tx *Txn) error {
		Set(tx, tv, 2)
		return boom
	})
	assert.Equal(t, boom, err)

	v, ver := tv.Load()
	assert.Equal(t, 1, v)
	assert.Equal(t, uint64(0), ver)
	assert.Equal(t, uint64(0), e.CommitTS())
}

func TestUserPanicDiscardsWrites(t *testing.T) {
	e := NewTestEngine()
	tv := NewTVar(1)
	assert.PanicsWithValue(t, "kaboom", func() {
		_ = e.Atomically(context.Background(), func(tx *Txn) error {
			Set(tx, tv, 2)
			panic("kaboom")
		})
	})
	v, ver := tv.Load()
	assert.Equal(t, 1, v)
	assert.Equal(t, uint64(0), ver)
}

func TestEmptyRetry(t *testing.T) {
	e := NewTestEngine()
	err := e.Atomically(context.Background(), func(tx *Txn) error {
		tx.Retry()
		return nil
	})
	assert.Equal(t, ErrEmptyRetry, errors.Cause(err))
	assert.Equal(t, 0, e.BlockedAttempts())
}

func TestRetryBlocksUntilWrite(t *testing.T) {
	e := NewTestEngine()
	tv := NewTVar(0)

	done := make(chan int, 1)
	go func() {
		v, err := Atomically(context.Background(), e, func(tx *Txn) (int, error) {
			v := Get(tx, tv)
			tx.Check(v > 0)
			return v, nil
		})
		assert.NoError(t, err)
		done <- v
	}()

	require.Eventually(t, func() bool { return e.BlockedAttempts() == 1 }, waitFor, time.Millisecond)
	select {
	case <-done:
		t.Fatal("transaction committed before the tvar changed")
	default:
	}

	require.NoError(t, e.Atomically(context.Background(), func(tx *Txn) error {
		Set(tx, tv, 5)
		return nil
	}))
	select {
	case v := <-done:
		assert.Equal(t, 5, v)
	case <-time.After(waitFor):
		t.Fatal("retrying transaction was not woken")
	}
	assert.Equal(t, 0, e.BlockedAttempts())
}

func TestRetryCancelled(t *testing.T) {
	e := NewTestEngine()
	tv := NewTVar(false)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := e.Atomically(ctx, func(tx *Txn) error {
		tx.Check(Get(tx, tv))
		return nil
	})
	assert.True(t, IsCancelled(err), "%v", err)
	assert.Equal(t, 0, e.BlockedAttempts())
}

func TestCancelledBeforeStart(t *testing.T) {
	e := NewTestEngine()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runs := 0
	err := e.Atomically(ctx, func(tx *Txn) error {
		runs++
		return nil
	})
	assert.True(t, IsCancelled(err))
	assert.Equal(t, 0, runs)
}

func TestRetryWaitTimeoutRerunsAttempt(t *testing.T) {
	cfg := config.NewTestConfig()
	cfg.RetryWaitTimeout.Duration = 5 * time.Millisecond
	e := New(cfg)
	tv := NewTVar(0)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	runs := atomic.NewInt32(0)
	err := e.Atomically(ctx, func(tx *Txn) error {
		runs.Inc()
		tx.Check(Get(tx, tv) > 0)
		return nil
	})
	assert.True(t, IsCancelled(err))
	assert.Greater(t, runs.Load(), int32(1))
}

func TestConflictRerunsAttempt(t *testing.T) {
	e := NewTestEngine()
	tv := NewTVar(0)
	runs := 0
	err := e.Atomically(context.Background(), func(tx *Txn) error {
		runs++
		v := Get(tx, tv)
		if runs == 1 {
			// Sneak in a commit between the read and the commit of this attempt.
			require.NoError(t, e.Atomically(context.Background(), func(tx *Txn) error {
				return increment(tx, tv)
			}))
		}
		Set(tx, tv, v+10)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, runs)
	v, ver := tv.Load()
	assert.Equal(t, 11, v)
	assert.Equal(t, uint64(2), ver)
}

func TestStaleErrorIsConflict(t *testing.T) {
	e := NewTestEngine()
	tv := NewTVar(0)
	runs := 0
	err := e.Atomically(context.Background(), func(tx *Txn) error {
		runs++
		v := Get(tx, tv)
		if runs == 1 {
			require.NoError(t, e.Atomically(context.Background(), func(tx *Txn) error {
				return increment(tx, tv)
			}))
			return errors.New("computed from a stale read")
		}
		Set(tx, tv, v*10)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, runs)
	v, _ := tv.Load()
	assert.Equal(t, 10, v)
}

func TestMaxAttempts(t *testing.T) {
	cfg := config.NewTestConfig()
	cfg.MaxAttempts = 1
	e := New(cfg)
	tv := NewTVar(0)
	err := e.Atomically(context.Background(), func(tx *Txn) error {
		v := Get(tx, tv)
		require.NoError(t, e.Atomically(context.Background(), func(tx *Txn) error {
			return increment(tx, tv)
		}))
		Set(tx, tv, v+10)
		return nil
	})
	assert.Equal(t, ErrTooManyAttempts, errors.Cause(err))
	v, _ := tv.Load()
	assert.Equal(t, 1, v)
}

func TestOrElseFallsThrough(t *testing.T) {
	e := NewTestEngine()
	v, err := Atomically(context.Background(), e, func(tx *Txn) (int, error) {
		return OrElse(tx,
			func(tx *Txn) (int, error) {
				tx.Retry()
				return 0, nil
			},
			func(tx *Txn) (int, error) {
				return 42, nil
			})
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestOrElseDropsFirstBranchWrites(t *testing.T) {
	e := NewTestEngine()
	a, b := NewTVar(0), NewTVar(0)
	v, err := Atomically(context.Background(), e, func(tx *Txn) (int, error) {
		Set(tx, b, 7)
		return OrElse(tx,
			func(tx *Txn) (int, error) {
				Set(tx, a, 1)
				Set(tx, b, 1)
				tx.Retry()
				return 0, nil
			},
			func(tx *Txn) (int, error) {
				return Get(tx, a) + Get(tx, b), nil
			})
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	va, vera := a.Load()
	vb, _ := b.Load()
	assert.Equal(t, 0, va)
	assert.Equal(t, uint64(0), vera)
	assert.Equal(t, 7, vb)
}

func TestOrElseFirstBranchWins(t *testing.T) {
	e := NewTestEngine()
	tv := NewTVar(3)
	second := 0
	v, err := Atomically(context.Background(), e, func(tx *Txn) (int, error) {
		return OrElse(tx,
			func(tx *Txn) (int, error) { return Get(tx, tv), nil },
			func(tx *Txn) (int, error) {
				second++
				return -1, nil
			})
	})
	require.NoError(t, err)
	assert.Equal(t, 3, v)
	assert.Equal(t, 0, second)
}

func TestOrElseWaitsOnBothBranches(t *testing.T) {
	for _, wakeFirst := range []bool{true, false} {
		e := NewTestEngine()
		a, b := NewTVar(0), NewTVar(0)

		done := make(chan string, 1)
		go func() {
			v, err := Atomically(context.Background(), e, func(tx *Txn) (string, error) {
				return OrElse(tx,
					func(tx *Txn) (string, error) {
						tx.Check(Get(tx, a) > 0)
						return "a", nil
					},
					func(tx *Txn) (string, error) {
						tx.Check(Get(tx, b) > 0)
						return "b", nil
					})
			})
			assert.NoError(t, err)
			done <- v
		}()
		require.Eventually(t, func() bool { return e.BlockedAttempts() == 1 }, waitFor, time.Millisecond)

		target, want := b, "b"
		if wakeFirst {
			target, want = a, "a"
		}
		require.NoError(t, e.Atomically(context.Background(), func(tx *Txn) error {
			return increment(tx, target)
		}))
		select {
		case v := <-done:
			assert.Equal(t, want, v)
		case <-time.After(waitFor):
			t.Fatalf("orElse transaction was not woken by a write to %s", want)
		}
	}
}

func TestOrElsePropagatesError(t *testing.T) {
	e := NewTestEngine()
	boom := errors.New("boom")
	second := false
	err := e.Atomically(context.Background(), func(tx *Txn) error {
		_, err := OrElse(tx,
			func(tx *Txn) (int, error) { return 0, boom },
			func(tx *Txn) (int, error) {
				second = true
				return 0, nil
			})
		return err
	})
	assert.Equal(t, boom, err)
	assert.False(t, second)
}

func TestTxnIDsAreFresh(t *testing.T) {
	e := NewTestEngine()
	tv := NewTVar(0)
	var ids []uint64
	runs := 0
	err := e.Atomically(context.Background(), func(tx *Txn) error {
		runs++
		ids = append(ids, tx.ID())
		v := Get(tx, tv)
		if runs == 1 {
			require.NoError(t, e.Atomically(context.Background(), func(tx *Txn) error {
				return increment(tx, tv)
			}))
		}
		Set(tx, tv, v+1)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1])
}

func TestReadOnlyValidationDoesNotBlock(t *testing.T) {
	e := NewTestEngine()
	tv := NewTVar(1)
	tx := &Txn{id: 1, log: newTxnLog()}
	tx.log.recordRead(tv)

	// A writer holding the commit lock does not stall the check.
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	assert.True(t, e.validate(tx))
	assert.True(t, e.commit(tx))

	// A check overlapping the install of a write set reports a conflict.
	e.applySeq.Inc()
	assert.False(t, e.validate(tx))
	e.applySeq.Inc()
	assert.True(t, e.validate(tx))

	assert.True(t, tv.tryCommit(0, 2))
	assert.False(t, e.validate(tx))
}
