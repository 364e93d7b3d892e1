package stm

// Txn is the handle a transaction function uses to access TVars. It is only valid
// inside the function it was passed to.
type Txn struct {
	id  uint64
	log *txnLog
}

// retrySignal unwinds an attempt that called Retry.
type retrySignal struct{}

// ID returns the attempt id. Every attempt of an atomically call gets a new one.
func (tx *Txn) ID() uint64 {
	return tx.id
}

// Retry abandons the attempt. Atomically parks the calling goroutine until one of the
// TVars read so far is changed by another commit, then runs the function again.
// Retry does not return.
func (tx *Txn) Retry() {
	panic(retrySignal{})
}

// Check retries unless ok holds.
func (tx *Txn) Check(ok bool) {
	if !ok {
		tx.Retry()
	}
}

// Get reads tv inside tx.
func Get[T any](tx *Txn, tv *TVar[T]) T {
	v, _ := tx.log.recordRead(tv).(T)
	return v
}

// Set writes v to tv inside tx. The write becomes visible to other goroutines only if
// the attempt commits.
func Set[T any](tx *Txn, tv *TVar[T], v T) {
	tx.log.recordWrite(tv, v)
}

// Modify replaces the value of tv with f applied to it.
func Modify[T any](tx *Txn, tv *TVar[T], f func(T) T) {
	Set(tx, tv, f(Get(tx, tv)))
}

// Swap writes v to tv and returns the previous value.
func Swap[T any](tx *Txn, tv *TVar[T], v T) T {
	old := Get(tx, tv)
	Set(tx, tv, v)
	return old
}

// OrElse runs first; if it retries, its writes are dropped and second runs instead.
// If second retries too, the whole attempt retries and waits on everything both
// branches have read.
func OrElse[T any](tx *Txn, first, second func(*Txn) (T, error)) (T, error) {
	cp := tx.log.checkpoint()
	v, retried, err := runBranch(tx, first)
	if !retried {
		return v, err
	}
	tx.log.rollback(cp)
	return second(tx)
}

func runBranch[T any](tx *Txn, fn func(*Txn) (T, error)) (v T, retried bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(retrySignal); !ok {
				panic(r)
			}
			retried = true
		}
	}()
	v, err = fn(tx)
	return
}

type attemptOutcome int

const (
	attemptDone attemptOutcome = iota
	attemptRetry
	attemptFailed
	attemptPanicked
)

type attemptResult struct {
	outcome  attemptOutcome
	err      error
	panicVal interface{}
}

func (tx *Txn) run(fn func(*Txn) error) (res attemptResult) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(retrySignal); ok {
				res = attemptResult{outcome: attemptRetry}
				return
			}
			res = attemptResult{outcome: attemptPanicked, panicVal: r}
		}
	}()
	if err := fn(tx); err != nil {
		return attemptResult{outcome: attemptFailed, err: err}
	}
	return attemptResult{outcome: attemptDone}
}
