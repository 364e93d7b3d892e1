package stm

import (
	"fmt"

	"github.com/pingcap/errors"
)

var (
	// ErrEmptyRetry is returned when a transaction retries without having read any
	// TVar. Nothing could ever wake it up, so it is reported instead of blocking.
	ErrEmptyRetry = errors.New("stm: retry without reading any tvar")
	// ErrCancelled is the cause of the error returned when the context of an
	// atomically call is done before the transaction commits.
	ErrCancelled = errors.New("stm: transaction cancelled")
	// ErrTooManyAttempts is returned when max-attempts is configured and exhausted.
	ErrTooManyAttempts = errors.New("stm: too many attempts")
)

// IsCancelled reports whether err was caused by a cancelled context.
func IsCancelled(err error) bool {
	return errors.Cause(err) == ErrCancelled
}

type errTVarShared uint64

func (e errTVarShared) Error() string {
	return fmt.Sprintf("stm: tvar %d was committed outside of the engine commit lock", uint64(e))
}
