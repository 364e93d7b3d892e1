// Package stm implements software transactional memory.
//
// A TVar is a versioned memory cell. Transactions are plain Go functions run by
// Atomically against a private log: reads record the version they observed, writes
// are buffered. When the function returns, the log is validated against the live
// versions and, if nothing it read has changed, all buffered writes are installed
// together. Otherwise the function is simply run again, which is why a transaction
// function must not have side effects other than through TVars.
//
// A transaction may call Retry to give up until one of the TVars it has read is
// changed by another commit; the calling goroutine is parked in the meantime. OrElse
// composes two transaction functions so that the second one runs when the first one
// retries.
//
// Commits are linearizable per Engine: an engine validates and installs the writes of
// its committers under a single mutex. Readers never take it, and a read-only
// transaction is never blocked by a commit. A TVar must only ever be used with one
// Engine.
package stm
