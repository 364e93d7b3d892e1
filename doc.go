package tinystm

/*
TinySTM is a software transactional memory for Go. Shared state lives in TVars; goroutines read and write them inside
transactions that commit all of their writes at once or not at all, and that can block until the state they looked at
changes.

Building TinySTM produces one executable: stm-bench. It runs concurrent workloads against the engine, serves their
progress and metrics over HTTP, and has an interactive shell over named transactional queues.

The `tinystm` module is organized into the following packages:

* `stm`: TVars, the per attempt transaction log and the engine that runs `Atomically`, `Retry` and `OrElse`.
* `stm/tqueue`: a FIFO queue made of two TVars that composes with any other transaction.
* `util/retrywaiter`: parks retrying transactions until a commit touches what they read.
* `config`: TOML configuration of the engine and the benchmark.
* `bench` and `cmd/stm-bench`: the benchmark tool.
*/
