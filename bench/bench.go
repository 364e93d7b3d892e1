// Package bench drives concurrent workloads against an stm engine and reports their
// latency and throughput.
package bench

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinystm/config"
	"github.com/pingcap-incubator/tinystm/stm"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Runner runs the workload selected by the bench config.
type Runner struct {
	cfg    *config.Bench
	engine *stm.Engine

	done      *atomic.Int64
	running   *atomic.Bool
	startTime time.Time
}

func NewRunner(cfg *config.Bench, engine *stm.Engine) *Runner {
	return &Runner{
		cfg:     cfg,
		engine:  engine,
		done:    atomic.NewInt64(0),
		running: atomic.NewBool(false),
	}
}

// Progress is a snapshot of a running workload.
type Progress struct {
	Workload        string `json:"workload"`
	Running         bool   `json:"running"`
	Done            int64  `json:"done"`
	Total           int64  `json:"total"`
	CommitTS        uint64 `json:"commit_ts"`
	BlockedAttempts int    `json:"blocked_attempts"`
}

func (r *Runner) Progress() Progress {
	return Progress{
		Workload:        r.cfg.Workload,
		Running:         r.running.Load(),
		Done:            r.done.Load(),
		Total:           r.total(),
		CommitTS:        r.engine.CommitTS(),
		BlockedAttempts: r.engine.BlockedAttempts(),
	}
}

func (r *Runner) total() int64 {
	return int64(r.cfg.Producers) * int64(r.cfg.Operations)
}

// Run runs the configured workload to completion and verifies its invariant.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	var w workload
	switch r.cfg.Workload {
	case config.WorkloadQueue:
		w = newQueueWorkload(r.cfg)
	case config.WorkloadTransfer:
		w = newTransferWorkload(r.cfg)
	default:
		return nil, errors.Errorf("unknown workload %q", r.cfg.Workload)
	}

	r.done.Store(0)
	r.running.Store(true)
	defer r.running.Store(false)
	r.startTime = time.Now()
	log.Info("workload started",
		zap.String("workload", r.cfg.Workload),
		zap.Int("producers", r.cfg.Producers),
		zap.Int("operations", r.cfg.Operations))

	rec := newRecorder()
	g, gctx := errgroup.WithContext(ctx)
	w.start(gctx, g, r, rec)
	if err := g.Wait(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := w.verify(ctx, r.engine); err != nil {
		return nil, err
	}

	report := rec.report(r.cfg.Workload, time.Since(r.startTime))
	report.CommitTS = r.engine.CommitTS()
	log.Info("workload finished",
		zap.String("workload", r.cfg.Workload),
		zap.Int("operations", report.Operations),
		zap.Duration("elapsed", report.Elapsed.Duration))
	return report, nil
}

// op runs one timed transaction of a workload worker.
func (r *Runner) op(ctx context.Context, limiter *rate.Limiter, lat *[]float64, fn func(*stm.Txn) error) error {
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return errors.Trace(err)
		}
	}
	start := time.Now()
	if err := r.engine.Atomically(ctx, fn); err != nil {
		return err
	}
	*lat = append(*lat, float64(time.Since(start).Microseconds()))
	r.done.Inc()
	return nil
}

func (r *Runner) newLimiter() *rate.Limiter {
	if r.cfg.Rate <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(r.cfg.Rate), 1)
}

type workload interface {
	// start adds the workers of the workload to g.
	start(ctx context.Context, g *errgroup.Group, r *Runner, rec *recorder)
	// verify checks the workload invariant once every worker returned.
	verify(ctx context.Context, e *stm.Engine) error
}

// recorder collects the latencies of every worker, in microseconds.
type recorder struct {
	mu        sync.Mutex
	latencies []float64
}

func newRecorder() *recorder {
	return &recorder{}
}

func (rec *recorder) add(lat []float64) {
	rec.mu.Lock()
	rec.latencies = append(rec.latencies, lat...)
	rec.mu.Unlock()
}

// split divides n into parts as even as possible.
func split(n, parts int) []int {
	out := make([]int, parts)
	for i := range out {
		out[i] = n / parts
		if i < n%parts {
			out[i]++
		}
	}
	return out
}
