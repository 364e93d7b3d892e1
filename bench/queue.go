package bench

import (
	"context"

	"github.com/pingcap-incubator/tinystm/config"
	"github.com/pingcap-incubator/tinystm/stm"
	"github.com/pingcap-incubator/tinystm/stm/tqueue"
	"github.com/pingcap/errors"
	"golang.org/x/sync/errgroup"
)

// queueWorkload has producers write sequence numbers to a set of queues and
// consumers pop from whichever queue has an element.
type queueWorkload struct {
	cfg    *config.Bench
	queues []*tqueue.TQueue[int64]

	// Per producer, the last sequence number seen by each consumer.
	popped [][]int64
}

func newQueueWorkload(cfg *config.Bench) *queueWorkload {
	w := &queueWorkload{
		cfg:    cfg,
		queues: make([]*tqueue.TQueue[int64], cfg.Queues),
		popped: make([][]int64, cfg.Consumers),
	}
	for i := range w.queues {
		w.queues[i] = tqueue.New[int64]()
	}
	return w
}

// encode packs a producer id and its sequence number into one element.
func (w *queueWorkload) encode(producer, seq int) int64 {
	return int64(producer)*int64(w.cfg.Operations) + int64(seq)
}

func (w *queueWorkload) decode(v int64) (producer, seq int) {
	return int(v / int64(w.cfg.Operations)), int(v % int64(w.cfg.Operations))
}

func (w *queueWorkload) start(ctx context.Context, g *errgroup.Group, r *Runner, rec *recorder) {
	for p := 0; p < w.cfg.Producers; p++ {
		p := p
		g.Go(func() error {
			limiter := r.newLimiter()
			lat := make([]float64, 0, w.cfg.Operations)
			defer func() { rec.add(lat) }()
			q := w.queues[p%len(w.queues)]
			for i := 0; i < w.cfg.Operations; i++ {
				v := w.encode(p, i)
				if err := r.op(ctx, limiter, &lat, func(tx *stm.Txn) error {
					q.Write(tx, v)
					return nil
				}); err != nil {
					return err
				}
			}
			return nil
		})
	}

	quotas := split(int(r.total()), w.cfg.Consumers)
	for c := 0; c < w.cfg.Consumers; c++ {
		c := c
		g.Go(func() error {
			last := make([]int64, w.cfg.Producers)
			for i := range last {
				last[i] = -1
			}
			lat := make([]float64, 0, quotas[c])
			defer func() { rec.add(lat) }()
			for i := 0; i < quotas[c]; i++ {
				var v int64
				if err := r.op(ctx, nil, &lat, func(tx *stm.Txn) error {
					v = w.popAny(tx)
					return nil
				}); err != nil {
					return err
				}
				p, seq := w.decode(v)
				if int64(seq) <= last[p] {
					return errors.Errorf("consumer %d popped %d after %d from producer %d", c, seq, last[p], p)
				}
				last[p] = int64(seq)
			}
			w.popped[c] = last
			return nil
		})
	}
}

// popAny pops from the first non empty queue and retries while all are empty.
func (w *queueWorkload) popAny(tx *stm.Txn) int64 {
	return w.popFrom(tx, 0)
}

func (w *queueWorkload) popFrom(tx *stm.Txn, i int) int64 {
	if i == len(w.queues)-1 {
		return w.queues[i].Pop(tx)
	}
	v, _ := stm.OrElse(tx,
		func(tx *stm.Txn) (int64, error) { return w.queues[i].Pop(tx), nil },
		func(tx *stm.Txn) (int64, error) { return w.popFrom(tx, i+1), nil })
	return v
}

func (w *queueWorkload) verify(ctx context.Context, e *stm.Engine) error {
	left, err := stm.Atomically(ctx, e, func(tx *stm.Txn) (int, error) {
		n := 0
		for _, q := range w.queues {
			n += len(q.Flush(tx))
		}
		return n, nil
	})
	if err != nil {
		return err
	}
	if left != 0 {
		return errors.Errorf("%d elements left in the queues", left)
	}
	// Every producer's last element was popped by some consumer.
	for p := 0; p < w.cfg.Producers; p++ {
		seen := false
		for _, last := range w.popped {
			if last[p] == int64(w.cfg.Operations-1) {
				seen = true
				break
			}
		}
		if !seen {
			return errors.Errorf("last element of producer %d was never popped", p)
		}
	}
	return nil
}
