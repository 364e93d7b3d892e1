package bench

import (
	"context"
	"math/rand"

	"github.com/pingcap-incubator/tinystm/config"
	"github.com/pingcap-incubator/tinystm/stm"
	"github.com/pingcap/errors"
	"golang.org/x/sync/errgroup"
)

const initialBalance = 1000

// transferWorkload moves random amounts between accounts. The sum of all balances
// never changes.
type transferWorkload struct {
	cfg      *config.Bench
	accounts []*stm.TVar[int64]
}

func newTransferWorkload(cfg *config.Bench) *transferWorkload {
	w := &transferWorkload{
		cfg:      cfg,
		accounts: make([]*stm.TVar[int64], cfg.Accounts),
	}
	for i := range w.accounts {
		w.accounts[i] = stm.NewTVar[int64](initialBalance)
	}
	return w
}

func (w *transferWorkload) start(ctx context.Context, g *errgroup.Group, r *Runner, rec *recorder) {
	for p := 0; p < w.cfg.Producers; p++ {
		seed := int64(p)
		g.Go(func() error {
			rnd := rand.New(rand.NewSource(seed))
			limiter := r.newLimiter()
			lat := make([]float64, 0, w.cfg.Operations)
			defer func() { rec.add(lat) }()
			for i := 0; i < w.cfg.Operations; i++ {
				from := rnd.Intn(len(w.accounts))
				to := (from + 1 + rnd.Intn(len(w.accounts)-1)) % len(w.accounts)
				amount := int64(rnd.Intn(initialBalance/10) + 1)
				if err := r.op(ctx, limiter, &lat, func(tx *stm.Txn) error {
					transfer(tx, w.accounts[from], w.accounts[to], amount)
					return nil
				}); err != nil {
					return err
				}
			}
			return nil
		})
	}
}

// transfer moves amount between two accounts if the source can cover it.
func transfer(tx *stm.Txn, from, to *stm.TVar[int64], amount int64) bool {
	if stm.Get(tx, from) < amount {
		return false
	}
	stm.Modify(tx, from, func(v int64) int64 { return v - amount })
	stm.Modify(tx, to, func(v int64) int64 { return v + amount })
	return true
}

func (w *transferWorkload) sum(tx *stm.Txn) int64 {
	var total int64
	for _, a := range w.accounts {
		total += stm.Get(tx, a)
	}
	return total
}

func (w *transferWorkload) verify(ctx context.Context, e *stm.Engine) error {
	total, err := stm.Atomically(ctx, e, func(tx *stm.Txn) (int64, error) {
		return w.sum(tx), nil
	})
	if err != nil {
		return err
	}
	if want := int64(initialBalance * len(w.accounts)); total != want {
		return errors.Errorf("total balance is %d, want %d", total, want)
	}
	return nil
}
