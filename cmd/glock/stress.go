package main

import (
	"fmt"
	"io"
	"math/rand"
	"sort"
	"time"

	"github.com/brown-csci1270/glock/pkg/concurrency"
	"github.com/brown-csci1270/glock/pkg/config"
	"github.com/brown-csci1270/glock/pkg/lock"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

type stressConfig struct {
	workers        int
	iterations     int
	resources      int64
	locksPerTx     int
	exclusiveRatio float64
	ordered        bool
	seed           int64
}

type stressResult struct {
	transactions atomic.Int64
	locks        atomic.Int64
	deadlocks    atomic.Int64
	timeouts     atomic.Int64
}

// runStress has every worker run transactions that lock random nodes and
// then commit. Transactions refused with a deadlock or a timeout are counted
// and retried as new ones.
func runStress(lm *concurrency.Manager, tracer lock.LockTracer, sc stressConfig) (*stressResult, error) {
	if sc.workers <= 0 || sc.iterations <= 0 || sc.resources <= 0 || sc.locksPerTx <= 0 {
		return nil, errors.New("workers, iterations, resources and locks per transaction must be positive")
	}
	res := &stressResult{}
	var nextTxID atomic.Int64
	var g errgroup.Group
	for w := 0; w < sc.workers; w++ {
		rng := rand.New(rand.NewSource(sc.seed + int64(w)))
		g.Go(func() error {
			c, err := lm.NewClient()
			if err != nil {
				return err
			}
			defer c.Close()
			for i := 0; i < sc.iterations; i++ {
				c.Initialize(nil, nextTxID.Inc(), nil, lm.Config())
				if err := stressTransaction(c, tracer, rng, sc, res); err != nil {
					return err
				}
				c.Reset()
				res.transactions.Inc()
			}
			return nil
		})
	}
	return res, g.Wait()
}

func stressTransaction(c *concurrency.Client, tracer lock.LockTracer, rng *rand.Rand, sc stressConfig, res *stressResult) error {
	ids := make([]int64, sc.locksPerTx)
	for i := range ids {
		ids[i] = rng.Int63n(sc.resources)
	}
	if sc.ordered {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	for _, id := range ids {
		var err error
		if rng.Float64() < sc.exclusiveRatio {
			err = c.AcquireExclusive(tracer, lock.Node, id)
		} else {
			err = c.AcquireShared(tracer, lock.Node, id)
		}
		switch {
		case err == nil:
			res.locks.Inc()
		case errors.Is(err, concurrency.ErrDeadlockDetected):
			res.deadlocks.Inc()
			return nil
		case errors.Is(err, concurrency.ErrAcquisitionTimeout):
			res.timeouts.Inc()
			return nil
		default:
			return err
		}
	}
	return c.PrepareForCommit()
}

func printStress(w io.Writer, res *stressResult, peak int64, elapsed time.Duration) {
	txs := res.transactions.Load()
	rate := func(n int64) float64 {
		if txs == 0 {
			return 0
		}
		return 100 * float64(n) / float64(txs)
	}
	fmt.Fprintf(w, "transactions: %s in %s\n", humanize.Comma(txs), elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "locks granted: %s\n", humanize.Comma(res.locks.Load()))
	fmt.Fprintf(w, "deadlocks: %s (%.3f%%)\n", humanize.Comma(res.deadlocks.Load()), rate(res.deadlocks.Load()))
	fmt.Fprintf(w, "timeouts: %s (%.3f%%)\n", humanize.Comma(res.timeouts.Load()), rate(res.timeouts.Load()))
	fmt.Fprintf(w, "peak lock memory: %s\n", humanize.IBytes(uint64(peak)))
}

func makeStressCommand(cfg *config.Config) *cobra.Command {
	sc := stressConfig{}
	command := &cobra.Command{
		Use:   "stress",
		Short: "Run concurrent transactions on random nodes and report deadlock and timeout rates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newService(*cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			level.Info(s.logger).Log("msg", "starting stress run", "workers", sc.workers, "iterations", sc.iterations, "resources", sc.resources)
			start := time.Now()
			res, err := runStress(s.lm, s.tracer, sc)
			if err != nil {
				return err
			}
			printStress(cmd.OutOrStdout(), res, s.lm.Memory().Peak(), time.Since(start))
			return nil
		},
	}
	command.Flags().IntVar(&sc.workers, "workers", 8, "Number of concurrent transactions.")
	command.Flags().IntVar(&sc.iterations, "iterations", 1000, "Transactions run by each worker.")
	command.Flags().Int64Var(&sc.resources, "resources", 64, "Number of distinct nodes to lock.")
	command.Flags().IntVar(&sc.locksPerTx, "locks", 4, "Locks taken by each transaction.")
	command.Flags().Float64Var(&sc.exclusiveRatio, "exclusive-ratio", 0.5, "Fraction of locks taken exclusively.")
	command.Flags().BoolVar(&sc.ordered, "ordered", false, "Lock nodes in ascending id order.")
	command.Flags().Int64Var(&sc.seed, "seed", time.Now().UnixNano(), "Random seed.")
	return command
}
