package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pingcap-incubator/tinystm/bench"
	"github.com/pingcap-incubator/tinystm/config"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

type runFlags struct {
	workload   string
	producers  int
	consumers  int
	queues     int
	accounts   int
	operations int
	rate       float64
	statusAddr string
	reportFile string
}

var benchFlags runFlags

func newRunCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "run",
		Short: "Run a workload and print its report",
		Args:  cobra.NoArgs,
		RunE:  runRunCommandFunc,
	}
	addBenchFlags(m.Flags(), &benchFlags)
	return m
}

func addBenchFlags(fs *pflag.FlagSet, f *runFlags) {
	fs.StringVarP(&f.workload, "workload", "w", "", "Workload to run, \""+config.WorkloadQueue+"\" or \""+config.WorkloadTransfer+"\"")
	fs.IntVarP(&f.producers, "producers", "p", 0, "Number of producing goroutines")
	fs.IntVarP(&f.consumers, "consumers", "c", 0, "Number of consuming goroutines")
	fs.IntVar(&f.queues, "queues", 0, "Number of queues")
	fs.IntVar(&f.accounts, "accounts", 0, "Number of accounts")
	fs.IntVarP(&f.operations, "operations", "n", 0, "Operations per producer")
	fs.Float64Var(&f.rate, "rate", 0, "Operations per second per producer")
	fs.StringVar(&f.statusAddr, "status-addr", "", "Address of the status server")
	fs.StringVar(&f.reportFile, "report", "", "File the report is appended to")
}

// apply overrides the bench config with the flags that were set.
func (f *runFlags) apply(fs *pflag.FlagSet, b *config.Bench) {
	if fs.Changed("workload") {
		b.Workload = f.workload
	}
	if fs.Changed("producers") {
		b.Producers = f.producers
	}
	if fs.Changed("consumers") {
		b.Consumers = f.consumers
	}
	if fs.Changed("queues") {
		b.Queues = f.queues
	}
	if fs.Changed("accounts") {
		b.Accounts = f.accounts
	}
	if fs.Changed("operations") {
		b.Operations = f.operations
	}
	if fs.Changed("rate") {
		b.Rate = f.rate
	}
	if fs.Changed("status-addr") {
		b.StatusAddr = f.statusAddr
	}
	if fs.Changed("report") {
		b.ReportFile = f.reportFile
	}
}

func runRunCommandFunc(cmd *cobra.Command, args []string) error {
	if err := initialGlobal(func(cfg *config.Config) {
		benchFlags.apply(cmd.Flags(), &cfg.Bench)
	}); err != nil {
		return err
	}

	runner := bench.NewRunner(&globalConfig.Bench, globalEngine)
	if globalConfig.Bench.StatusAddr != "" {
		status := bench.NewStatusServer(globalConfig, runner)
		status.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := status.Close(ctx); err != nil {
				log.Warn("close status server failed", zap.Error(err))
			}
		}()
	}

	report, err := runner.Run(globalContext)
	if err != nil {
		return errors.Wrapf(err, "run %s workload", globalConfig.Bench.Workload)
	}
	fmt.Println(report)

	if globalConfig.Bench.ReportFile != "" {
		w := bench.NewReportWriter(globalConfig.Bench.ReportFile)
		defer w.Close()
		if _, err := report.WriteTo(w); err != nil {
			return errors.Wrap(err, "write report")
		}
	}
	return nil
}
