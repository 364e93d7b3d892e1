package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pingcap-incubator/tinystm/config"
	"github.com/pingcap-incubator/tinystm/stm"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	logLevel   string

	globalContext context.Context
	globalCancel  context.CancelFunc

	globalConfig *config.Config
	globalEngine *stm.Engine
)

// initialGlobal loads the config, sets up logging and creates the engine shared by
// every subcommand.
func initialGlobal(onConfig func(*config.Config)) error {
	cfg := config.NewDefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadFile(configPath); err != nil {
			return errors.Wrapf(err, "load config %s", configPath)
		}
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
		cfg.Log.Level = logLevel
	}
	if onConfig != nil {
		onConfig(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return errors.WithStack(err)
	}

	logger, props, err := log.InitLogger(&cfg.Log)
	if err != nil {
		return errors.Wrap(err, "init logger")
	}
	log.ReplaceGlobals(logger, props)

	globalConfig = cfg
	globalEngine = stm.New(cfg)
	log.Debug("engine created",
		zap.Int("conflict-backoff-threshold", cfg.ConflictBackoffThreshold),
		zap.Duration("retry-wait-timeout", cfg.RetryWaitTimeout.Duration),
		zap.Int("max-attempts", cfg.MaxAttempts))
	return nil
}

func main() {
	globalContext, globalCancel = context.WithCancel(context.Background())

	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	closeDone := make(chan struct{}, 1)
	go func() {
		sig := <-sc
		fmt.Printf("\nGot signal [%v] to exit.\n", sig)
		globalCancel()

		select {
		case <-sc:
			// send signal again, return directly
			fmt.Printf("\nGot signal [%v] again to exit.\n", sig)
			os.Exit(1)
		case <-time.After(10 * time.Second):
			fmt.Print("\nWait 10s for closed, force exit\n")
			os.Exit(1)
		case <-closeDone:
			return
		}
	}()

	rootCmd := &cobra.Command{
		Use:           "stm-bench",
		Short:         "Benchmark and play with software transactional memory",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "C", "", "Path of the TOML config file")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "L", "", "Override the log level")

	rootCmd.AddCommand(
		newRunCommand(),
		newShellCommand(),
		newVersionCommand(),
	)

	cobra.EnablePrefixMatching = true

	code := 0
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		code = 1
	}

	globalCancel()
	log.Sync()
	closeDone <- struct{}{}
	os.Exit(code)
}
