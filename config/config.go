package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap-incubator/tinystm/util/typeutil"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
)

type Config struct {
	LogLevel string     `toml:"log-level"`
	Log      log.Config `toml:"log"`

	// Number of consecutive conflicts an atomically call tolerates before it starts
	// backing off between attempts. 0 disables backoff.
	ConflictBackoffThreshold int               `toml:"conflict-backoff-threshold"`
	ConflictBackoffBase      typeutil.Duration `toml:"conflict-backoff-base"`
	ConflictBackoffMax       typeutil.Duration `toml:"conflict-backoff-max"`

	// How long a retrying attempt stays parked before it re-runs on its own. 0 means
	// it waits until woken or cancelled.
	RetryWaitTimeout typeutil.Duration `toml:"retry-wait-timeout"`

	// Upper bound of attempts per atomically call, 0 means unlimited.
	MaxAttempts int `toml:"max-attempts"`

	Bench Bench `toml:"bench"`
}

// Bench configures the stm-bench workloads.
type Bench struct {
	Workload   string  `toml:"workload"`    // "queue" or "transfer".
	Producers  int     `toml:"producers"`   // Goroutines writing to the queues.
	Consumers  int     `toml:"consumers"`   // Goroutines popping from the queues (queue workload only).
	Queues     int     `toml:"queues"`      // Number of queues shared by producers and consumers.
	Accounts   int     `toml:"accounts"`    // Number of TVars moved between (transfer workload only).
	Operations int     `toml:"operations"`  // Operations issued by each producer.
	Rate       float64 `toml:"rate"`        // Operations per second per producer, 0 means unlimited.
	StatusAddr string  `toml:"status-addr"` // Address of the HTTP status server, empty disables it.
	ReportFile string  `toml:"report-file"` // Rotated file the run report is appended to.
}

const (
	WorkloadQueue    = "queue"
	WorkloadTransfer = "transfer"
)

func (c *Config) Validate() error {
	if c.ConflictBackoffThreshold < 0 {
		return errors.Errorf("conflict-backoff-threshold must not be negative")
	}
	if c.ConflictBackoffThreshold > 0 {
		if c.ConflictBackoffBase.Duration <= 0 {
			return errors.Errorf("conflict-backoff-base must be greater than 0 when backoff is enabled")
		}
		if c.ConflictBackoffMax.Duration < c.ConflictBackoffBase.Duration {
			return errors.Errorf("conflict-backoff-max must not be less than conflict-backoff-base")
		}
	}
	if c.RetryWaitTimeout.Duration < 0 {
		return errors.Errorf("retry-wait-timeout must not be negative")
	}
	if c.MaxAttempts < 0 {
		return errors.Errorf("max-attempts must not be negative")
	}
	return c.Bench.validate()
}

func (b *Bench) validate() error {
	switch b.Workload {
	case WorkloadQueue:
		if b.Consumers <= 0 || b.Queues <= 0 {
			return errors.Errorf("queue workload needs at least one consumer and one queue")
		}
	case WorkloadTransfer:
		if b.Accounts < 2 {
			return errors.Errorf("transfer workload needs at least two accounts")
		}
	default:
		return errors.Errorf("unknown workload %q", b.Workload)
	}
	if b.Producers <= 0 {
		return errors.Errorf("producers must be greater than 0")
	}
	if b.Operations <= 0 {
		return errors.Errorf("operations must be greater than 0")
	}
	if b.Rate < 0 {
		return errors.Errorf("rate must not be negative")
	}
	return nil
}

// LoadFile reads a TOML file on top of the default configuration.
func LoadFile(path string) (*Config, error) {
	c := NewDefaultConfig()
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, errors.Trace(err)
	}
	// The top level log-level applies unless [log] sets its own.
	if !meta.IsDefined("log", "level") {
		c.Log.Level = c.LogLevel
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	c := &Config{
		LogLevel:                 getLogLevel(),
		ConflictBackoffThreshold: 4,
		ConflictBackoffBase:      typeutil.NewDuration(50 * time.Microsecond),
		ConflictBackoffMax:       typeutil.NewDuration(10 * time.Millisecond),
		Bench: Bench{
			Workload:   WorkloadQueue,
			Producers:  4,
			Consumers:  4,
			Queues:     1,
			Accounts:   16,
			Operations: 10000,
			StatusAddr: "127.0.0.1:9393",
		},
	}
	c.Log.Level = c.LogLevel
	return c
}

func NewTestConfig() *Config {
	c := &Config{
		LogLevel:                 getLogLevel(),
		ConflictBackoffThreshold: 2,
		ConflictBackoffBase:      typeutil.NewDuration(10 * time.Microsecond),
		ConflictBackoffMax:       typeutil.NewDuration(time.Millisecond),
		Bench: Bench{
			Workload:   WorkloadQueue,
			Producers:  2,
			Consumers:  2,
			Queues:     1,
			Accounts:   4,
			Operations: 100,
		},
	}
	c.Log.Level = c.LogLevel
	return c
}
