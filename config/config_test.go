package config

import (
	"io/ioutil"
	"os"
	"path"
	"testing"
	"time"

	. "github.com/pingcap/check"
)

func Test(t *testing.T) {
	TestingT(t)
}

var _ = Suite(&testConfigSuite{})

type testConfigSuite struct{}

func (s *testConfigSuite) TestDefaultsAreValid(c *C) {
	c.Assert(NewDefaultConfig().Validate(), IsNil)
	c.Assert(NewTestConfig().Validate(), IsNil)
}

func (s *testConfigSuite) TestValidate(c *C) {
	cfg := NewDefaultConfig()
	cfg.ConflictBackoffMax.Duration = cfg.ConflictBackoffBase.Duration / 2
	c.Assert(cfg.Validate(), NotNil)

	cfg = NewDefaultConfig()
	cfg.ConflictBackoffThreshold = 0
	cfg.ConflictBackoffBase.Duration = 0
	c.Assert(cfg.Validate(), IsNil)

	cfg = NewDefaultConfig()
	cfg.MaxAttempts = -1
	c.Assert(cfg.Validate(), NotNil)

	cfg = NewDefaultConfig()
	cfg.Bench.Workload = "lottery"
	c.Assert(cfg.Validate(), NotNil)

	cfg = NewDefaultConfig()
	cfg.Bench.Workload = WorkloadTransfer
	cfg.Bench.Accounts = 1
	c.Assert(cfg.Validate(), NotNil)
}

func (s *testConfigSuite) TestLoadFile(c *C) {
	dir, err := ioutil.TempDir("", "tinystm-config")
	c.Assert(err, IsNil)
	defer os.RemoveAll(dir)

	content := `
log-level = "debug"
retry-wait-timeout = "250ms"
max-attempts = 100

[bench]
workload = "transfer"
accounts = 8
producers = 3
`
	file := path.Join(dir, "stm.toml")
	c.Assert(ioutil.WriteFile(file, []byte(content), 0644), IsNil)

	cfg, err := LoadFile(file)
	c.Assert(err, IsNil)
	c.Assert(cfg.LogLevel, Equals, "debug")
	c.Assert(cfg.RetryWaitTimeout.Duration, Equals, 250*time.Millisecond)
	c.Assert(cfg.MaxAttempts, Equals, 100)
	c.Assert(cfg.Bench.Workload, Equals, WorkloadTransfer)
	c.Assert(cfg.Bench.Accounts, Equals, 8)
	c.Assert(cfg.Bench.Producers, Equals, 3)
	// Untouched keys keep their defaults.
	c.Assert(cfg.ConflictBackoffThreshold, Equals, 4)
	c.Assert(cfg.Bench.Operations, Equals, 10000)

	c.Assert(ioutil.WriteFile(file, []byte(`max-attempts = -3`), 0644), IsNil)
	_, err = LoadFile(file)
	c.Assert(err, NotNil)
}

func (s *testConfigSuite) TestLogLevelFollowsTopLevel(c *C) {
	dir, err := ioutil.TempDir("", "tinystm-config")
	c.Assert(err, IsNil)
	defer os.RemoveAll(dir)

	file := path.Join(dir, "stm.toml")
	c.Assert(ioutil.WriteFile(file, []byte(`log-level = "warn"`), 0644), IsNil)
	cfg, err := LoadFile(file)
	c.Assert(err, IsNil)
	c.Assert(cfg.Log.Level, Equals, "warn")

	c.Assert(ioutil.WriteFile(file, []byte("log-level = \"warn\"\n[log]\nlevel = \"error\"\n"), 0644), IsNil)
	cfg, err = LoadFile(file)
	c.Assert(err, IsNil)
	c.Assert(cfg.Log.Level, Equals, "error")
}
