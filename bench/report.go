package bench

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/docker/go-units"
	"github.com/montanaflynn/stats"
	"github.com/pingcap-incubator/tinystm/util/typeutil"
	"github.com/pingcap/errors"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Report summarises a finished workload. Latencies are in microseconds.
type Report struct {
	Workload   string            `json:"workload"`
	Operations int               `json:"operations"`
	Elapsed    typeutil.Duration `json:"elapsed"`
	OPS        float64           `json:"ops"`
	CommitTS   uint64            `json:"commit_ts"`

	MeanLatency   float64 `json:"mean_latency_us"`
	MedianLatency float64 `json:"median_latency_us"`
	P99Latency    float64 `json:"p99_latency_us"`
	MaxLatency    float64 `json:"max_latency_us"`
}

func (rec *recorder) report(workload string, elapsed time.Duration) *Report {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	r := &Report{
		Workload:   workload,
		Operations: len(rec.latencies),
		Elapsed:    typeutil.NewDuration(elapsed),
	}
	if elapsed > 0 {
		r.OPS = float64(r.Operations) / elapsed.Seconds()
	}
	if len(rec.latencies) == 0 {
		return r
	}
	// The stats functions only fail on empty input.
	r.MeanLatency, _ = stats.Mean(rec.latencies)
	r.MedianLatency, _ = stats.Median(rec.latencies)
	r.P99Latency, _ = stats.Percentile(rec.latencies, 99)
	r.MaxLatency, _ = stats.Max(rec.latencies)
	return r
}

func (r *Report) String() string {
	return fmt.Sprintf("%s - Takes %s, OPS: %.1f, Count: %d, Avg(us): %.0f, Median(us): %.0f, 99th(us): %.0f, Max(us): %.0f",
		r.Workload, units.HumanDuration(r.Elapsed.Duration), r.OPS, r.Operations,
		r.MeanLatency, r.MedianLatency, r.P99Latency, r.MaxLatency)
}

// WriteTo writes the report as one JSON line.
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return 0, errors.Trace(err)
	}
	n, err := w.Write(append(data, '\n'))
	return int64(n), errors.Trace(err)
}

// NewReportWriter opens a size rotated file that reports are appended to.
func NewReportWriter(filename string) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    16, // megabytes
		MaxBackups: 4,
	}
}
