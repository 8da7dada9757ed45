package runtime

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jonwraymond/toolmount/exec"
)

// Metrics records runner activity. A nil *Metrics records nothing.
type Metrics struct {
	runs     *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
	captured *prometheus.CounterVec
}

// NewMetrics creates runner metrics and registers them with reg.
// A nil reg leaves the collectors unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolmount",
			Subsystem: "exec",
			Name:      "runs_total",
			Help:      "Completed exec runs by backend and exit kind.",
		}, []string{"backend", "exit_kind"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolmount",
			Subsystem: "exec",
			Name:      "failures_total",
			Help:      "Exec runs that returned an error, by backend and stage.",
		}, []string{"backend", "stage"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "toolmount",
			Subsystem: "exec",
			Name:      "duration_seconds",
			Help:      "Wall time from spawn to completion.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"backend"}),
		captured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolmount",
			Subsystem: "exec",
			Name:      "output_bytes_total",
			Help:      "Bytes produced on stdout and stderr, stored or not.",
		}, []string{"backend", "stream"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.runs, m.failures, m.duration, m.captured} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) observeRun(backend BackendKind, out exec.Outcome) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(backend), string(out.Exit.Kind())).Inc()
	m.duration.WithLabelValues(string(backend)).Observe(out.Duration.Seconds())
	m.captured.WithLabelValues(string(backend), "stdout").Add(float64(streamTotal(out.Output.Stdout, out.Output.StdoutTotal)))
	m.captured.WithLabelValues(string(backend), "stderr").Add(float64(streamTotal(out.Output.Stderr, out.Output.StderrTotal)))
}

func (m *Metrics) observeFailure(backend BackendKind, stage string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(string(backend), stage).Inc()
}

func streamTotal(stored []byte, total int64) int64 {
	return max(total, int64(len(stored)))
}
