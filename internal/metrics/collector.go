// Package metrics exposes queue, circuit and run state to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fyrsmithlabs/conductor/internal/breaker"
	"github.com/fyrsmithlabs/conductor/internal/orchestrator"
	"github.com/fyrsmithlabs/conductor/internal/queue"
)

const namespace = "conductor"

// QueueSource reports task counts.
type QueueSource interface {
	Status() queue.Status
}

// CircuitSource reports circuit snapshots.
type CircuitSource interface {
	GetHealthStatus() map[string]breaker.Stats
}

// RunSource reports retained plan runs.
type RunSource interface {
	Runs() []orchestrator.RunReport
}

var (
	queueStates   = []queue.TaskState{queue.StatePending, queue.StateRunning, queue.StateCompleted, queue.StateFailed}
	circuitStates = []breaker.State{breaker.StateClosed, breaker.StateOpen, breaker.StateHalfOpen}
	runStatuses   = []orchestrator.RunStatus{
		orchestrator.RunRunning, orchestrator.RunCompleted, orchestrator.RunFailed, orchestrator.RunCancelled,
	}
)

// Collector reads state at scrape time, so nothing has to be updated by
// the engine itself. Any source may be nil.
type Collector struct {
	queue    QueueSource
	circuits CircuitSource
	runs     RunSource

	queueTasks      *prometheus.Desc
	queuePaused     *prometheus.Desc
	circuitState    *prometheus.Desc
	circuitFailures *prometheus.Desc
	circuitRequests *prometheus.Desc
	runsRetained    *prometheus.Desc
}

// NewCollector creates a collector over the given sources.
func NewCollector(q QueueSource, circuits CircuitSource, runs RunSource) *Collector {
	return &Collector{
		queue:    q,
		circuits: circuits,
		runs:     runs,
		queueTasks: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "tasks"),
			"Tasks in the queue by state.",
			[]string{"state"}, nil,
		),
		queuePaused: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "paused"),
			"Whether dispatch is paused (1=paused).",
			nil, nil,
		),
		circuitState: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "circuit", "state"),
			"Circuit state per resource; the current state is 1, the others 0.",
			[]string{"resource", "state"}, nil,
		),
		circuitFailures: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "circuit", "failure_count"),
			"Current consecutive failure count per resource.",
			[]string{"resource"}, nil,
		),
		circuitRequests: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "circuit", "requests_total"),
			"Guarded requests per resource by outcome (success, failure, rejected).",
			[]string{"resource", "outcome"}, nil,
		),
		runsRetained: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "runs", "retained"),
			"Retained plan runs by status.",
			[]string{"status"}, nil,
		),
	}
}

// Register adds c to reg.
func Register(reg prometheus.Registerer, c *Collector) error {
	return reg.Register(c)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueTasks
	ch <- c.queuePaused
	ch <- c.circuitState
	ch <- c.circuitFailures
	ch <- c.circuitRequests
	ch <- c.runsRetained
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.queue != nil {
		c.collectQueue(ch)
	}
	if c.circuits != nil {
		c.collectCircuits(ch)
	}
	if c.runs != nil {
		c.collectRuns(ch)
	}
}

func (c *Collector) collectQueue(ch chan<- prometheus.Metric) {
	s := c.queue.Status()
	counts := map[queue.TaskState]int{
		queue.StatePending:   s.Pending,
		queue.StateRunning:   s.Running,
		queue.StateCompleted: s.Completed,
		queue.StateFailed:    s.Failed,
	}
	for _, state := range queueStates {
		ch <- prometheus.MustNewConstMetric(c.queueTasks, prometheus.GaugeValue, float64(counts[state]), string(state))
	}
	ch <- prometheus.MustNewConstMetric(c.queuePaused, prometheus.GaugeValue, boolValue(s.Paused))
}

func (c *Collector) collectCircuits(ch chan<- prometheus.Metric) {
	for id, st := range c.circuits.GetHealthStatus() {
		for _, state := range circuitStates {
			ch <- prometheus.MustNewConstMetric(c.circuitState, prometheus.GaugeValue,
				boolValue(st.State == state), id, string(state))
		}
		ch <- prometheus.MustNewConstMetric(c.circuitFailures, prometheus.GaugeValue, float64(st.FailureCount), id)
		ch <- prometheus.MustNewConstMetric(c.circuitRequests, prometheus.CounterValue, float64(st.TotalSuccesses), id, "success")
		ch <- prometheus.MustNewConstMetric(c.circuitRequests, prometheus.CounterValue, float64(st.TotalFailures), id, "failure")
		ch <- prometheus.MustNewConstMetric(c.circuitRequests, prometheus.CounterValue, float64(st.TotalRejected), id, "rejected")
	}
}

func (c *Collector) collectRuns(ch chan<- prometheus.Metric) {
	counts := make(map[orchestrator.RunStatus]int, len(runStatuses))
	for _, r := range c.runs.Runs() {
		counts[r.Status]++
	}
	for _, status := range runStatuses {
		ch <- prometheus.MustNewConstMetric(c.runsRetained, prometheus.GaugeValue, float64(counts[status]), string(status))
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
