// Package obs defines the injected metrics-sink capability. Components never
// touch process-global metric state; they receive a Sink and emit through it.
package obs

// Metric names emitted by the archival and retention engine.
const (
	MetricArchiveRuns     = "audit_archive_runs_total"
	MetricArchiveBytes    = "audit_archive_artifact_bytes_total"
	MetricRetryAttempts   = "audit_retry_attempts_total"
	MetricRetryExhausted  = "audit_retry_exhausted_total"
	MetricRetentionPurged = "audit_retention_purged_total"
)

// Sink receives counter increments and value observations. Implementations
// must tolerate metric names they do not know about.
type Sink interface {
	Increment(name string, labels map[string]string)
	Observe(name string, value float64, labels map[string]string)
}

// Nop discards all metrics. Default for constructors when no sink is wired.
type Nop struct{}

func (Nop) Increment(string, map[string]string)        {}
func (Nop) Observe(string, float64, map[string]string) {}

// Recorder is an in-memory Sink for tests.
type Recorder struct {
	Increments []Event
	Observes   []Event
}

// Event is one recorded sink call.
type Event struct {
	Name   string
	Value  float64
	Labels map[string]string
}

func (r *Recorder) Increment(name string, labels map[string]string) {
	r.Increments = append(r.Increments, Event{Name: name, Value: 1, Labels: labels})
}

func (r *Recorder) Observe(name string, value float64, labels map[string]string) {
	r.Observes = append(r.Observes, Event{Name: name, Value: value, Labels: labels})
}

// CountIncrements returns how many increments were recorded for name.
func (r *Recorder) CountIncrements(name string) int {
	n := 0
	for _, e := range r.Increments {
		if e.Name == name {
			n++
		}
	}
	return n
}
