// Package metrics is the process-wide metrics facade.
//
// Core packages record through the helpers in this file and never import a
// vendor SDK. A concrete Backend (see metrics/datadog) is installed once at
// startup with SetBackend; until then every call goes to a no-op backend.
package metrics

import (
	"sync"
	"time"
)

// Metric names shared by the helpers and the backends.
const (
	StepTotal           = "ahnung_step_total"
	StepDurationSeconds = "ahnung_step_duration_seconds"
	RecordsTotal        = "ahnung_records_total"
	AttributesTotal     = "ahnung_attributes_total"
	DocumentsTotal      = "ahnung_documents_total"
)

// Labels are metric dimensions, e.g. {"step": "scan", "status": "ok"}.
type Labels map[string]string

// Backend receives metric observations.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. A nil b restores the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush flushes the installed backend.
func Flush() error { return current().Flush() }

// IncCounter forwards to the installed backend.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram forwards to the installed backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// RecordStep counts one execution of a pipeline step and its duration.
// status is "ok" or "error".
func RecordStep(step, status string, d time.Duration) {
	l := Labels{"step": step, "status": status}
	IncCounter(StepTotal, 1, l)
	ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordRecords counts normalized records by outcome kind, e.g. "accepted"
// or a rejection reason.
func RecordRecords(kind string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(RecordsTotal, float64(n), Labels{"kind": kind})
}

// RecordAttributes counts validated attributes by status ("accepted" or "rejected").
func RecordAttributes(status string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(AttributesTotal, float64(n), Labels{"status": status})
}

// RecordDocuments counts scanned corpus documents.
func RecordDocuments(n int) {
	if n <= 0 {
		return
	}
	IncCounter(DocumentsTotal, float64(n), nil)
}

// StatusOf maps an error to the "status" label value.
func StatusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
