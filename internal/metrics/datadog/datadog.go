// Package datadog implements a Datadog backend for the internal/metrics package.
//
// Schema builds over large corpora can run for a long time, and a cleanup pass
// over the same corpus even longer. Submitting only at exit would show up as a
// single spike, so the backend:
//   - buffers observations in memory under a mutex
//   - flushes on a ticker (default: once per minute)
//   - flushes one final time on Close
//
// Concurrency model:
//   - any goroutine may call IncCounter/ObserveHistogram
//   - Flush swaps out the buffered window under the mutex and submits
//     outside of it
//   - Close stops the loop before the final Flush
package datadog

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"ahnung/internal/metrics"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric.
	// If empty, defaults to "ahnung".
	JobName string

	// Tags are extra Datadog tags (e.g. []string{"env:prod", "service:ahnung"}).
	Tags []string

	// FlushEvery controls how often buffered metrics are submitted.
	// If <= 0, defaults to 60 seconds.
	FlushEvery time.Duration

	// Unexported test seams; production leaves them nil.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the part of *datadogV2.MetricsApi the backend uses.
// Tests replace it with a fake to avoid real HTTP.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu  sync.Mutex
	buf window
}

// window holds the observations of one flush interval.
type window struct {
	steps      map[stepKey]float64
	records    map[string]float64 // kind -> count
	attributes map[string]float64 // status -> count
	documents  float64
	durations  map[stepKey][]float64
}

func newWindow() window {
	return window{
		steps:      make(map[stepKey]float64),
		records:    make(map[string]float64),
		attributes: make(map[string]float64),
		durations:  make(map[stepKey][]float64),
	}
}

func (w window) empty() bool {
	return len(w.steps) == 0 && len(w.records) == 0 && len(w.attributes) == 0 &&
		w.documents == 0 && len(w.durations) == 0
}

// stepKey identifies one pipeline step outcome, e.g. {"scan", "ok"}.
type stepKey struct{ step, status string }

func stepOf(l metrics.Labels) stepKey {
	k := stepKey{step: l["step"], status: l["status"]}
	if k.status == "" {
		k.status = "unknown"
	}
	return k
}

func (k stepKey) tags(base []string) []string {
	return withTags(base, "step:"+k.step, "status:"+k.status)
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the background flush loop and performs one final Flush.
//
// Close must be called once; a second call panics on the closed stop channel.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// NewBackend constructs a Datadog backend using the official client and starts
// its flush loop.
//
// Edge cases:
//   - If opts.FlushEvery <= 0, defaults to 60s.
//   - If opts.JobName is empty, defaults to "ahnung".
//   - Environment tag selection uses ENV then DD_ENV, otherwise env:unknown.
//
// Errors:
//   - Client construction does not fail under normal conditions; network
//     errors surface from Flush.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "ahnung"
	}

	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	submitter := opts.submitter
	if submitter == nil {
		client := dd.NewAPIClient(dd.NewConfiguration())
		if client == nil {
			return nil, wrapInitErr(fmt.Errorf("nil api client"))
		}
		submitter = datadogV2.NewMetricsApi(client)
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),

		baseTags: baseTags,

		now:       nowFn,
		newTicker: newTicker,

		buf: newWindow(),
	}

	go b.loop()
	return b, nil
}

// IncCounter implements metrics.Backend. Unknown names and non-positive
// deltas are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.StepTotal:
		b.buf.steps[stepOf(labels)] += delta

	case metrics.RecordsTotal:
		if kind := labels["kind"]; kind != "" {
			b.buf.records[kind] += delta
		}

	case metrics.AttributesTotal:
		status := labels["status"]
		if status == "" {
			status = "unknown"
		}
		b.buf.attributes[status] += delta

	case metrics.DocumentsTotal:
		b.buf.documents += delta
	}
}

// ObserveHistogram implements metrics.Backend. Only step durations are kept.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 || name != metrics.StepDurationSeconds {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	k := stepOf(labels)
	b.buf.durations[k] = append(b.buf.durations[k], value)
}

// swap detaches the current window and starts a new one.
func (b *Backend) swap() window {
	b.mu.Lock()
	defer b.mu.Unlock()
	w := b.buf
	b.buf = newWindow()
	return w
}

// Flush submits buffered metrics to Datadog and resets local buffers.
//
// Buffers are reset even if submission fails; delivery is at most once.
// Returns nil without submitting when nothing was buffered.
func (b *Backend) Flush() error {
	w := b.swap()
	if w.empty() {
		return nil
	}

	payload := datadogV2.MetricPayload{Series: b.buildSeries(w, b.now().Unix())}
	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries converts a window into Datadog series at a fixed timestamp,
// in sorted key order.
func (b *Backend) buildSeries(w window, ts int64) []datadogV2.MetricSeries {
	var out []datadogV2.MetricSeries
	count := func(metric string, v float64, tags []string) {
		out = append(out, point(datadogV2.METRICINTAKETYPE_COUNT, metric, v, tags, ts))
	}

	for _, k := range sortedSteps(w.steps) {
		if v := w.steps[k]; v != 0 {
			count("ahnung.step.total", v, k.tags(b.baseTags))
		}
	}
	for _, kind := range sortedKeys(w.records) {
		count("ahnung.records.total", w.records[kind], withTags(b.baseTags, "kind:"+kind))
	}
	for _, status := range sortedKeys(w.attributes) {
		count("ahnung.attributes.total", w.attributes[status], withTags(b.baseTags, "status:"+status))
	}
	if w.documents != 0 {
		count("ahnung.documents.total", w.documents, b.baseTags)
	}
	for _, k := range sortedSteps(w.durations) {
		out = append(out, quantileSeries("ahnung.step.duration_seconds", w.durations[k], k.tags(b.baseTags), ts)...)
	}
	return out
}

var quantiles = []struct {
	suffix string
	p      float64
}{
	{".p50", 0.50},
	{".p90", 0.90},
	{".p95", 0.95},
	{".p99", 0.99},
}

// quantileSeries returns p50/p90/p95/p99/max/samples gauges for samples,
// sorting a copy. It returns nil for an empty set.
func quantileSeries(prefix string, samples []float64, tags []string, ts int64) []datadogV2.MetricSeries {
	if len(samples) == 0 {
		return nil
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	gauge := datadogV2.METRICINTAKETYPE_GAUGE
	out := make([]datadogV2.MetricSeries, 0, len(quantiles)+2)
	for _, q := range quantiles {
		out = append(out, point(gauge, prefix+q.suffix, nearestRank(cp, q.p), tags, ts))
	}
	return append(out,
		point(gauge, prefix+".max", cp[len(cp)-1], tags, ts),
		point(gauge, prefix+".samples", float64(len(cp)), tags, ts),
	)
}

func point(typ datadogV2.MetricIntakeType, metric string, value float64, tags []string, ts int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   typ.Ptr(),
		Points: []datadogV2.MetricPoint{{Timestamp: dd.PtrInt64(ts), Value: dd.PtrFloat64(value)}},
		Tags:   tags,
	}
}

// sortedKeys returns the keys of m with a non-zero value, sorted.
func sortedKeys(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		if v != 0 {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func sortedSteps[V any](m map[stepKey]V) []stepKey {
	out := make([]stepKey, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].step != out[j].step {
			return out[i].step < out[j].step
		}
		return out[i].status < out[j].status
	})
	return out
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	return append(out, extras...)
}

// nearestRank picks the element at rank round(p*(n-1)) of the sorted slice s.
func nearestRank(s []float64, p float64) float64 {
	n := len(s)
	switch {
	case n == 0:
		return 0
	case p <= 0:
		return s[0]
	case p >= 1:
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	return s[min(max(idx, 0), n-1)]
}

var _ metrics.Backend = (*Backend)(nil)

// ParseTagsCSV parses comma-separated tags like "env:prod,service:ahnung".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func wrapInitErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("datadog metrics init: %w", err)
}
