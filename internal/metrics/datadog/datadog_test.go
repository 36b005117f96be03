package datadog

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ahnung/internal/metrics"
)

// fakeSubmitter records payloads instead of calling the Datadog API.
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(_ context.Context, body datadogV2.MetricPayload, _ ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last(t *testing.T) datadogV2.MetricPayload {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.payloads, "no payload submitted")
	return f.payloads[len(f.payloads)-1]
}

// quietBackend returns a backend whose ticker never fires within a test.
func quietBackend(t *testing.T, fs *fakeSubmitter) *Backend {
	t.Helper()
	b, err := NewBackend(context.Background(), Options{
		JobName:   "schema-nightly",
		submitter: fs,
		now:       func() time.Time { return time.Unix(1700000000, 0) },
		newTicker: func(time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func metricNames(p datadogV2.MetricPayload) []string {
	out := make([]string, 0, len(p.Series))
	for _, s := range p.Series {
		out = append(out, s.Metric)
	}
	return out
}

// TestResolveEnvTag verifies ENV beats DD_ENV and blanks fall back to unknown.
func TestResolveEnvTag(t *testing.T) {
	tests := []struct {
		name, env, dd, want string
	}{
		{name: "env_wins", env: "prod", dd: "stage", want: "env:prod"},
		{name: "dd_env_fallback", dd: "stage", want: "env:stage"},
		{name: "blank_ignored", env: "  ", dd: "\t", want: "env:unknown"},
		{name: "unset", want: "env:unknown"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("ENV", tc.env)
			t.Setenv("DD_ENV", tc.dd)
			assert.Equal(t, tc.want, resolveEnvTag())
		})
	}
}

// TestNewBackend_Defaults verifies the job tag, extra tags and flush interval.
func TestNewBackend_Defaults(t *testing.T) {
	t.Parallel()
	b, err := NewBackend(context.Background(), Options{
		Tags:      []string{"service:ahnung"},
		submitter: &fakeSubmitter{},
		newTicker: func(time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	})
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	assert.Contains(t, b.baseTags, "job:ahnung")
	assert.Contains(t, b.baseTags, "service:ahnung")
	assert.Equal(t, 60*time.Second, b.flushEvery)
}

// TestFlush_SubmitsPipelineMetrics verifies one flush carries every buffered
// metric family and starts a fresh window.
func TestFlush_SubmitsPipelineMetrics(t *testing.T) {
	t.Parallel()
	fs := &fakeSubmitter{}
	b := quietBackend(t, fs)

	scanOK := metrics.Labels{"step": "scan", "status": "ok"}
	b.IncCounter(metrics.StepTotal, 2, scanOK)
	b.IncCounter(metrics.RecordsTotal, 3, metrics.Labels{"kind": "accepted"})
	b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{"kind": "too_many_defaults"})
	b.IncCounter(metrics.AttributesTotal, 4, metrics.Labels{"status": "rejected"})
	b.IncCounter(metrics.DocumentsTotal, 10, nil)
	b.ObserveHistogram(metrics.StepDurationSeconds, 0.5, scanOK)

	require.NoError(t, b.Flush())
	require.Equal(t, 1, fs.count())
	assert.True(t, b.buf.empty())

	assert.Equal(t, []string{
		"ahnung.step.total",
		"ahnung.records.total",
		"ahnung.records.total",
		"ahnung.attributes.total",
		"ahnung.documents.total",
		"ahnung.step.duration_seconds.p50",
		"ahnung.step.duration_seconds.p90",
		"ahnung.step.duration_seconds.p95",
		"ahnung.step.duration_seconds.p99",
		"ahnung.step.duration_seconds.max",
		"ahnung.step.duration_seconds.samples",
	}, metricNames(fs.last(t)))

	series := fs.last(t).Series
	assert.Contains(t, series[1].Tags, "kind:accepted")
	assert.Contains(t, series[2].Tags, "kind:too_many_defaults")
	assert.Contains(t, series[0].Tags, "job:schema-nightly")
	assert.Equal(t, int64(1700000000), *series[0].Points[0].Timestamp)
}

// TestFlush_Empty verifies nothing is submitted without observations.
func TestFlush_Empty(t *testing.T) {
	t.Parallel()
	fs := &fakeSubmitter{}
	b := quietBackend(t, fs)

	require.NoError(t, b.Flush())
	assert.Zero(t, fs.count())
}

// TestFlush_SubmitErrorDropsWindow verifies delivery is at most once.
func TestFlush_SubmitErrorDropsWindow(t *testing.T) {
	t.Parallel()
	boom := errors.New("intake unavailable")
	fs := &fakeSubmitter{err: boom}
	b := quietBackend(t, fs)

	b.IncCounter(metrics.DocumentsTotal, 1, nil)
	assert.ErrorIs(t, b.Flush(), boom)

	fs.mu.Lock()
	fs.err = nil
	fs.mu.Unlock()
	require.NoError(t, b.Flush())
	assert.Equal(t, 1, fs.count())
}

// TestBackend_IgnoredObservations verifies which inputs never reach a payload.
func TestBackend_IgnoredObservations(t *testing.T) {
	t.Parallel()
	fs := &fakeSubmitter{}
	b := quietBackend(t, fs)

	b.IncCounter(metrics.DocumentsTotal, 0, nil)
	b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{})
	b.IncCounter("unknown_total", 1, metrics.Labels{"x": "y"})
	b.ObserveHistogram(metrics.StepDurationSeconds, -1, metrics.Labels{"step": "scan"})
	b.ObserveHistogram("other_seconds", 1, nil)
	b.IncCounter(metrics.AttributesTotal, 1, metrics.Labels{})
	b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"step": "cleanup"})

	require.NoError(t, b.Flush())
	p := fs.last(t)
	require.Equal(t, []string{"ahnung.step.total", "ahnung.attributes.total"}, metricNames(p))
	assert.Contains(t, p.Series[0].Tags, "status:unknown")
	assert.Contains(t, p.Series[1].Tags, "status:unknown")
}

// TestLoopAndClose verifies the ticker flushes and Close flushes once more.
func TestLoopAndClose(t *testing.T) {
	t.Parallel()
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), Options{
		FlushEvery: 5 * time.Millisecond,
		submitter:  fs,
	})
	require.NoError(t, err)

	b.IncCounter(metrics.DocumentsTotal, 1, nil)
	if !assert.Eventually(t, func() bool { return fs.count() >= 1 }, time.Second, 2*time.Millisecond) {
		_ = b.Close()
		return
	}

	b.IncCounter(metrics.DocumentsTotal, 1, nil)
	require.NoError(t, b.Close())
	assert.GreaterOrEqual(t, fs.count(), 2)
}

// TestBackend_ConcurrentAccess verifies buffering from many goroutines adds up.
func TestBackend_ConcurrentAccess(t *testing.T) {
	t.Parallel()
	fs := &fakeSubmitter{}
	b := quietBackend(t, fs)

	const workers, iters = 8, 500
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iters; j++ {
				b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{"kind": "accepted"})
				b.ObserveHistogram(metrics.StepDurationSeconds, 0.01, metrics.Labels{"step": "cleanup", "status": "ok"})
			}
		}()
	}
	wg.Wait()

	require.NoError(t, b.Flush())
	p := fs.last(t)
	require.Equal(t, "ahnung.records.total", p.Series[0].Metric)
	assert.Equal(t, float64(workers*iters), *p.Series[0].Points[0].Value)
	assert.Equal(t, "ahnung.step.duration_seconds.samples", p.Series[len(p.Series)-1].Metric)
	assert.Equal(t, float64(workers*iters), *p.Series[len(p.Series)-1].Points[0].Value)
}

// TestBuildSeries_Deterministic verifies map iteration order never leaks
// into payloads.
func TestBuildSeries_Deterministic(t *testing.T) {
	t.Parallel()
	b := &Backend{baseTags: []string{"env:test"}}
	w := newWindow()
	w.records = map[string]float64{"too_many_defaults": 1, "accepted": 5, "target_missing": 2}
	w.steps = map[stepKey]float64{{"schema", "ok"}: 1, {"cleanup", "error"}: 1, {"cleanup", "ok"}: 2}

	first := b.buildSeries(w, 10)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, b.buildSeries(w, 10))
	}
	assert.Equal(t, []string{"env:test", "step:cleanup", "status:error"}, first[0].Tags)
	assert.Equal(t, []string{"env:test", "kind:accepted"}, first[3].Tags)
}

// TestQuantileSeries verifies gauge values and that samples stay unsorted.
func TestQuantileSeries(t *testing.T) {
	t.Parallel()
	assert.Nil(t, quantileSeries("d", nil, nil, 0))

	in := []float64{5, 1, 3, 2, 4}
	got := quantileSeries("d", in, []string{"env:test"}, 99)
	assert.Equal(t, []float64{5, 1, 3, 2, 4}, in)

	want := map[string]float64{"d.p50": 3, "d.p90": 5, "d.p95": 5, "d.p99": 5, "d.max": 5, "d.samples": 5}
	require.Len(t, got, len(want))
	for _, s := range got {
		assert.Equal(t, want[s.Metric], *s.Points[0].Value, s.Metric)
		assert.Equal(t, datadogV2.METRICINTAKETYPE_GAUGE, *s.Type)
	}
}

// TestNearestRank covers the rank boundaries.
func TestNearestRank(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		s    []float64
		p    float64
		want float64
	}{
		{name: "empty", p: 0.5},
		{name: "single", s: []float64{7}, p: 0.95, want: 7},
		{name: "below_zero", s: []float64{1, 2, 3}, p: -1, want: 1},
		{name: "above_one", s: []float64{1, 2, 3}, p: 2, want: 3},
		{name: "median", s: []float64{1, 2, 3, 4, 5}, p: 0.5, want: 3},
		{name: "p90_small", s: []float64{1, 2, 3, 4, 5}, p: 0.9, want: 5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, nearestRank(tc.s, tc.p))
		})
	}
}

// TestWithTags verifies the result never aliases the base slice.
func TestWithTags(t *testing.T) {
	t.Parallel()
	base := []string{"env:test", "job:ahnung"}
	got := withTags(base, "kind:accepted")
	assert.Equal(t, []string{"env:test", "job:ahnung", "kind:accepted"}, got)

	got[0] = "env:mutated"
	assert.Equal(t, "env:test", base[0])
}

// TestParseTagsCSV verifies trimming and empty segments.
func TestParseTagsCSV(t *testing.T) {
	t.Parallel()
	assert.Nil(t, ParseTagsCSV(""))
	assert.Equal(t, []string{"service:ahnung"}, ParseTagsCSV("service:ahnung"))
	assert.Equal(t, []string{"env:prod", "service:ahnung", "team:data"},
		ParseTagsCSV(" env:prod , ,service:ahnung,  ,team:data "))
}

// TestWrapInitErr verifies the prefix and that the cause stays matchable.
func TestWrapInitErr(t *testing.T) {
	t.Parallel()
	assert.NoError(t, wrapInitErr(nil))

	cause := errors.New("boom")
	err := wrapInitErr(cause)
	assert.ErrorIs(t, err, cause)
	assert.ErrorContains(t, err, "datadog metrics init:")
}
