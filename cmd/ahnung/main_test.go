package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ahnung/internal/config"
	"ahnung/internal/metrics/datadog"
	"ahnung/internal/schema"
	"ahnung/internal/stage"
)

// fakeRunner records stage calls and returns canned results.
type fakeRunner struct {
	schemaErr  error
	cleanupErr error
	snaps      []*schema.Snapshot
	sums       []stage.Summary

	schemaCalls  atomic.Int64
	cleanupCalls atomic.Int64
	closed       atomic.Int64
}

func (r *fakeRunner) Schema(context.Context) ([]*schema.Snapshot, error) {
	r.schemaCalls.Add(1)
	return r.snaps, r.schemaErr
}

func (r *fakeRunner) Cleanup(context.Context) ([]stage.Summary, error) {
	r.cleanupCalls.Add(1)
	return r.sums, r.cleanupErr
}

func (r *fakeRunner) Close() { r.closed.Add(1) }

// fakeMetricsBackend counts Close calls.
type fakeMetricsBackend struct {
	closeErr error
	closed   atomic.Int64
}

func (b *fakeMetricsBackend) Close() error {
	b.closed.Add(1)
	return b.closeErr
}

func validPipeline() config.Pipeline {
	p := config.Pipeline{
		Job:        "job1",
		Estimators: []config.Estimator{{Name: "churn", Target: "label", IsClassification: true}},
		Source:     config.Source{Kind: "file", File: &config.FileSource{Path: "corpus.json"}},
		Storage:    config.Storage{Kind: "sqlite", DSN: "file:ahnung.db"},
	}
	config.ApplyDefaults(&p)
	return p
}

func testSnapshot(t *testing.T) *schema.Snapshot {
	t.Helper()
	snap, err := schema.NewSnapshot(schema.Parts{
		Version:    "v1",
		Estimator:  "churn",
		Target:     "label",
		CreatedAt:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Docs:       4,
		Attributes: []string{"age"},
		Types:      map[string]schema.Type{"age": schema.TypeInt, "label": schema.TypeString},
		Senses:     map[string]schema.Sense{"age": schema.SenseNumerical, "label": schema.SenseCategorical},
		Defaults:   map[string]any{"age": int64(3), "label": "no"},
		Encoders:   map[string][]string{"label": {"no", "yes"}},
		Rejected:   map[string]schema.Rejection{"zip": {Present: 1, Unique: 1, Reason: "too few values"}},
	})
	require.NoError(t, err)
	return snap
}

// TestRunMain_UsageErrors verifies usage failures exit 2 before any side effect.
func TestRunMain_UsageErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		args      []string
		wantInErr string
	}{
		{name: "missing_config", args: nil, wantInErr: "usage: ahnung -config"},
		{name: "blank_config", args: []string{"-config", "  "}, wantInErr: "usage: ahnung -config"},
		{name: "unknown_stage", args: []string{"-config", "p.json", "-stage", "train"}, wantInErr: `unknown -stage "train"`},
		{name: "unknown_flag", args: []string{"-nope"}, wantInErr: "flag provided but not defined"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var stdout, stderr bytes.Buffer
			code := runMain(context.Background(), tc.args, &stdout, &stderr, appDeps{
				readFile: func(string) ([]byte, error) {
					t.Fatalf("readFile must not be called on usage errors")
					return nil, nil
				},
				parse: func([]byte, bool) (config.Pipeline, error) {
					t.Fatalf("parse must not be called on usage errors")
					return config.Pipeline{}, nil
				},
				initMetrics: func(context.Context, string, string) (func(), error) {
					t.Fatalf("initMetrics must not be called on usage errors")
					return func() {}, nil
				},
				newRunner: func(context.Context, config.Pipeline, *zap.Logger) (runner, error) {
					t.Fatalf("newRunner must not be called on usage errors")
					return nil, nil
				},
			})
			assert.Equal(t, 2, code)
			assert.Contains(t, stderr.String(), tc.wantInErr)
			assert.Empty(t, stdout.String())
		})
	}
}

// TestRunMain_Flow verifies error precedence (read, parse, validate, metrics,
// runner) and that cleanups run exactly once when their setup succeeded.
func TestRunMain_Flow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		stage          string
		readErr        error
		parseErr       error
		invalid        bool
		metricsErr     error
		newRunnerErr   error
		schemaErr      error
		wantCode       int
		wantInErr      string
		wantSchema     int64
		wantCleanup    int64
		wantMetricsEnd int64
		wantClosed     int64
	}{
		{name: "read_error", readErr: errors.New("no such file"), wantCode: 1, wantInErr: "read config:"},
		{name: "parse_error", parseErr: errors.New("bad yaml"), wantCode: 1, wantInErr: "parse config:"},
		{name: "invalid_config", invalid: true, wantCode: 1, wantInErr: "configuration is invalid"},
		{name: "metrics_error", metricsErr: errors.New("no api key"), wantCode: 1, wantInErr: "init metrics:"},
		{name: "runner_error", newRunnerErr: errors.New("db down"), wantCode: 1, wantInErr: "run: db down", wantMetricsEnd: 1},
		{
			name: "schema_error_skips_cleanup", schemaErr: errors.New("scan failed"),
			wantCode: 1, wantInErr: "run: scan failed", wantSchema: 1, wantMetricsEnd: 1, wantClosed: 1,
		},
		{name: "all", wantSchema: 1, wantCleanup: 1, wantMetricsEnd: 1, wantClosed: 1},
		{name: "schema_only", stage: "schema", wantSchema: 1, wantMetricsEnd: 1, wantClosed: 1},
		{name: "cleanup_only", stage: "cleanup", wantCleanup: 1, wantMetricsEnd: 1, wantClosed: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fr := &fakeRunner{
				schemaErr: tc.schemaErr,
				snaps:     []*schema.Snapshot{testSnapshot(t)},
				sums:      []stage.Summary{{Estimator: "churn", Scanned: 4, Accepted: 3}},
			}
			var metricsEnd atomic.Int64

			deps := appDeps{
				readFile: func(path string) ([]byte, error) {
					assert.Equal(t, "cfg.yaml", path)
					return []byte("job: job1\n"), tc.readErr
				},
				parse: func(_ []byte, isYAML bool) (config.Pipeline, error) {
					assert.True(t, isYAML)
					p := validPipeline()
					if tc.invalid {
						p.Estimators = nil
					}
					return p, tc.parseErr
				},
				initMetrics: func(_ context.Context, jobName, backendName string) (func(), error) {
					assert.Equal(t, "job1", jobName)
					assert.Equal(t, "none", backendName)
					if tc.metricsErr != nil {
						return func() {}, tc.metricsErr
					}
					return func() { metricsEnd.Add(1) }, nil
				},
				newRunner: func(context.Context, config.Pipeline, *zap.Logger) (runner, error) {
					if tc.newRunnerErr != nil {
						return nil, tc.newRunnerErr
					}
					return fr, nil
				},
			}

			args := []string{"-config", "cfg.yaml", "-metrics-backend", "none"}
			if tc.stage != "" {
				args = append(args, "-stage", tc.stage)
			}
			var stdout, stderr bytes.Buffer
			code := runMain(context.Background(), args, &stdout, &stderr, deps)

			assert.Equal(t, tc.wantCode, code, stderr.String())
			if tc.wantInErr != "" {
				assert.Contains(t, stderr.String(), tc.wantInErr)
			}
			assert.Equal(t, tc.wantSchema, fr.schemaCalls.Load())
			assert.Equal(t, tc.wantCleanup, fr.cleanupCalls.Load())
			assert.Equal(t, tc.wantMetricsEnd, metricsEnd.Load())
			assert.Equal(t, tc.wantClosed, fr.closed.Load())

			if tc.wantSchema == 1 && tc.wantCode == 0 {
				assert.Contains(t, stdout.String(), "snapshot churn version v1: 1 features, 1 rejected\n")
			}
			if tc.wantCleanup == 1 {
				assert.Contains(t, stdout.String(), `"estimator": "churn"`)
				assert.Contains(t, stdout.String(), `"accepted": 3`)
			}
		})
	}
}

// TestRunMain_ValidateOnly verifies -validate stops after validation.
func TestRunMain_ValidateOnly(t *testing.T) {
	t.Parallel()
	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"-config", "p.json", "-validate"}, &stdout, &stderr, appDeps{
		readFile: func(string) ([]byte, error) { return []byte("{}"), nil },
		parse: func(_ []byte, isYAML bool) (config.Pipeline, error) {
			assert.False(t, isYAML)
			return validPipeline(), nil
		},
		initMetrics: func(context.Context, string, string) (func(), error) {
			t.Fatalf("initMetrics must not be called with -validate")
			return func() {}, nil
		},
	})
	assert.Equal(t, 0, code)
	assert.Equal(t, "configuration is valid: p.json\n", stdout.String())
}

// TestRunMain_EndToEnd runs both stages against a JSON corpus and sqlite.
func TestRunMain_EndToEnd(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	corpusPath := filepath.Join(dir, "docs.json")
	require.NoError(t, os.WriteFile(corpusPath, []byte(`[
		{"a": 1, "b": "x", "t": "yes"},
		{"a": 2, "b": "y", "t": "no"},
		{"b": "x", "t": "yes"}
	]`), 0o644))

	cfgPath := filepath.Join(dir, "pipeline.json")
	cfg := fmt.Sprintf(`{
		"job": "e2e",
		"estimators": [{"name": "example", "target": "t", "is_classification": true}],
		"schema": {"attr_type_min_present": 0.5, "attr_type_min_typealign": 0.5, "max_categorical_values": 5},
		"source": {"kind": "file", "file": {"path": %q}},
		"storage": {"kind": "sqlite", "dsn": %q},
		"cleanup": {"kind": "csv", "dir": %q}
	}`, corpusPath, filepath.Join(dir, "ahnung.db"), filepath.Join(dir, "out"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"-config", cfgPath, "-metrics-backend", "none"}, &stdout, &stderr, defaultDeps())
	require.Equal(t, 0, code, stderr.String())

	out := stdout.String()
	assert.Regexp(t, `snapshot example version \S+: 2 features, 0 rejected`, out)
	assert.Contains(t, out, `"accepted": 3`)

	b, err := os.ReadFile(filepath.Join(dir, "out", "ds_example.csv"))
	require.NoError(t, err)
	assert.Equal(t, "a,b,t\n1,x,yes\n2,y,no\n1.5,x,yes\n", string(b))
}

// The initMetrics tests swap package-level seams and do not run in parallel.

// TestInitMetrics_None verifies the disabled backends leave global state alone.
func TestInitMetrics_None(t *testing.T) {
	oldSet := setMetricsBackend
	t.Cleanup(func() { setMetricsBackend = oldSet })
	setMetricsBackend = func(any) { t.Fatalf("setMetricsBackend must not be called for none") }

	for _, name := range []string{"", "none", "noop"} {
		cleanup, err := initMetrics(context.Background(), "job", name)
		require.NoError(t, err)
		require.NotNil(t, cleanup)
		cleanup()
	}
}

// TestInitMetrics_Datadog verifies the backend is built, installed and closed once.
func TestInitMetrics_Datadog(t *testing.T) {
	oldNew, oldSet, oldLog := newDatadogBackend, setMetricsBackend, logPrintf
	t.Cleanup(func() { newDatadogBackend, setMetricsBackend, logPrintf = oldNew, oldSet, oldLog })

	b := &fakeMetricsBackend{}
	var gotOpts datadog.Options
	var sets atomic.Int64
	newDatadogBackend = func(_ context.Context, opts datadog.Options) (metricsBackend, error) {
		gotOpts = opts
		return b, nil
	}
	setMetricsBackend = func(any) { sets.Add(1) }
	var logged bytes.Buffer
	logPrintf = func(format string, v ...any) { fmt.Fprintf(&logged, format, v...) }

	cleanup, err := initMetrics(context.Background(), "", "datadog")
	require.NoError(t, err)
	assert.Equal(t, "ahnung", gotOpts.JobName)
	assert.Equal(t, time.Minute, gotOpts.FlushEvery)
	assert.Equal(t, int64(1), sets.Load())

	cleanup()
	assert.Equal(t, int64(1), b.closed.Load())
	assert.Empty(t, logged.String())
}

// TestInitMetrics_DatadogCloseErrorIsLogged verifies close failures are logged, not returned.
func TestInitMetrics_DatadogCloseErrorIsLogged(t *testing.T) {
	oldNew, oldSet, oldLog := newDatadogBackend, setMetricsBackend, logPrintf
	t.Cleanup(func() { newDatadogBackend, setMetricsBackend, logPrintf = oldNew, oldSet, oldLog })

	b := &fakeMetricsBackend{closeErr: errors.New("flush failed")}
	newDatadogBackend = func(context.Context, datadog.Options) (metricsBackend, error) { return b, nil }
	setMetricsBackend = func(any) {}
	var logged bytes.Buffer
	logPrintf = func(format string, v ...any) { fmt.Fprintf(&logged, format, v...) }

	cleanup, err := initMetrics(context.Background(), "job", "dd")
	require.NoError(t, err)
	cleanup()
	assert.Contains(t, logged.String(), "metrics: datadog close error: flush failed")
}

// TestInitMetrics_UnknownBackend verifies unknown names fail with a usable cleanup.
func TestInitMetrics_UnknownBackend(t *testing.T) {
	t.Parallel()
	cleanup, err := initMetrics(context.Background(), "job", "pushgateway")
	require.Error(t, err)
	require.NotNil(t, cleanup)
	cleanup()
	assert.Contains(t, err.Error(), `unknown metrics backend "pushgateway" (want none|datadog)`)
}
