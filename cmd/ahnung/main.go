// Command ahnung runs the batch stages of a pipeline.
//
// The schema stage scans every estimator's corpus, decides which attributes
// are usable and stores a snapshot. The cleanup stage normalizes each corpus
// against its stored snapshot and writes the accepted records to the dataset
// sink (a SQL table or a CSV file).
//
// Usage:
//
//	ahnung -config pipeline.yaml [-stage schema|cleanup|all] [-validate] [-v]
//
// Exit codes: 0 on success, 1 on runtime or configuration errors, 2 on usage
// errors.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"ahnung/internal/config"
	"ahnung/internal/metrics"
	"ahnung/internal/metrics/datadog"
	"ahnung/internal/schema"
	"ahnung/internal/stage"
	"ahnung/internal/storage"

	// every backend is compiled in; storage.kind picks one at runtime.
	_ "ahnung/internal/storage/all"
)

// runner executes the stages of one pipeline.
type runner interface {
	Schema(ctx context.Context) ([]*schema.Snapshot, error)
	Cleanup(ctx context.Context) ([]stage.Summary, error)
	Close()
}

// appDeps are the side effects of runMain, replaced in tests.
type appDeps struct {
	readFile    func(path string) ([]byte, error)
	parse       func(data []byte, isYAML bool) (config.Pipeline, error)
	initMetrics func(ctx context.Context, jobName, backendName string) (func(), error)
	newRunner   func(ctx context.Context, p config.Pipeline, log *zap.Logger) (runner, error)
}

func defaultDeps() appDeps {
	return appDeps{
		readFile:    os.ReadFile,
		parse:       config.Parse,
		initMetrics: initMetrics,
		newRunner:   newPipelineRunner,
	}
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultDeps()))
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	fs := flag.NewFlagSet("ahnung", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		cfgPath    = fs.String("config", "", "pipeline config path (.json, .yaml or .yml)")
		stageName  = fs.String("stage", "all", "stage to run: schema|cleanup|all")
		backendFlg = fs.String("metrics-backend", "", "metrics backend: none|datadog (default env METRICS_BACKEND)")
		validate   = fs.Bool("validate", false, "validate the configuration and exit")
		verbose    = fs.Bool("v", false, "enable debug logs")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*cfgPath) == "" {
		fmt.Fprintln(stderr, "usage: ahnung -config path/to/pipeline.yaml [-stage schema|cleanup|all]")
		return 2
	}
	switch *stageName {
	case "schema", "cleanup", "all":
	default:
		fmt.Fprintf(stderr, "usage: unknown -stage %q (want schema|cleanup|all)\n", *stageName)
		return 2
	}

	raw, err := deps.readFile(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "read config: %v\n", err)
		return 1
	}
	ext := strings.ToLower(filepath.Ext(*cfgPath))
	p, err := deps.parse(raw, ext == ".yaml" || ext == ".yml")
	if err != nil {
		fmt.Fprintf(stderr, "parse config: %v\n", err)
		return 1
	}

	issues := config.ValidatePipeline(p)
	for _, iss := range issues {
		fmt.Fprintln(stderr, iss.String())
	}
	if config.HasErrors(issues) {
		fmt.Fprintf(stderr, "configuration is invalid: %s\n", *cfgPath)
		return 1
	}
	if *validate {
		fmt.Fprintf(stdout, "configuration is valid: %s\n", *cfgPath)
		return 0
	}

	logger, err := newLogger(*verbose)
	if err != nil {
		fmt.Fprintf(stderr, "init logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	backendName := *backendFlg
	if backendName == "" {
		backendName = os.Getenv("METRICS_BACKEND")
	}
	cleanup, err := deps.initMetrics(ctx, p.Job, backendName)
	if err != nil {
		fmt.Fprintf(stderr, "init metrics: %v\n", err)
		return 1
	}
	defer cleanup()

	r, err := deps.newRunner(ctx, p, logger)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}
	defer r.Close()

	start := time.Now()
	if *stageName != "cleanup" {
		snaps, err := r.Schema(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "run: %v\n", err)
			return 1
		}
		for _, s := range snaps {
			fmt.Fprintf(stdout, "snapshot %s version %s: %d features, %d rejected\n",
				s.Estimator(), s.Version(), s.Len(), len(s.RejectedPaths()))
		}
	}
	if *stageName != "schema" {
		sums, err := r.Cleanup(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "run: %v\n", err)
			return 1
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(sums); err != nil {
			fmt.Fprintf(stderr, "encode summary: %v\n", err)
			return 1
		}
	}
	logger.Info("pipeline done",
		zap.String("job", p.Job),
		zap.String("stage", *stageName),
		zap.Duration("took", time.Since(start).Truncate(time.Millisecond)),
	)
	return 0
}

// newLogger logs JSON at info level, or development output at debug level
// when verbose.
func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

// pipelineRunner wires storage, sources and sinks into the two stages.
type pipelineRunner struct {
	p       config.Pipeline
	log     *zap.Logger
	repo    storage.Repository
	sources *stage.Sources
}

func newPipelineRunner(ctx context.Context, p config.Pipeline, log *zap.Logger) (runner, error) {
	repo, err := storage.New(ctx, storage.Config{Kind: p.Storage.Kind, DSN: p.Storage.DSN, Database: p.Storage.Database})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	sources, err := stage.OpenSources(ctx, p, log)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("open source: %w", err)
	}
	return &pipelineRunner{p: p, log: log, repo: repo, sources: sources}, nil
}

func (r *pipelineRunner) Schema(ctx context.Context) ([]*schema.Snapshot, error) {
	st := &stage.SchemaStage{Pipeline: r.p, Repo: r.repo, Sources: r.sources, Log: r.log}
	return st.Run(ctx)
}

func (r *pipelineRunner) Cleanup(ctx context.Context) ([]stage.Summary, error) {
	cs := &stage.CleanupStage{
		Pipeline: r.p,
		Repo:     r.repo,
		Sources:  r.sources,
		Sinks:    stage.Sinks{P: r.p, Repo: r.repo, Log: r.log},
		Log:      r.log,
	}
	return cs.Run(ctx)
}

func (r *pipelineRunner) Close() {
	r.sources.Close()
	r.repo.Close()
}

// metricsBackend is the part of a metrics backend initMetrics owns.
type metricsBackend interface {
	Close() error
}

// Seams for initMetrics tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	setMetricsBackend = func(b any) {
		if mb, ok := b.(metrics.Backend); ok {
			metrics.SetBackend(mb)
		}
	}
	logPrintf = log.Printf
)

// initMetrics installs the named backend and returns its cleanup. The cleanup
// is never nil and safe to call on every path.
func initMetrics(ctx context.Context, jobName, backendName string) (func(), error) {
	nop := func() {}
	if jobName == "" {
		jobName = "ahnung"
	}
	switch strings.ToLower(strings.TrimSpace(backendName)) {
	case "", "none", "noop":
		return nop, nil

	case "datadog", "dd":
		// Close stops the periodic flush loop and submits whatever is buffered.
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    jobName,
			Tags:       datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS")),
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			return nop, fmt.Errorf("datadog backend: %w", err)
		}
		setMetricsBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				logPrintf("metrics: datadog close error: %v", err)
			}
		}, nil

	default:
		return nop, fmt.Errorf("unknown metrics backend %q (want none|datadog)", backendName)
	}
}
