// Command report prints the stored snapshots of a pipeline: the selected
// attributes with their types, senses, defaults and labels, and the rejected
// attributes with the reason they were dropped.
//
// Usage:
//
//	report -config pipeline.yaml [-estimator a,b] [-html] [-title text]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"ahnung/internal/config"
	"ahnung/internal/report"
	"ahnung/internal/schema"
	"ahnung/internal/storage"

	_ "ahnung/internal/storage/all"
)

type snapshotStore interface {
	LoadSnapshot(ctx context.Context, estimator string) (*schema.Snapshot, error)
	Close()
}

type appDeps struct {
	readFile  func(path string) ([]byte, error)
	openStore func(ctx context.Context, cfg storage.Config) (snapshotStore, error)
}

func main() {
	deps := appDeps{
		readFile: os.ReadFile,
		openStore: func(ctx context.Context, cfg storage.Config) (snapshotStore, error) {
			return storage.New(ctx, cfg)
		},
	}
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, deps))
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		cfgPath = fs.String("config", "", "pipeline config path")
		only    = fs.String("estimator", "", "comma-separated estimators to report (default: all)")
		asHTML  = fs.Bool("html", false, "write one HTML page instead of text")
		title   = fs.String("title", "", "HTML page title (default: the job name)")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*cfgPath) == "" {
		fmt.Fprintln(stderr, "usage: report -config pipeline.yaml [-estimator a,b] [-html]")
		return 2
	}

	raw, err := deps.readFile(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "read config: %v\n", err)
		return 1
	}
	ext := strings.ToLower(filepath.Ext(*cfgPath))
	p, err := config.Parse(raw, ext == ".yaml" || ext == ".yml")
	if err != nil {
		fmt.Fprintf(stderr, "parse config: %v\n", err)
		return 1
	}
	names, err := selectEstimators(p, *only)
	if err != nil {
		fmt.Fprintf(stderr, "usage: %v\n", err)
		return 2
	}

	store, err := deps.openStore(ctx, storage.Config{Kind: p.Storage.Kind, DSN: p.Storage.DSN, Database: p.Storage.Database})
	if err != nil {
		fmt.Fprintf(stderr, "open storage: %v\n", err)
		return 1
	}
	defer store.Close()

	reports := make([]report.Report, 0, len(names))
	for _, name := range names {
		snap, err := store.LoadSnapshot(ctx, name)
		if err != nil {
			fmt.Fprintf(stderr, "load snapshot %q: %v\n", name, err)
			return 1
		}
		reports = append(reports, report.Build(snap))
	}

	if *asHTML {
		t := *title
		if t == "" {
			t = p.Job
		}
		if err := report.WriteHTML(stdout, t, reports); err != nil {
			fmt.Fprintf(stderr, "write report: %v\n", err)
			return 1
		}
		return 0
	}
	for i, r := range reports {
		if i > 0 {
			fmt.Fprintln(stdout)
		}
		if err := report.WriteText(stdout, r); err != nil {
			fmt.Fprintf(stderr, "write report: %v\n", err)
			return 1
		}
	}
	return 0
}

func selectEstimators(p config.Pipeline, only string) ([]string, error) {
	if strings.TrimSpace(only) == "" {
		names := make([]string, 0, len(p.Estimators))
		for _, e := range p.Estimators {
			names = append(names, e.Name)
		}
		if len(names) == 0 {
			return nil, fmt.Errorf("the config has no estimators")
		}
		return names, nil
	}
	var names []string
	for _, n := range strings.Split(only, ",") {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := p.Estimator(n); !ok {
			return nil, fmt.Errorf("unknown estimator %q", n)
		}
		names = append(names, n)
	}
	return names, nil
}
