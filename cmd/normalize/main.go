// Command normalize aligns documents against a stored snapshot, the way a
// serving process would before handing them to a model.
//
// Documents are read from -in (default stdin) in any layout the JSON corpus
// reader accepts. Every document produces one JSON line on stdout:
//
//	{"index":0,"values":[...],"doc":{...},"defaults_used":1,"vector":[...]}
//
// or, when the document is rejected,
//
//	{"index":1,"rejected":"record rejected: too many defaults"}
//
// By default documents are normalized for inference (features only). With
// -training the target is required and appended, as in the cleanup stage.
// -encode adds the numeric vector a learner consumes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"ahnung/internal/config"
	"ahnung/internal/corpus/jsonfile"
	"ahnung/internal/normalize"
	"ahnung/internal/schema"
	"ahnung/internal/storage"
	"ahnung/pkg/records"

	_ "ahnung/internal/storage/all"
)

// snapshotStore is the part of storage.Repository this command needs.
type snapshotStore interface {
	LoadSnapshot(ctx context.Context, estimator string) (*schema.Snapshot, error)
	Close()
}

type appDeps struct {
	readFile  func(path string) ([]byte, error)
	openInput func(path string) (io.ReadCloser, error)
	openStore func(ctx context.Context, cfg storage.Config) (snapshotStore, error)
}

func defaultDeps(stdin io.Reader) appDeps {
	return appDeps{
		readFile: os.ReadFile,
		openInput: func(path string) (io.ReadCloser, error) {
			if path == "-" {
				return io.NopCloser(stdin), nil
			}
			return os.Open(path)
		},
		openStore: func(ctx context.Context, cfg storage.Config) (snapshotStore, error) {
			return storage.New(ctx, cfg)
		},
	}
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultDeps(os.Stdin)))
}

// line is one output line.
type line struct {
	Index        int            `json:"index"`
	Values       []any          `json:"values,omitempty"`
	Doc          records.Record `json:"doc,omitempty"`
	DefaultsUsed int            `json:"defaults_used"`
	Vector       []float64      `json:"vector,omitempty"`
	Rejected     string         `json:"rejected,omitempty"`
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	fs := flag.NewFlagSet("normalize", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		cfgPath   = fs.String("config", "", "pipeline config path; its storage section locates the snapshot")
		estimator = fs.String("estimator", "", "estimator name; may be omitted when the config has exactly one")
		in        = fs.String("in", "-", "input file, - for stdin")
		training  = fs.Bool("training", false, "require and append the target")
		encode    = fs.Bool("encode", false, "add the encoded numeric vector")
		verbose   = fs.Bool("v", false, "enable debug logs")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*cfgPath) == "" {
		fmt.Fprintln(stderr, "usage: normalize -config pipeline.yaml [-estimator name] [-in docs.json] [-training] [-encode]")
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
	est, err := pickEstimator(p, *estimator)
	if err != nil {
		fmt.Fprintf(stderr, "usage: %v\n", err)
		return 2
	}

	log := zap.NewNop()
	if *verbose {
		if log, err = zap.NewDevelopment(); err != nil {
			fmt.Fprintf(stderr, "init logger: %v\n", err)
			return 1
		}
	}

	store, err := deps.openStore(ctx, storage.Config{Kind: p.Storage.Kind, DSN: p.Storage.DSN, Database: p.Storage.Database})
	if err != nil {
		fmt.Fprintf(stderr, "open storage: %v\n", err)
		return 1
	}
	defer store.Close()

	snap, err := store.LoadSnapshot(ctx, est)
	if err != nil {
		fmt.Fprintf(stderr, "load snapshot: %v\n", err)
		return 1
	}

	r, err := deps.openInput(*in)
	if err != nil {
		fmt.Fprintf(stderr, "open input: %v\n", err)
		return 1
	}
	defer r.Close()

	n := normalize.New(snap, log)
	paths := snap.Attributes()
	if *training {
		paths = snap.TrainingAttributes()
	}
	enc := json.NewEncoder(stdout)
	idx := 0
	var unencoded int64
	err = jsonfile.Stream(ctx, r, func(doc records.Record) error {
		out := line{Index: idx}
		idx++

		var res *normalize.Result
		var err error
		if *training {
			res, err = n.Training(doc)
		} else {
			res, err = n.Inference(doc)
		}
		switch {
		case errors.Is(err, schema.ErrRecordRejected):
			out.Rejected = err.Error()
			return enc.Encode(out)
		case err != nil:
			return err
		}

		if *encode {
			vec, err := n.Encode(res, paths)
			if err != nil {
				unencoded++
				out.Rejected = err.Error()
				return enc.Encode(out)
			}
			out.Vector = vec
		}
		out.Values, out.Doc, out.DefaultsUsed = res.Values, res.Doc, res.DefaultsUsed
		return enc.Encode(out)
	})
	if err != nil {
		fmt.Fprintf(stderr, "normalize: %v\n", err)
		return 1
	}

	c := n.Counts()
	fmt.Fprintf(stderr, "%s: %d accepted, %d rejected, %d defaults used\n",
		est, c.Accepted-unencoded, c.Rejected()+unencoded, c.DefaultsUsed)
	return 0
}

// pickEstimator resolves the -estimator flag against the config.
func pickEstimator(p config.Pipeline, name string) (string, error) {
	if name == "" {
		if len(p.Estimators) != 1 {
			return "", fmt.Errorf("-estimator is required, the config has %d estimators", len(p.Estimators))
		}
		return p.Estimators[0].Name, nil
	}
	if _, ok := p.Estimator(name); !ok {
		return "", fmt.Errorf("unknown estimator %q", name)
	}
	return name, nil
}
