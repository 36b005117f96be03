package stage

import (
	"context"
	"fmt"

	drivermongo "go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"ahnung/internal/config"
	"ahnung/internal/corpus"
	"ahnung/internal/corpus/csvfile"
	"ahnung/internal/corpus/jsonfile"
	corpusmongo "ahnung/internal/corpus/mongo"
	"ahnung/internal/dataset"
	"ahnung/internal/schema"
	"ahnung/internal/storage"
)

// SourceOpener opens the corpus of one estimator.
type SourceOpener interface {
	Open(ctx context.Context, est config.Estimator) (corpus.Source, error)
}

// SinkOpener opens the dataset sink of one snapshot.
type SinkOpener interface {
	Open(ctx context.Context, snap *schema.Snapshot) (dataset.Sink, error)
}

// Sources opens corpora as configured in source.kind. A mongo client is
// shared by every estimator and released by Close.
type Sources struct {
	p      config.Pipeline
	log    *zap.Logger
	client *drivermongo.Client
}

// OpenSources connects to the configured source.
func OpenSources(ctx context.Context, p config.Pipeline, log *zap.Logger) (*Sources, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Sources{p: p, log: log}
	switch p.Source.Kind {
	case "file":
	case "mongo":
		if p.Source.Mongo == nil {
			return nil, fmt.Errorf("stage: source.mongo is not configured")
		}
		client, err := corpusmongo.Connect(ctx, p.Source.Mongo.URI)
		if err != nil {
			return nil, err
		}
		s.client = client
	default:
		return nil, fmt.Errorf("stage: unsupported source kind %q", p.Source.Kind)
	}
	return s, nil
}

// Open returns the corpus of est.
func (s *Sources) Open(_ context.Context, est config.Estimator) (corpus.Source, error) {
	if s.client == nil {
		path := s.p.FilePath(est)
		if path == "" {
			return nil, fmt.Errorf("stage: estimator %q has no corpus path", est.Name)
		}
		if f := s.p.Source.File; f.IsCSV() {
			src := csvfile.New(s.log, path)
			src.Comma = f.Delimiter()
			return src, nil
		}
		return jsonfile.New(s.log, path), nil
	}
	return &corpusmongo.Source{
		Coll:      s.client.Database(s.p.Source.Mongo.Database).Collection(est.CollectionName()),
		Target:    est.Target,
		BatchSize: int32(s.p.Runtime.BatchSize),
		Log:       s.log,
	}, nil
}

// Close disconnects the mongo client, if any.
func (s *Sources) Close() {
	if s.client != nil {
		_ = s.client.Disconnect(context.Background())
	}
}

// Sinks opens dataset sinks as configured in cleanup.kind.
type Sinks struct {
	P    config.Pipeline
	Repo storage.Repository
	Log  *zap.Logger
}

// Open returns a table sink in the storage backend or a CSV file sink.
func (s Sinks) Open(ctx context.Context, snap *schema.Snapshot) (dataset.Sink, error) {
	switch s.P.Cleanup.Kind {
	case "sql":
		return dataset.NewTableSink(ctx, s.Repo, snap, s.P.Cleanup.TablePrefix, s.P.Runtime.BatchSize, s.Log)
	case "csv":
		sink, path, err := dataset.CreateCSV(s.P.Cleanup.Dir, snap, s.P.Cleanup.TablePrefix)
		if err != nil {
			return nil, err
		}
		if s.Log != nil {
			s.Log.Info("writing dataset", zap.String("estimator", snap.Estimator()), zap.String("path", path))
		}
		return sink, nil
	default:
		return nil, fmt.Errorf("stage: unsupported cleanup kind %q", s.P.Cleanup.Kind)
	}
}
