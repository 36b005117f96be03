// Package mongo keeps snapshots and datasets in MongoDB.
//
// A snapshot of estimator E lives in one collection per entry kind
// (E_types, E_sense, E_defaults, E_reject, E_encoders, E_stats, E_meta),
// each document being {_id: path, value: json}. Dataset rows go into a
// collection named after the dataset table.
package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	corpusmongo "ahnung/internal/corpus/mongo"
	"ahnung/internal/schema"
	"ahnung/internal/storage"
)

// Store implements storage.Repository on a MongoDB database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

func init() {
	storage.Register("mongo", New)
}

// New connects to cfg.DSN and uses cfg.Database.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	if cfg.Database == "" {
		return nil, fmt.Errorf("mongo: database is empty")
	}
	client, err := corpusmongo.Connect(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return &Store{client: client, db: client.Database(cfg.Database)}, nil
}

// Close disconnects the client.
func (s *Store) Close() {
	_ = s.client.Disconnect(context.Background())
}

// CollectionName is the collection holding entries of kind for estimator.
func CollectionName(estimator, kind string) string {
	return estimator + "_" + kind
}

type entryDoc struct {
	Path  string `bson:"_id"`
	Value string `bson:"value"`
}

// groupEntries splits entries into per-kind documents. Every kind is present
// in the result so that stale collections are cleared on save.
func groupEntries(entries []storage.Entry) map[string][]any {
	out := make(map[string][]any, len(storage.EntryKinds))
	for _, k := range storage.EntryKinds {
		out[k] = nil
	}
	for _, e := range entries {
		out[e.Kind] = append(out[e.Kind], entryDoc{Path: e.Path, Value: string(e.Value)})
	}
	return out
}

// SaveSnapshot replaces the collections of the snapshot's estimator. The meta
// collection is cleared first and written last, so an interrupted save reads
// back as missing rather than half-written.
func (s *Store) SaveSnapshot(ctx context.Context, snap *schema.Snapshot) error {
	entries, err := storage.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	est := snap.Estimator()
	groups := groupEntries(entries)

	metaColl := s.db.Collection(CollectionName(est, storage.KindMeta))
	if _, err := metaColl.DeleteMany(ctx, bson.D{}); err != nil {
		return fmt.Errorf("mongo: clear %s: %w", metaColl.Name(), err)
	}
	for _, kind := range storage.EntryKinds {
		if kind == storage.KindMeta {
			continue
		}
		if err := s.replace(ctx, CollectionName(est, kind), groups[kind]); err != nil {
			return err
		}
	}
	return s.replace(ctx, metaColl.Name(), groups[storage.KindMeta])
}

func (s *Store) replace(ctx context.Context, name string, docs []any) error {
	coll := s.db.Collection(name)
	if _, err := coll.DeleteMany(ctx, bson.D{}); err != nil {
		return fmt.Errorf("mongo: clear %s: %w", name, err)
	}
	if len(docs) == 0 {
		return nil
	}
	if _, err := coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false)); err != nil {
		return fmt.Errorf("mongo: write %s: %w", name, err)
	}
	return nil
}

// LoadSnapshot reads every kind collection of estimator.
func (s *Store) LoadSnapshot(ctx context.Context, estimator string) (*schema.Snapshot, error) {
	var entries []storage.Entry
	for _, kind := range storage.EntryKinds {
		coll := s.db.Collection(CollectionName(estimator, kind))
		cur, err := coll.Find(ctx, bson.D{})
		if err != nil {
			return nil, fmt.Errorf("mongo: load %s: %w", coll.Name(), err)
		}
		var docs []entryDoc
		if err := cur.All(ctx, &docs); err != nil {
			return nil, fmt.Errorf("mongo: load %s: %w", coll.Name(), err)
		}
		for _, d := range docs {
			entries = append(entries, storage.Entry{Kind: kind, Path: d.Path, Value: []byte(d.Value)})
		}
	}
	if !hasMeta(entries) {
		// Leftover collections without meta mean no complete snapshot.
		return nil, fmt.Errorf("%w: %q", storage.ErrSnapshotNotFound, estimator)
	}
	return storage.DecodeSnapshot(estimator, entries)
}

func hasMeta(entries []storage.Entry) bool {
	for _, e := range entries {
		if e.Kind == storage.KindMeta {
			return true
		}
	}
	return false
}

// EnsureDataset creates the dataset collection if it is missing.
func (s *Store) EnsureDataset(ctx context.Context, spec storage.TableSpec) error {
	names, err := s.db.ListCollectionNames(ctx, bson.D{{Key: "name", Value: spec.Name}})
	if err != nil {
		return fmt.Errorf("mongo: list collections: %w", err)
	}
	if len(names) > 0 {
		return nil
	}
	if err := s.db.CreateCollection(ctx, spec.Name); err != nil {
		return fmt.Errorf("mongo: create collection %s: %w", spec.Name, err)
	}
	return nil
}

// InsertRows stores each row as one document keyed by column name.
func (s *Store) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	res, err := s.db.Collection(table).InsertMany(ctx, RowDocs(columns, rows))
	if err != nil {
		return 0, fmt.Errorf("mongo: insert %s: %w", table, err)
	}
	return int64(len(res.InsertedIDs)), nil
}

// RowDocs turns aligned rows into documents; nil values are left out.
func RowDocs(columns []string, rows [][]any) []any {
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		d := make(bson.D, 0, len(columns))
		for i, c := range columns {
			if i >= len(row) || row[i] == nil {
				continue
			}
			d = append(d, bson.E{Key: c, Value: row[i]})
		}
		out = append(out, d)
	}
	return out
}
