package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"ahnung/internal/schema"
)

// ErrSnapshotNotFound is returned by LoadSnapshot for an unknown estimator.
var ErrSnapshotNotFound = errors.New("storage: snapshot not found")

// Config is the minimal configuration needed to open a Repository.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
//   - Database is only read by document stores (mongo).
type Config struct {
	Kind     string
	DSN      string
	Database string
}

// Repository persists schema snapshots and the datasets normalized against
// them.
//
// SQL backends keep snapshot entries in SnapshotTable and create dataset
// tables from a TableSpec; the mongo store uses one collection per entry kind.
type Repository interface {
	// Close releases backend resources. Call it once at shutdown.
	Close()

	// SaveSnapshot replaces whatever is stored for the snapshot's estimator.
	//
	// Edge cases:
	//   - Saving is atomic where the backend supports transactions; a reader
	//     sees either the old or the new snapshot.
	SaveSnapshot(ctx context.Context, snap *schema.Snapshot) error

	// LoadSnapshot returns the stored snapshot of estimator.
	//
	// Errors:
	//   - ErrSnapshotNotFound when nothing is stored under estimator.
	LoadSnapshot(ctx context.Context, estimator string) (*schema.Snapshot, error)

	// EnsureDataset creates the dataset table if it does not exist yet.
	EnsureDataset(ctx context.Context, spec TableSpec) error

	// InsertRows appends rows to a dataset table. Rows are aligned with columns.
	InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)
}

// Factory opens a Repository for cfg.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty, f is nil, or kind is already registered.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// Kinds returns the registered backend kinds in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New constructs a Repository using the registered backend factory.
//
// Concurrency:
//   - Safe for concurrent use with Register.
//
// Errors:
//   - cfg.Kind is empty or unsupported.
//   - Whatever the factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// SnapshotTable is the table SQL backends keep snapshot entries in.
const SnapshotTable = "ahnung_snapshot"

// Batches splits rows so that no batch binds more than maxParams values.
// Every batch holds at least one row.
func Batches(rows [][]any, columns, maxParams int) [][][]any {
	if len(rows) == 0 {
		return nil
	}
	per := 1
	if columns > 0 && maxParams > columns {
		per = maxParams / columns
	}
	out := make([][][]any, 0, (len(rows)+per-1)/per)
	for lo := 0; lo < len(rows); lo += per {
		hi := lo + per
		if hi > len(rows) {
			hi = len(rows)
		}
		out = append(out, rows[lo:hi])
	}
	return out
}

// EntryRows turns entries into (estimator, kind, path, value) rows.
func EntryRows(estimator string, entries []Entry) [][]any {
	out := make([][]any, len(entries))
	for i, e := range entries {
		out[i] = []any{estimator, e.Kind, e.Path, string(e.Value)}
	}
	return out
}

// EntryColumns are the columns of SnapshotTable in EntryRows order.
var EntryColumns = []string{"estimator", "kind", "path", "value"}
