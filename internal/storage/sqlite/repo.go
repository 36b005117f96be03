package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"ahnung/internal/schema"
	"ahnung/internal/storage"
)

// SQLite binds at most 32766 parameters per statement; stay well below.
const maxParams = 30000

// Repo implements storage.Repository for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has no native timestamp type. Dates are stored as RFC3339Nano
//     strings for reliable round-trip behavior and easy debugging.
//   - Snapshot saves run in one transaction: delete the estimator's entries,
//     then insert the new ones.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

// New opens the database at cfg.DSN (a file path or "file:..." URI) and
// creates the snapshot table.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	// One writer at a time avoids SQLITE_BUSY on a shared file.
	db.SetMaxOpenConns(1)

	r := &Repo{db: db}
	if _, err := db.ExecContext(ctx, snapshotDDL()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: create %s: %w", storage.SnapshotTable, err)
	}
	return r, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

func snapshotDDL() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  "estimator" TEXT NOT NULL,
  "kind" TEXT NOT NULL,
  "path" TEXT NOT NULL,
  "value" TEXT NOT NULL,
  PRIMARY KEY ("estimator", "kind", "path")
);`, sqlIdent(storage.SnapshotTable))
}

// SaveSnapshot replaces the stored entries of the snapshot's estimator.
func (r *Repo) SaveSnapshot(ctx context.Context, snap *schema.Snapshot) error {
	entries, err := storage.EncodeSnapshot(snap)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	del := fmt.Sprintf(`DELETE FROM %s WHERE "estimator" = ?`, sqlIdent(storage.SnapshotTable))
	if _, err := tx.ExecContext(ctx, del, snap.Estimator()); err != nil {
		return fmt.Errorf("sqlite: clear snapshot %s: %w", snap.Estimator(), err)
	}

	rows := storage.EntryRows(snap.Estimator(), entries)
	for _, batch := range storage.Batches(rows, len(storage.EntryColumns), maxParams) {
		q, args := buildInsertSQL(storage.SnapshotTable, storage.EntryColumns, batch)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("sqlite: save snapshot %s: %w", snap.Estimator(), err)
		}
	}
	return tx.Commit()
}

// LoadSnapshot reads and decodes the entries of estimator.
func (r *Repo) LoadSnapshot(ctx context.Context, estimator string) (*schema.Snapshot, error) {
	q := fmt.Sprintf(`SELECT "kind", "path", "value" FROM %s WHERE "estimator" = ?`, sqlIdent(storage.SnapshotTable))
	rows, err := r.db.QueryContext(ctx, q, estimator)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load snapshot %s: %w", estimator, err)
	}
	defer rows.Close()

	var entries []storage.Entry
	for rows.Next() {
		var e storage.Entry
		var value string
		if err := rows.Scan(&e.Kind, &e.Path, &value); err != nil {
			return nil, err
		}
		e.Value = []byte(value)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return storage.DecodeSnapshot(estimator, entries)
}

// EnsureDataset creates the dataset table if it is missing.
func (r *Repo) EnsureDataset(ctx context.Context, spec storage.TableSpec) error {
	q, err := buildCreateSQL(spec)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("create table %s: %w", spec.Name, err)
	}
	return nil
}

// InsertRows performs batched multi-row inserts inside one transaction.
func (r *Repo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var n int64
	for _, batch := range storage.Batches(rows, len(columns), maxParams) {
		q, args := buildInsertSQL(table, columns, batch)
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, fmt.Errorf("sqlite: insert %s: %w", table, err)
		}
		affected, _ := res.RowsAffected()
		n += affected
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func sqliteType(t schema.Type) string {
	switch t {
	case schema.TypeInt, schema.TypeLong:
		return "INTEGER"
	case schema.TypeFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}

func buildCreateSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("%s has no columns", t.Name)
	}
	parts := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		parts = append(parts, fmt.Sprintf("%s %s", sqlIdent(c.Name), sqliteType(c.Type)))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", sqlIdent(t.Name), strings.Join(parts, ",\n  ")), nil
}

// buildInsertSQL renders a multi-row INSERT with ? placeholders. Dates are
// bound as RFC3339Nano text.
func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	colList := make([]string, 0, len(columns))
	for _, c := range columns {
		colList = append(colList, sqlIdent(c))
	}
	placeholders := "(" + strings.TrimRight(strings.Repeat("?,", len(columns)), ",") + ")"

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	b.WriteString(strings.Join(colList, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		for _, v := range row {
			if t, ok := v.(time.Time); ok {
				v = t.UTC().Format(time.RFC3339Nano)
			}
			args = append(args, v)
		}
	}
	return b.String(), args
}
