package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ahnung/internal/schema"
	"ahnung/internal/storage"
)

// Postgres binds at most 65535 parameters per statement.
const maxParams = 60000

/*
Repo implements storage.Repository for Postgres.

It provides:
  - Transactional snapshot replacement (DELETE + multi-row INSERT)
  - Dataset tables created with IF NOT EXISTS
  - Dataset loads through the COPY protocol
*/
type Repo struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", New)
}

// New creates a pool for cfg.DSN and creates the snapshot table.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, snapshotDDL()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: create %s: %w", storage.SnapshotTable, err)
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

func snapshotDDL() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (`+
		`"estimator" TEXT NOT NULL, "kind" TEXT NOT NULL, "path" TEXT NOT NULL, "value" TEXT NOT NULL, `+
		`PRIMARY KEY ("estimator", "kind", "path"));`, pgIdent(storage.SnapshotTable))
}

// SaveSnapshot replaces the stored entries of the snapshot's estimator in one
// transaction.
func (r *Repo) SaveSnapshot(ctx context.Context, snap *schema.Snapshot) error {
	entries, err := storage.EncodeSnapshot(snap)
	if err != nil {
		return err
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	del := fmt.Sprintf(`DELETE FROM %s WHERE "estimator" = $1;`, pgIdent(storage.SnapshotTable))
	if _, err := tx.Exec(ctx, del, snap.Estimator()); err != nil {
		return fmt.Errorf("postgres: clear snapshot %s: %w", snap.Estimator(), err)
	}

	rows := storage.EntryRows(snap.Estimator(), entries)
	for _, batch := range storage.Batches(rows, len(storage.EntryColumns), maxParams) {
		q, args := buildInsertSQL(storage.SnapshotTable, storage.EntryColumns, batch)
		if _, err := tx.Exec(ctx, q, args...); err != nil {
			return fmt.Errorf("postgres: save snapshot %s: %w", snap.Estimator(), err)
		}
	}
	return tx.Commit(ctx)
}

// LoadSnapshot reads and decodes the entries of estimator.
func (r *Repo) LoadSnapshot(ctx context.Context, estimator string) (*schema.Snapshot, error) {
	q := fmt.Sprintf(`SELECT "kind", "path", "value" FROM %s WHERE "estimator" = $1;`, pgIdent(storage.SnapshotTable))
	rows, err := r.pool.Query(ctx, q, estimator)
	if err != nil {
		return nil, fmt.Errorf("postgres: load snapshot %s: %w", estimator, err)
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
	if _, err := r.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("create table %s: %w", spec.Name, err)
	}
	return nil
}

// InsertRows streams rows through COPY.
func (r *Repo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := r.pool.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return n, fmt.Errorf("postgres: copy into %s: %w", table, err)
	}
	return n, nil
}

func pgIdent(id string) string {
	return pgx.Identifier{id}.Sanitize()
}

func pgType(t schema.Type) string {
	switch t {
	case schema.TypeInt, schema.TypeLong:
		return "BIGINT"
	case schema.TypeFloat:
		return "DOUBLE PRECISION"
	case schema.TypeDate:
		return "TIMESTAMPTZ"
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
	cols := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		cols = append(cols, fmt.Sprintf("%s %s", pgIdent(c.Name), pgType(c.Type)))
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`, pgIdent(t.Name), strings.Join(cols, ", ")), nil
}

// buildInsertSQL builds a multi-row INSERT with $n placeholders.
//
// It is pure and deterministic, so placeholder numbering is unit tested
// without a database.
//
// Constraints:
//   - rows must have the same length as columns for every row.
//   - columns must be non-empty.
func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgIdent(table))
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(fmt.Sprintf("$%d", p))
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	b.WriteString(";")
	return b.String(), args
}
