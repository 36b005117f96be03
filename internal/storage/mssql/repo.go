package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"ahnung/internal/schema"
	"ahnung/internal/storage"
)

const (
	// SQL Server accepts 2100 parameters per request.
	maxParams = 2000
	// A table value constructor holds at most 1000 rows.
	maxRows = 1000
)

// Repo implements storage.Repository for Microsoft SQL Server.
//
// Snapshot saves run in one transaction (DELETE then batched INSERT). Dataset
// tables are created behind an OBJECT_ID guard since SQL Server has no
// CREATE TABLE IF NOT EXISTS.
//
// The caller must register the "sqlserver" driver; storage/all does so.
type Repo struct {
	db dbConn
}

func init() {
	storage.Register("mssql", New)
}

// New opens cfg.DSN with the "sqlserver" driver and creates the snapshot table.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	raw.SetMaxOpenConns(16)
	raw.SetMaxIdleConns(16)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	r := &Repo{db: &sqlDB{db: raw}}
	if _, err := r.db.ExecContext(ctx, snapshotDDL()); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("mssql: create %s: %w", storage.SnapshotTable, err)
	}
	return r, nil
}

// Close releases database resources held by this repository.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

// The key columns are bounded so the primary key stays below 900 bytes.
func snapshotDDL() string {
	return wrapCreateIfMissing(storage.SnapshotTable,
		"[estimator] NVARCHAR(128) NOT NULL, [kind] NVARCHAR(32) NOT NULL, [path] NVARCHAR(256) NOT NULL, "+
			"[value] NVARCHAR(MAX) NOT NULL, PRIMARY KEY ([estimator], [kind], [path])")
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

	del := fmt.Sprintf("DELETE FROM %s WHERE [estimator] = @p1;", mssqlTableIdent(storage.SnapshotTable))
	if _, err := tx.ExecContext(ctx, del, snap.Estimator()); err != nil {
		return fmt.Errorf("mssql: clear snapshot %s: %w", snap.Estimator(), err)
	}

	rows := storage.EntryRows(snap.Estimator(), entries)
	for _, batch := range storage.Batches(rows, len(storage.EntryColumns), batchParams(len(storage.EntryColumns))) {
		q, args := buildInsertSQL(storage.SnapshotTable, storage.EntryColumns, batch)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("mssql: save snapshot %s: %w", snap.Estimator(), err)
		}
	}
	return tx.Commit()
}

// LoadSnapshot reads and decodes the entries of estimator.
func (r *Repo) LoadSnapshot(ctx context.Context, estimator string) (*schema.Snapshot, error) {
	q := fmt.Sprintf("SELECT [kind], [path], [value] FROM %s WHERE [estimator] = @p1;", mssqlTableIdent(storage.SnapshotTable))
	rows, err := r.db.QueryContext(ctx, q, estimator)
	if err != nil {
		return nil, fmt.Errorf("mssql: load snapshot %s: %w", estimator, err)
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
		return fmt.Errorf("mssql: create table %s: %w", spec.Name, err)
	}
	return nil
}

// InsertRows performs batched multi-row inserts inside one transaction.
func (r *Repo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, fmt.Errorf("mssql: insert %s: columns is empty", table)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var n int64
	for _, batch := range storage.Batches(rows, len(columns), batchParams(len(columns))) {
		q, args := buildInsertSQL(table, columns, batch)
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, fmt.Errorf("mssql: insert %s: %w", table, err)
		}
		if affected, err := res.RowsAffected(); err == nil {
			n += affected
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// batchParams bounds a batch by both the parameter and the row limit.
func batchParams(columns int) int {
	if columns*maxRows < maxParams {
		return columns * maxRows
	}
	return maxParams
}

func mssqlType(t schema.Type) string {
	switch t {
	case schema.TypeInt, schema.TypeLong:
		return "BIGINT"
	case schema.TypeFloat:
		return "FLOAT"
	case schema.TypeDate:
		return "DATETIME2"
	default:
		return "NVARCHAR(MAX)"
	}
}

func buildCreateSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("mssql: table name is empty")
	}
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("mssql: %s has no columns", t.Name)
	}
	defs := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		defs = append(defs, fmt.Sprintf("%s %s NULL", mssqlIdent(c.Name), mssqlType(c.Type)))
	}
	return wrapCreateIfMissing(t.Name, strings.Join(defs, ", ")), nil
}

// wrapCreateIfMissing wraps a CREATE TABLE statement in an OBJECT_ID guard.
func wrapCreateIfMissing(tableName string, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		strings.ReplaceAll(tableName, "'", "''"),
		mssqlTableIdent(tableName),
		innerDefs,
	)
}

// buildInsertSQL renders a multi-row INSERT with @pN placeholders numbered
// across all rows.
func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
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
			b.WriteString(fmt.Sprintf("@p%d", p))
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	b.WriteString(";")
	return b.String(), args
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.ds_churn" -> [dbo].[ds_churn]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (rowSet, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

// rowSet is the part of *sql.Rows LoadSnapshot reads.
type rowSet interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...any) (rowSet, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

var (
	_ dbConn = (*sqlDB)(nil)
	_ txConn = (*sql.Tx)(nil)
	_ rowSet = (*sql.Rows)(nil)
)
