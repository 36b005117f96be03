package csvfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ahnung/pkg/records"
)

func collect(t *testing.T, s *Source, in string) []records.Record {
	t.Helper()
	var out []records.Record
	_, err := s.Stream(context.Background(), strings.NewReader(in), func(r records.Record) error {
		out = append(out, r)
		return nil
	})
	require.NoError(t, err)
	return out
}

// TestStream verifies header handling, trimming and empty cells.
func TestStream(t *testing.T) {
	t.Parallel()

	in := "\uFEFF id , shop.city ,price\n1, Bonn ,2.5\n2,,\n3,Köln,7,extra\n"
	got := collect(t, New(nil), in)

	require.Len(t, got, 3)
	assert.Equal(t, records.Record{"id": "1", "shop.city": "Bonn", "price": "2.5"}, got[0])
	assert.Equal(t, records.Record{"id": "2"}, got[1])
	assert.Equal(t, records.Record{"id": "3", "shop.city": "Köln", "price": "7"}, got[2])
}

// TestStream_Options verifies the delimiter and untrimmed mode.
func TestStream_Options(t *testing.T) {
	t.Parallel()

	s := &Source{Comma: ';'}
	got := collect(t, s, "a;b\n x ;1\n")
	require.Len(t, got, 1)
	assert.Equal(t, records.Record{"a": " x ", "b": "1"}, got[0])

	assert.Empty(t, collect(t, New(nil), ""))
}

// TestStream_SkipsMalformedRows verifies bad quoting drops the row only.
func TestStream_SkipsMalformedRows(t *testing.T) {
	t.Parallel()

	s := New(nil)
	got := collect(t, s, "a,b\n1,\"x\"y\n2,z\n")
	require.Len(t, got, 1)
	assert.Equal(t, "2", got[0]["a"])
	assert.Equal(t, int64(1), s.Skipped())
}

// TestSource_Each reads globbed files in order and stops on callback errors.
func TestSource_Each(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.csv"), []byte("n\n2\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.csv"), []byte("n\n1\n"), 0o644))

	src := New(nil, filepath.Join(dir, "*.csv"))
	var got []any
	require.NoError(t, src.Each(context.Background(), func(r records.Record) error {
		got = append(got, r["n"])
		return nil
	}))
	assert.Equal(t, []any{"1", "2"}, got)

	boom := errors.New("boom")
	assert.ErrorIs(t, src.Each(context.Background(), func(records.Record) error { return boom }), boom)

	err := New(nil, filepath.Join(dir, "missing.csv")).Each(context.Background(), func(records.Record) error { return nil })
	assert.ErrorIs(t, err, os.ErrNotExist)
}
