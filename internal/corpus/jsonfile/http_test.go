package jsonfile

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ahnung/pkg/records"
)

// TestURLSource streams an envelope twice from a test server.
func TestURLSource(t *testing.T) {
	t.Parallel()

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		_, _ = w.Write([]byte(`{"count": 2, "items": [{"a": 1}, {"a": 2.5}]}`))
	}))
	t.Cleanup(srv.Close)

	src := NewURL(nil, srv.URL, false)
	for pass := 0; pass < 2; pass++ {
		var got []records.Record
		require.NoError(t, src.Each(context.Background(), func(r records.Record) error {
			got = append(got, r)
			return nil
		}))
		require.Len(t, got, 2)
		assert.Equal(t, json.Number("1"), got[0]["a"])
	}
	assert.Equal(t, 2, hits)
}

// TestURLSource_Errors verifies status and callback errors surface.
func TestURLSource_Errors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.Error(w, "gone", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`[{"a": 1}]`))
	}))
	t.Cleanup(srv.Close)

	err := NewURL(nil, srv.URL+"/missing", false).Each(context.Background(), func(records.Record) error { return nil })
	assert.ErrorContains(t, err, "status 404")

	boom := errors.New("boom")
	err = NewURL(nil, srv.URL, false).Each(context.Background(), func(records.Record) error { return boom })
	assert.ErrorIs(t, err, boom)
}
