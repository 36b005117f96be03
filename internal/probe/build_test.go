package probe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ahnung/internal/corpus"
	"ahnung/internal/schema"
	"ahnung/pkg/records"
)

var loose = Thresholds{MinPresent: 0.5, MinTypeAlignment: 0.5, MaxCategorical: 5}

// TestDefaults verifies median, mode and fallback fill values.
func TestDefaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		docs  []records.Record
		want  any
		typ   schema.Type
		sense schema.Sense
	}{
		{
			name:  "odd integer median stays integer",
			docs:  []records.Record{{"v": 3}, {"v": 1}, {"v": 2}},
			want:  int64(2),
			typ:   schema.TypeInt,
			sense: schema.SenseNumerical,
		},
		{
			name:  "even integer median keeps the fraction",
			docs:  []records.Record{{"v": 1}, {"v": 2}},
			want:  1.5,
			typ:   schema.TypeInt,
			sense: schema.SenseNumerical,
		},
		{
			name:  "weighted median",
			docs:  []records.Record{{"v": 1}, {"v": 1}, {"v": 1}, {"v": 9}},
			want:  int64(1),
			typ:   schema.TypeInt,
			sense: schema.SenseNumerical,
		},
		{
			name:  "float median",
			docs:  []records.Record{{"v": 10.0}, {"v": 1.5}, {"v": 2.5}},
			want:  2.5,
			typ:   schema.TypeFloat,
			sense: schema.SenseNumerical,
		},
		{
			name:  "numeric strings feed the median",
			docs:  []records.Record{{"v": "4"}, {"v": 2}, {"v": "6"}},
			want:  int64(4),
			typ:   schema.TypeInt,
			sense: schema.SenseNumerical,
		},
		{
			name:  "categorical mode",
			docs:  []records.Record{{"v": "x"}, {"v": "y"}, {"v": "x"}},
			want:  "x",
			typ:   schema.TypeString,
			sense: schema.SenseCategorical,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			docs := make([]records.Record, 0, len(tt.docs))
			for _, d := range tt.docs {
				d = d.Clone()
				d["t"] = 1
				docs = append(docs, d)
			}
			table := scanDocs(t, docs...)
			v := Validate(table, ValidateOptions{Target: "t", Thresholds: loose})
			require.Equal(t, tt.typ, v.Types["v"])
			require.Equal(t, tt.sense, v.Senses["v"])

			got := Defaults(table, v)
			assert.Equal(t, tt.want, got["v"])
			assert.Contains(t, got, "t")
		})
	}
}

// TestDefaults_Target verifies fill values for the target under each role.
func TestDefaults_Target(t *testing.T) {
	t.Parallel()

	table := scanDocs(t,
		records.Record{"t": 1},
		records.Record{"t": 0},
		records.Record{"t": 1},
	)

	v := Validate(table, ValidateOptions{Target: "t", Thresholds: loose})
	assert.Equal(t, int64(1), Defaults(table, v)["t"])

	v = Validate(table, ValidateOptions{Target: "t", Thresholds: loose, IsRegression: true})
	assert.Equal(t, 1.0, Defaults(table, v)["t"])

	v = Validate(table, ValidateOptions{Target: "t", Thresholds: loose, IsClassification: true})
	assert.Equal(t, "1", Defaults(table, v)["t"])
}

// TestWeightedMedian covers the median helper directly.
func TestWeightedMedian(t *testing.T) {
	t.Parallel()

	_, ok := weightedMedian(nil)
	assert.False(t, ok)

	got, ok := weightedMedian([]weighted{{v: 5, n: 1}, {v: 1, n: 2}, {v: 3, n: 1}})
	require.True(t, ok)
	assert.Equal(t, 2.0, got)

	got, ok = weightedMedian([]weighted{{v: 1, n: 3}, {v: 5, n: 1}})
	require.True(t, ok)
	assert.Equal(t, 1.0, got)
}

// TestBuild_Example runs inference over a three-document corpus end to end.
func TestBuild_Example(t *testing.T) {
	t.Parallel()

	src := corpus.Slice{
		{"a": 1, "b": "x", "t": "yes"},
		{"a": 2, "b": "y", "t": "no"},
		{"b": "x", "t": "yes"},
	}

	snap, err := Infer(context.Background(), src, Options{
		ValidateOptions: ValidateOptions{
			Target:           "t",
			IsClassification: true,
			Thresholds:       loose,
		},
		Estimator: "example",
		Version:   "v1",
	})
	require.NoError(t, err)

	assert.Equal(t, "v1", snap.Version())
	assert.Equal(t, "example", snap.Estimator())
	assert.Equal(t, 3, snap.Docs())
	assert.Equal(t, []string{"a", "b"}, snap.Attributes())
	assert.Equal(t, []string{"a", "b", "t"}, snap.TrainingAttributes())

	sense, _ := snap.Sense("a")
	assert.Equal(t, schema.SenseNumerical, sense)
	def, _ := snap.Default("a")
	assert.Equal(t, 1.5, def)

	sense, _ = snap.Sense("b")
	assert.Equal(t, schema.SenseCategorical, sense)
	require.NotNil(t, snap.Encoder("b"))
	assert.Equal(t, []string{"x", "y"}, snap.Encoder("b").Labels())
	def, _ = snap.Default("b")
	assert.Equal(t, "x", def)

	assert.Equal(t, []string{"no", "yes"}, snap.TargetLabels())
	assert.Equal(t, 2, snap.Stats()["a"].Present)
}

// TestInfer_SkipsDocumentsWithoutTarget verifies the target filter and the
// partitioned scan produce the same snapshot maps.
func TestInfer_SkipsDocumentsWithoutTarget(t *testing.T) {
	t.Parallel()

	var src corpus.Slice
	for i := 0; i < 20; i++ {
		d := records.Record{"n": i % 5, "c": []string{"a", "b"}[i%2]}
		if i%4 != 0 {
			d["t"] = i % 2
		}
		src = append(src, d)
	}

	base := Options{
		ValidateOptions: ValidateOptions{Target: "t", Thresholds: DefaultThresholds()},
		Estimator:       "e",
	}
	seq, err := Infer(context.Background(), src, base)
	require.NoError(t, err)
	assert.Equal(t, 15, seq.Docs())

	base.Partitions = 3
	par, err := Infer(context.Background(), src, base)
	require.NoError(t, err)

	assert.Equal(t, seq.Types(), par.Types())
	assert.Equal(t, seq.Senses(), par.Senses())
	assert.Equal(t, seq.Defaults(), par.Defaults())
	assert.Equal(t, seq.Rejected(), par.Rejected())
}

// TestBuild_TargetUnobserved verifies the error when nothing carries the target.
func TestBuild_TargetUnobserved(t *testing.T) {
	t.Parallel()

	table := scanDocs(t, records.Record{"a": 1})
	_, _, err := Build(table, Options{ValidateOptions: ValidateOptions{Target: "t"}})
	assert.ErrorIs(t, err, ErrTargetUnobserved)

	_, err = Infer(context.Background(), corpus.Slice{{"a": 1}}, Options{ValidateOptions: ValidateOptions{Target: "t"}})
	assert.ErrorIs(t, err, ErrTargetUnobserved)
}
