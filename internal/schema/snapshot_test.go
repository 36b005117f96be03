package schema

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEncoder_RoundTrip verifies decode(encode(v)) == v and sorted codes.
func TestEncoder_RoundTrip(t *testing.T) {
	t.Parallel()

	e := NewEncoder([]string{"y", "x", "z", "x"})
	assert.Equal(t, []string{"x", "y", "z"}, e.Labels())

	for _, l := range []string{"x", "y", "z"} {
		code, err := e.Encode(l)
		require.NoError(t, err)
		back, err := e.Decode(code)
		require.NoError(t, err)
		assert.Equal(t, l, back)
	}

	first, ok := e.First()
	assert.True(t, ok)
	assert.Equal(t, "x", first)

	_, err := e.Encode("w")
	assert.ErrorIs(t, err, ErrUnknownLabel)
	_, err = e.Decode(3)
	assert.ErrorIs(t, err, ErrUnknownLabel)
}

func validParts() Parts {
	return Parts{
		Estimator:  "est",
		Target:     "t",
		Attributes: []string{"a", "b"},
		Types:      map[string]Type{"a": TypeInt, "b": TypeString, "t": TypeString},
		Senses:     map[string]Sense{"a": SenseNumerical, "b": SenseCategorical, "t": SenseCategorical},
		Defaults:   map[string]any{"a": 1.5, "b": "x", "t": "no"},
		Encoders:   map[string][]string{"b": {"y", "x"}, "t": {"yes", "no"}},
	}
}

// TestNewSnapshot_FreezesCopy verifies that later edits to the parts do not
// leak into the snapshot and that accessors return copies.
func TestNewSnapshot_FreezesCopy(t *testing.T) {
	t.Parallel()

	p := validParts()
	s, err := NewSnapshot(p)
	require.NoError(t, err)

	_, err = uuid.Parse(s.Version())
	assert.NoError(t, err)
	assert.False(t, s.CreatedAt().IsZero())

	p.Attributes[0] = "mutated"
	p.Types["a"] = TypeDate

	assert.Equal(t, []string{"a", "b"}, s.Attributes())
	typ, ok := s.Type("a")
	assert.True(t, ok)
	assert.Equal(t, TypeInt, typ)

	attrs := s.Attributes()
	attrs[0] = "changed"
	assert.Equal(t, "a", s.Attributes()[0])

	assert.Equal(t, []string{"a", "b", "t"}, s.TrainingAttributes())
	assert.Equal(t, []string{"no", "yes"}, s.TargetLabels())

	label, err := s.DecodeTarget(1)
	require.NoError(t, err)
	assert.Equal(t, "yes", label)
}

// TestNewSnapshot_Invariants verifies rejected inputs.
func TestNewSnapshot_Invariants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(p *Parts)
	}{
		{name: "no_target", mutate: func(p *Parts) { p.Target = "" }},
		{name: "target_untyped", mutate: func(p *Parts) { delete(p.Types, "t") }},
		{name: "target_as_feature", mutate: func(p *Parts) { p.Attributes = append(p.Attributes, "t") }},
		{name: "duplicate", mutate: func(p *Parts) { p.Attributes = []string{"a", "a"} }},
		{name: "no_default", mutate: func(p *Parts) { delete(p.Defaults, "b") }},
		{name: "no_sense", mutate: func(p *Parts) { delete(p.Senses, "a") }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := validParts()
			tt.mutate(&p)
			_, err := NewSnapshot(p)
			assert.Error(t, err)
		})
	}
}
