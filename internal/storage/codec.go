package storage

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"ahnung/internal/schema"
)

// Entry kinds. Every backend persists a snapshot as (kind, path, value)
// triples; the document store uses one collection per kind.
const (
	KindTypes    = "types"
	KindSense    = "sense"
	KindDefaults = "defaults"
	KindReject   = "reject"
	KindEncoders = "encoders"
	KindStats    = "stats"
	KindMeta     = "meta"
)

var kindOrder = map[string]int{
	KindMeta: 0, KindTypes: 1, KindSense: 2, KindDefaults: 3,
	KindEncoders: 4, KindReject: 5, KindStats: 6,
}

// EntryKinds lists every entry kind in storage order.
var EntryKinds = []string{KindMeta, KindTypes, KindSense, KindDefaults, KindEncoders, KindReject, KindStats}

// Entry is one persisted triple. Value is JSON.
type Entry struct {
	Kind  string
	Path  string
	Value []byte
}

type meta struct {
	Version    string    `json:"version"`
	Target     string    `json:"target"`
	CreatedAt  time.Time `json:"created_at"`
	Docs       int       `json:"docs"`
	Attributes []string  `json:"attributes"`
}

// taggedValue keeps the canonical type of a default next to its text, so
// int64(1) and 1.0 survive the round trip.
type taggedValue struct {
	Type schema.Type `json:"type"`
	Text string      `json:"text"`
}

// EncodeValue serializes a canonical value.
func EncodeValue(v any) ([]byte, error) {
	var t schema.Type
	switch v.(type) {
	case int64, int:
		t = schema.TypeInt
	case float64:
		t = schema.TypeFloat
	case string:
		t = schema.TypeString
	case time.Time:
		t = schema.TypeDate
	default:
		return nil, fmt.Errorf("storage: cannot encode %T", v)
	}
	return json.Marshal(taggedValue{Type: t, Text: schema.Text(t, normalizeInt(v))})
}

func normalizeInt(v any) any {
	if i, ok := v.(int); ok {
		return int64(i)
	}
	return v
}

// DecodeValue reverses EncodeValue.
func DecodeValue(b []byte) (any, error) {
	var tv taggedValue
	if err := json.Unmarshal(b, &tv); err != nil {
		return nil, fmt.Errorf("storage: decode value: %w", err)
	}
	switch tv.Type {
	case schema.TypeInt, schema.TypeLong:
		return strconv.ParseInt(tv.Text, 10, 64)
	case schema.TypeFloat:
		return strconv.ParseFloat(tv.Text, 64)
	case schema.TypeString:
		return tv.Text, nil
	case schema.TypeDate:
		return schema.ParseDate(tv.Text)
	default:
		return nil, fmt.Errorf("storage: decode value: unsupported type %s", tv.Type)
	}
}

// EncodeSnapshot flattens snap into entries, sorted by kind then path.
func EncodeSnapshot(snap *schema.Snapshot) ([]Entry, error) {
	p := snap.Parts()
	var out []Entry

	add := func(kind, path string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("storage: encode %s %q: %w", kind, path, err)
		}
		out = append(out, Entry{Kind: kind, Path: path, Value: b})
		return nil
	}

	if err := add(KindMeta, "", meta{
		Version:    p.Version,
		Target:     p.Target,
		CreatedAt:  p.CreatedAt.UTC(),
		Docs:       p.Docs,
		Attributes: p.Attributes,
	}); err != nil {
		return nil, err
	}
	for path, t := range p.Types {
		if err := add(KindTypes, path, t); err != nil {
			return nil, err
		}
	}
	for path, s := range p.Senses {
		if err := add(KindSense, path, s); err != nil {
			return nil, err
		}
	}
	for path, v := range p.Defaults {
		b, err := EncodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("storage: encode default %q: %w", path, err)
		}
		out = append(out, Entry{Kind: KindDefaults, Path: path, Value: b})
	}
	for path, labels := range p.Encoders {
		if err := add(KindEncoders, path, labels); err != nil {
			return nil, err
		}
	}
	for path, r := range p.Rejected {
		if err := add(KindReject, path, r); err != nil {
			return nil, err
		}
	}
	for path, s := range p.Stats {
		if err := add(KindStats, path, s); err != nil {
			return nil, err
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return kindOrder[out[i].Kind] < kindOrder[out[j].Kind]
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

// DecodeSnapshot rebuilds a snapshot from entries in any order.
//
// Errors:
//   - ErrSnapshotNotFound when entries is empty.
//   - A missing meta entry, an unknown kind or a malformed value.
func DecodeSnapshot(estimator string, entries []Entry) (*schema.Snapshot, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrSnapshotNotFound, estimator)
	}
	p := schema.Parts{
		Estimator: estimator,
		Types:     map[string]schema.Type{},
		Senses:    map[string]schema.Sense{},
		Defaults:  map[string]any{},
		Encoders:  map[string][]string{},
		Rejected:  map[string]schema.Rejection{},
		Stats:     map[string]schema.AttributeSummary{},
	}

	seenMeta := false
	for _, e := range entries {
		var err error
		switch e.Kind {
		case KindMeta:
			var m meta
			err = json.Unmarshal(e.Value, &m)
			p.Version, p.Target, p.CreatedAt, p.Docs, p.Attributes = m.Version, m.Target, m.CreatedAt, m.Docs, m.Attributes
			seenMeta = true
		case KindTypes:
			var t schema.Type
			err = json.Unmarshal(e.Value, &t)
			p.Types[e.Path] = t
		case KindSense:
			var s schema.Sense
			err = json.Unmarshal(e.Value, &s)
			p.Senses[e.Path] = s
		case KindDefaults:
			var v any
			v, err = DecodeValue(e.Value)
			p.Defaults[e.Path] = v
		case KindEncoders:
			var labels []string
			err = json.Unmarshal(e.Value, &labels)
			p.Encoders[e.Path] = labels
		case KindReject:
			var r schema.Rejection
			err = json.Unmarshal(e.Value, &r)
			p.Rejected[e.Path] = r
		case KindStats:
			var s schema.AttributeSummary
			err = json.Unmarshal(e.Value, &s)
			p.Stats[e.Path] = s
		default:
			err = fmt.Errorf("unknown kind %q", e.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("storage: decode %s %s %q: %w", estimator, e.Kind, e.Path, err)
		}
	}
	if !seenMeta {
		return nil, fmt.Errorf("storage: snapshot %q has no meta entry", estimator)
	}
	if p.Attributes == nil {
		p.Attributes = []string{}
	}
	return schema.NewSnapshot(p)
}
