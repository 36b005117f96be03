package schema

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Rejection is the diagnostic kept for an attribute dropped by validation.
// TypeCounts holds the effective per-type counts the decision was made on.
type Rejection struct {
	Present    int          `json:"present_count"`
	Unique     int          `json:"unique_count"`
	Reason     string       `json:"reject_reason"`
	TypeCounts map[Type]int `json:"type_counts,omitempty"`
}

// AttributeSummary is the reduced statistics projection persisted per path.
type AttributeSummary struct {
	Present  int    `json:"present_count"`
	Unique   int    `json:"unique_count"`
	Mode     string `json:"attr_mode"`
	ModeType Type   `json:"attr_mode_type"`
	IntStr   int    `json:"attr_intstr"`
	FloatStr int    `json:"attr_floatstr"`
}

// Parts is the mutable, serializable form of a Snapshot. Stores and the
// schema builder exchange Parts; everything else reads a Snapshot.
type Parts struct {
	Version    string
	Estimator  string
	Target     string
	CreatedAt  time.Time
	Docs       int
	Attributes []string
	Types      map[string]Type
	Senses     map[string]Sense
	Defaults   map[string]any
	Encoders   map[string][]string
	Rejected   map[string]Rejection
	Stats      map[string]AttributeSummary
}

// Snapshot is the frozen schema of one estimator. It is immutable once built;
// accessors hand out copies.
//
// The target is present in the type and sense maps but never in Attributes.
type Snapshot struct {
	p        Parts
	encoders map[string]*Encoder
}

// NewSnapshot validates p and freezes a deep copy of it.
//
// Edge cases:
//   - An empty Version gets a fresh UUID; a zero CreatedAt gets the current time.
//   - Attributes are kept in the given order; duplicates are an error.
//
// Errors:
//   - Target missing, or missing from Types/Senses.
//   - Target listed in Attributes.
//   - An attribute without a type, sense or default.
func NewSnapshot(p Parts) (*Snapshot, error) {
	if p.Target == "" {
		return nil, fmt.Errorf("schema: snapshot %q has no target", p.Estimator)
	}
	if _, ok := p.Types[p.Target]; !ok {
		return nil, fmt.Errorf("schema: target %q has no type", p.Target)
	}
	if _, ok := p.Senses[p.Target]; !ok {
		return nil, fmt.Errorf("schema: target %q has no sense", p.Target)
	}

	seen := make(map[string]struct{}, len(p.Attributes))
	for _, a := range p.Attributes {
		if a == p.Target {
			return nil, fmt.Errorf("schema: target %q must not be a feature attribute", a)
		}
		if _, dup := seen[a]; dup {
			return nil, fmt.Errorf("schema: duplicate attribute %q", a)
		}
		seen[a] = struct{}{}
		if _, ok := p.Types[a]; !ok {
			return nil, fmt.Errorf("schema: attribute %q has no type", a)
		}
		if _, ok := p.Senses[a]; !ok {
			return nil, fmt.Errorf("schema: attribute %q has no sense", a)
		}
		if _, ok := p.Defaults[a]; !ok {
			return nil, fmt.Errorf("schema: attribute %q has no default", a)
		}
	}

	cp := copyParts(p)
	if cp.Version == "" {
		cp.Version = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	encs := make(map[string]*Encoder, len(cp.Encoders))
	for path, labels := range cp.Encoders {
		encs[path] = NewEncoder(labels)
	}
	return &Snapshot{p: cp, encoders: encs}, nil
}

func (s *Snapshot) Version() string      { return s.p.Version }
func (s *Snapshot) Estimator() string    { return s.p.Estimator }
func (s *Snapshot) Target() string       { return s.p.Target }
func (s *Snapshot) CreatedAt() time.Time { return s.p.CreatedAt }
func (s *Snapshot) Docs() int            { return s.p.Docs }

// Len is the number of feature attributes.
func (s *Snapshot) Len() int { return len(s.p.Attributes) }

// Attributes returns the ordered feature paths, target excluded.
func (s *Snapshot) Attributes() []string {
	return append([]string(nil), s.p.Attributes...)
}

// TrainingAttributes returns the feature paths followed by the target.
func (s *Snapshot) TrainingAttributes() []string {
	out := make([]string, 0, len(s.p.Attributes)+1)
	out = append(out, s.p.Attributes...)
	return append(out, s.p.Target)
}

func (s *Snapshot) Type(path string) (Type, bool) {
	t, ok := s.p.Types[path]
	return t, ok
}

func (s *Snapshot) Sense(path string) (Sense, bool) {
	v, ok := s.p.Senses[path]
	return v, ok
}

func (s *Snapshot) Default(path string) (any, bool) {
	v, ok := s.p.Defaults[path]
	return v, ok
}

// Encoder returns the categorical encoder for path, or nil.
// Encoders are read-only and may be shared.
func (s *Snapshot) Encoder(path string) *Encoder {
	return s.encoders[path]
}

func (s *Snapshot) Types() map[string]Type        { return copyMap(s.p.Types) }
func (s *Snapshot) Senses() map[string]Sense      { return copyMap(s.p.Senses) }
func (s *Snapshot) Defaults() map[string]any      { return copyMap(s.p.Defaults) }
func (s *Snapshot) Rejected() map[string]Rejection { return copyRejected(s.p.Rejected) }

func (s *Snapshot) Stats() map[string]AttributeSummary { return copyMap(s.p.Stats) }

// Parts returns a deep copy suitable for persisting.
func (s *Snapshot) Parts() Parts { return copyParts(s.p) }

// TargetLabels returns the class labels of a classification target in code
// order, or nil when the target has no encoder.
func (s *Snapshot) TargetLabels() []string {
	if e := s.encoders[s.p.Target]; e != nil {
		return e.Labels()
	}
	return nil
}

// DecodeTarget maps a predicted class code back to its label.
func (s *Snapshot) DecodeTarget(code int) (string, error) {
	e := s.encoders[s.p.Target]
	if e == nil {
		return "", fmt.Errorf("schema: target %q is not categorical", s.p.Target)
	}
	return e.Decode(code)
}

// RejectedPaths returns the rejected attribute paths in sorted order.
func (s *Snapshot) RejectedPaths() []string {
	out := make([]string, 0, len(s.p.Rejected))
	for p := range s.p.Rejected {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyRejected(in map[string]Rejection) map[string]Rejection {
	out := make(map[string]Rejection, len(in))
	for k, v := range in {
		v.TypeCounts = copyMap(v.TypeCounts)
		out[k] = v
	}
	return out
}

func copyParts(p Parts) Parts {
	out := p
	out.Attributes = append([]string(nil), p.Attributes...)
	out.Types = copyMap(p.Types)
	out.Senses = copyMap(p.Senses)
	out.Defaults = copyMap(p.Defaults)
	out.Rejected = copyRejected(p.Rejected)
	out.Stats = copyMap(p.Stats)
	out.Encoders = make(map[string][]string, len(p.Encoders))
	for k, v := range p.Encoders {
		out.Encoders[k] = append([]string(nil), v...)
	}
	return out
}
