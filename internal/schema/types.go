// Package schema defines the canonical value model used across the engine:
// the closed set of attribute types, their senses, value resolution and
// conversion, document flattening, categorical encoders and the frozen
// Snapshot that normalization runs against.
package schema

import (
	"fmt"
	"strings"
	"time"
)

// Type is the canonical type of a resolved value.
type Type int

const (
	TypeUnknown Type = iota
	TypeInt
	TypeLong
	TypeFloat
	TypeString
	TypeDate
	TypeNested
)

// LearningTypes is the fixed scan order used when picking a preferred type.
// The first type reaching the maximum count wins.
var LearningTypes = []Type{TypeInt, TypeLong, TypeFloat, TypeString, TypeDate}

var typeNames = map[Type]string{
	TypeUnknown: "unknown",
	TypeInt:     "int",
	TypeLong:    "long",
	TypeFloat:   "float",
	TypeString:  "string",
	TypeDate:    "date",
	TypeNested:  "dict",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// IsNumeric reports whether values of t feed a numerical attribute.
func (t Type) IsNumeric() bool {
	return t == TypeInt || t == TypeLong || t == TypeFloat
}

// ParseType maps a type name back to its Type. Matching is case-insensitive.
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return TypeUnknown, fmt.Errorf("schema: unknown type %q", s)
}

func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Sense classifies an accepted attribute for learning.
type Sense int

const (
	SenseNone Sense = iota
	SenseNumerical
	SenseCategorical
)

func (s Sense) String() string {
	switch s {
	case SenseNumerical:
		return "numerical"
	case SenseCategorical:
		return "categorical"
	default:
		return "none"
	}
}

// ParseSense maps a sense name back to its Sense.
func ParseSense(s string) (Sense, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "numerical":
		return SenseNumerical, nil
	case "categorical":
		return SenseCategorical, nil
	case "none", "":
		return SenseNone, nil
	default:
		return SenseNone, fmt.Errorf("schema: unknown sense %q", s)
	}
}

func (s Sense) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Sense) UnmarshalText(b []byte) error {
	v, err := ParseSense(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Fill values used when a marker payload cannot be coerced.
const (
	MissingInt    int64   = 0
	MissingFloat  float64 = 0.0
	MissingString string  = ""
)

// MissingDate is the epoch, used for dates that cannot be parsed.
var MissingDate = time.Unix(0, 0).UTC()

const (
	// Separator joins nested keys into an attribute path.
	Separator = "."

	// IDField is the document identifier key. It is never part of a schema.
	IDField = "_id"
)

// ZeroValue returns the canonical zero value for t.
func ZeroValue(t Type) any {
	switch t {
	case TypeInt, TypeLong:
		return MissingInt
	case TypeFloat:
		return MissingFloat
	case TypeDate:
		return MissingDate
	default:
		return MissingString
	}
}
