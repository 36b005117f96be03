package schema

import (
	"math"
	"strconv"
	"strings"
	"time"

	"ahnung/pkg/records"
)

// Extended JSON markers unwrapped by the resolver. A marker is recognized only
// when it is the single key of its map.
const (
	markerDouble = "$numberDouble"
	markerLong   = "$numberLong"
	markerInt    = "$numberInt"
	markerDate   = "$date"
)

// numberLike matches json.Number from both encoding/json and goccy/go-json
// without binding the schema package to either decoder.
type numberLike interface {
	Int64() (int64, error)
	Float64() (float64, error)
	String() string
}

// Resolver classifies raw values into the closed type set and returns their
// canonical form. It never fails: marker payloads that cannot be coerced
// resolve to the Missing* fill value and bump Failures.
//
// A Resolver is not safe for concurrent use; callers keep one per goroutine.
type Resolver struct {
	Failures int
}

// Resolve classifies v with a throwaway Resolver.
func Resolve(v any) (Type, any) {
	var r Resolver
	return r.Resolve(v)
}

// Resolve returns the canonical type and value for v.
//
// Mapping:
//   - Go integers and bool (1/0) -> TypeInt, int64
//   - float32/float64 -> TypeFloat, float64
//   - json.Number -> TypeInt when the text is integral, otherwise TypeFloat
//   - string -> TypeString
//   - time.Time -> TypeDate, UTC
//   - single-key marker maps -> unwrapped and coerced
//   - other maps -> TypeNested, map[string]any
//   - anything else (nil, slices, ...) -> TypeUnknown
func (r *Resolver) Resolve(v any) (Type, any) {
	switch t := v.(type) {
	case nil:
		return TypeUnknown, nil
	case bool:
		if t {
			return TypeInt, int64(1)
		}
		return TypeInt, int64(0)
	case int:
		return TypeInt, int64(t)
	case int8:
		return TypeInt, int64(t)
	case int16:
		return TypeInt, int64(t)
	case int32:
		return TypeInt, int64(t)
	case int64:
		return TypeInt, t
	case uint8:
		return TypeInt, int64(t)
	case uint16:
		return TypeInt, int64(t)
	case uint32:
		return TypeInt, int64(t)
	case uint:
		if uint64(t) > math.MaxInt64 {
			return TypeFloat, float64(t)
		}
		return TypeInt, int64(t)
	case uint64:
		if t > math.MaxInt64 {
			return TypeFloat, float64(t)
		}
		return TypeInt, int64(t)
	case float32:
		return TypeFloat, float64(t)
	case float64:
		return TypeFloat, t
	case string:
		return TypeString, t
	case time.Time:
		return TypeDate, t.UTC()
	case map[string]any:
		return r.resolveMap(t)
	case records.Record:
		return r.resolveMap(map[string]any(t))
	case numberLike:
		return resolveNumber(t)
	default:
		return TypeUnknown, v
	}
}

func resolveNumber(n numberLike) (Type, any) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := n.Int64(); err == nil {
			return TypeInt, i
		}
	}
	if f, err := n.Float64(); err == nil {
		return TypeFloat, f
	}
	return TypeUnknown, s
}

func (r *Resolver) resolveMap(m map[string]any) (Type, any) {
	if len(m) == 1 {
		for k, inner := range m {
			switch k {
			case markerDouble:
				f, err := toFloat(inner)
				if err != nil {
					r.Failures++
					return TypeFloat, MissingFloat
				}
				return TypeFloat, f
			case markerLong, markerInt:
				i, err := toInt(inner)
				if err != nil {
					r.Failures++
					return TypeInt, MissingInt
				}
				return TypeInt, i
			case markerDate:
				d, err := toDate(inner)
				if err != nil {
					r.Failures++
					return TypeDate, MissingDate
				}
				return TypeDate, d
			}
		}
	}
	return TypeNested, m
}

// toDate accepts an ISO-8601 string or milliseconds since the epoch, either
// as a number or wrapped in a $numberLong marker.
func toDate(v any) (time.Time, error) {
	switch t := v.(type) {
	case string:
		return ParseDate(t)
	case time.Time:
		return t.UTC(), nil
	case map[string]any:
		if inner, ok := t[markerLong]; ok && len(t) == 1 {
			ms, err := toInt(inner)
			if err != nil {
				return time.Time{}, err
			}
			return time.UnixMilli(ms).UTC(), nil
		}
		return time.Time{}, ErrConversion
	default:
		ms, err := toInt(v)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02.01.2006 15:04:05",
	"02.01.2006",
}

// ParseDate parses the ISO-8601 variants seen in document stores. Results
// without a zone are taken as UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, lay := range dateLayouts {
		if t, err := time.Parse(lay, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, ErrConversion
}

// Text returns the canonical text of a resolved value. It keys value
// histograms and categorical labels, so it must be stable across runs.
func Text(t Type, v any) string {
	switch t {
	case TypeInt, TypeLong:
		if i, ok := v.(int64); ok {
			return strconv.FormatInt(i, 10)
		}
	case TypeFloat:
		if f, ok := v.(float64); ok {
			return FormatFloat(f)
		}
	case TypeString:
		if s, ok := v.(string); ok {
			return s
		}
	case TypeDate:
		if d, ok := v.(time.Time); ok {
			return d.UTC().Format(time.RFC3339Nano)
		}
	}
	return ConvertString(v)
}

// FormatFloat renders f the way document stores print doubles: integral values
// keep a trailing ".0", very large or very small magnitudes use an exponent.
func FormatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	abs := math.Abs(f)
	if abs != 0 && (abs >= 1e16 || abs < 1e-4) {
		return strconv.FormatFloat(f, 'e', -1, 64)
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
