package schema

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Convert coerces a canonical value into the canonical form of t.
// It returns ErrConversion when no bounded conversion exists.
func Convert(t Type, v any) (any, error) {
	switch t {
	case TypeInt, TypeLong:
		return ConvertInt(v)
	case TypeFloat:
		return ConvertFloat(v)
	case TypeDate:
		return ConvertDate(v)
	case TypeString:
		return ConvertString(v), nil
	default:
		return nil, fmt.Errorf("%w: no conversion to %s", ErrConversion, t)
	}
}

// ConvertInt truncates floats toward zero and parses decimal integer strings.
// Strings carrying a fraction are not integers and fail.
func ConvertInt(v any) (int64, error) {
	return toInt(v)
}

// ConvertFloat widens integers and parses float strings.
func ConvertFloat(v any) (float64, error) {
	return toFloat(v)
}

// ConvertDate parses ISO-8601 strings; integers are read as Unix seconds.
func ConvertDate(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return ParseDate(t)
	case int64:
		return time.Unix(t, 0).UTC(), nil
	case int:
		return time.Unix(int64(t), 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %T to date", ErrConversion, v)
	}
}

// ConvertString renders any canonical value as text. It never fails.
func ConvertString(v any) string {
	switch t := v.(type) {
	case nil:
		return MissingString
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		return FormatFloat(t)
	case float32:
		return FormatFloat(float64(t))
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}

func toInt(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case float64:
		return truncFloat(t)
	case float32:
		return truncFloat(float64(t))
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not an integer", ErrConversion, t)
		}
		return i, nil
	case numberLike:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrConversion, t.String())
		}
		return truncFloat(f)
	default:
		return 0, fmt.Errorf("%w: %T to int", ErrConversion, v)
	}
}

func truncFloat(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("%w: %v out of integer range", ErrConversion, f)
	}
	return int64(f), nil
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a float", ErrConversion, t)
		}
		return f, nil
	case numberLike:
		f, err := t.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrConversion, t.String())
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: %T to float", ErrConversion, v)
	}
}

// IsIntString reports whether s parses as a decimal integer.
func IsIntString(s string) bool {
	_, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return err == nil
}

// IsFloatString reports whether s parses as a float.
func IsFloatString(s string) bool {
	_, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return err == nil
}
