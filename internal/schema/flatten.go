package schema

import (
	"fmt"

	"go.uber.org/zap"

	"ahnung/pkg/records"
)

// Flatten walks doc and records every scalar leaf into out under its
// attribute path. It uses a fresh Resolver; see Resolver.Flatten.
func Flatten(prefix string, doc map[string]any, out records.Record, log *zap.Logger) int {
	var r Resolver
	return r.Flatten(prefix, doc, out, log)
}

// Flatten walks doc depth-first and writes path -> canonical value into out.
//
// Rules:
//   - path is prefix + Separator + key, or key alone at the top level.
//   - IDField is skipped at every level.
//   - Nested documents recurse; their own entry is not recorded.
//   - Values that resolve to TypeUnknown are dropped and logged at debug level.
//
// The return value is the number of dropped leaves.
func (r *Resolver) Flatten(prefix string, doc map[string]any, out records.Record, log *zap.Logger) int {
	if log == nil {
		log = zap.NewNop()
	}
	dropped := 0
	for k, raw := range doc {
		if k == IDField {
			continue
		}
		path := k
		if prefix != "" {
			path = prefix + Separator + k
		}

		typ, v := r.Resolve(raw)
		switch typ {
		case TypeNested:
			dropped += r.Flatten(path, v.(map[string]any), out, log)
		case TypeUnknown:
			dropped++
			log.Debug("dropping value of unknown type",
				zap.String("path", path),
				zap.String("go_type", goTypeName(raw)),
			)
		default:
			out[path] = v
		}
	}
	return dropped
}

func goTypeName(v any) string {
	if v == nil {
		return "nil"
	}
	return fmt.Sprintf("%T", v)
}
