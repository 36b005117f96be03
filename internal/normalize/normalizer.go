package normalize

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ahnung/internal/metrics"
	"ahnung/internal/schema"
	"ahnung/pkg/records"
)

// Counts reports how many records a Normalizer accepted and why it rejected
// the others.
type Counts struct {
	Accepted        int64 `json:"accepted"`
	TargetMissing   int64 `json:"target_missing"`
	Unresolved      int64 `json:"unresolved"`
	TooManyDefaults int64 `json:"too_many_defaults"`
	DefaultsUsed    int64 `json:"defaults_used"`
}

// Rejected is the sum of all rejection causes.
func (c Counts) Rejected() int64 { return c.TargetMissing + c.Unresolved + c.TooManyDefaults }

// Normalizer applies Record with the maps of one snapshot. It is safe for
// concurrent use.
type Normalizer struct {
	snap     *schema.Snapshot
	types    map[string]schema.Type
	defaults map[string]any
	log      *zap.Logger

	accepted        atomic.Int64
	targetMissing   atomic.Int64
	unresolved      atomic.Int64
	tooManyDefaults atomic.Int64
	defaultsUsed    atomic.Int64
}

// New binds a Normalizer to snap. A nil log discards output.
func New(snap *schema.Snapshot, log *zap.Logger) *Normalizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Normalizer{
		snap:     snap,
		types:    snap.Types(),
		defaults: snap.Defaults(),
		log:      log.With(zap.String("estimator", snap.Estimator())),
	}
}

// Snapshot returns the bound snapshot.
func (n *Normalizer) Snapshot() *schema.Snapshot { return n.snap }

// Training flattens doc and normalizes it against the features plus the
// target. A missing target rejects the record.
func (n *Normalizer) Training(doc map[string]any) (*Result, error) {
	return n.run("training", doc, n.snap.TrainingAttributes(), n.snap.Target())
}

// Inference flattens doc and normalizes it against the features only.
func (n *Normalizer) Inference(doc map[string]any) (*Result, error) {
	return n.run("inference", doc, n.snap.Attributes(), "")
}

func (n *Normalizer) run(mode string, doc map[string]any, paths []string, target string) (*Result, error) {
	start := time.Now()
	flat := make(records.Record, len(paths))
	schema.Flatten("", doc, flat, n.log)

	res, err := Record(flat, paths, n.types, n.defaults, target)
	metrics.RecordStep("normalize_"+mode, metrics.StatusOf(err), time.Since(start))
	if err != nil {
		kind := n.countRejection(err)
		metrics.RecordRecords("rejected_"+kind, 1)
		n.log.Debug("record rejected", zap.String("mode", mode), zap.String("cause", kind), zap.Error(err))
		return nil, err
	}

	n.accepted.Add(1)
	n.defaultsUsed.Add(int64(res.DefaultsUsed))
	metrics.RecordRecords("accepted", 1)
	return res, nil
}

func (n *Normalizer) countRejection(err error) string {
	switch {
	case errors.Is(err, ErrTargetMissing):
		n.targetMissing.Add(1)
		return "target_missing"
	case errors.Is(err, ErrUnresolvedValue):
		n.unresolved.Add(1)
		return "unresolved"
	case errors.Is(err, ErrTooManyDefaults):
		n.tooManyDefaults.Add(1)
		return "too_many_defaults"
	default:
		return "other"
	}
}

// Counts returns a snapshot of the counters.
func (n *Normalizer) Counts() Counts {
	return Counts{
		Accepted:        n.accepted.Load(),
		TargetMissing:   n.targetMissing.Load(),
		Unresolved:      n.unresolved.Load(),
		TooManyDefaults: n.tooManyDefaults.Load(),
		DefaultsUsed:    n.defaultsUsed.Load(),
	}
}

// Encode maps a result to numbers for a learner.
//
// Numerical values become float64, dates Unix seconds. Categorical values
// with an encoder become their label code; without one (an integer target)
// they are used as numbers. A label the encoder never saw is an error.
func (n *Normalizer) Encode(res *Result, paths []string) ([]float64, error) {
	if len(res.Values) != len(paths) {
		return nil, fmt.Errorf("normalize: encode: %d values for %d paths", len(res.Values), len(paths))
	}
	out := make([]float64, len(paths))
	for i, path := range paths {
		v := res.Values[i]
		if enc := n.snap.Encoder(path); enc != nil {
			code, err := enc.Encode(schema.ConvertString(v))
			if err != nil {
				return nil, fmt.Errorf("normalize: encode %q: %w", path, err)
			}
			out[i] = float64(code)
			continue
		}
		f, err := toNumber(v)
		if err != nil {
			return nil, fmt.Errorf("normalize: encode %q: %w", path, err)
		}
		out[i] = f
	}
	return out, nil
}

func toNumber(v any) (float64, error) {
	switch t := v.(type) {
	case time.Time:
		return float64(t.Unix()), nil
	case string:
		return 0, fmt.Errorf("%w: text %q without encoder", schema.ErrConversion, t)
	default:
		return schema.ConvertFloat(v)
	}
}
