package probe

import (
	"go.uber.org/zap"

	"ahnung/internal/schema"
)

// Reject reasons recorded for dropped attributes.
const (
	ReasonSingleValue          = "feature has only one value"
	ReasonInsufficientPresence = "feature is missing in too many instances"
	ReasonTooManyCategories    = "feature type not enough numeric instances and too many distinct values for categorical encoding"
)

// Thresholds bound which attributes survive validation.
type Thresholds struct {
	// MinPresent is the presence ratio an attribute must exceed.
	MinPresent float64 `json:"attr_type_min_present" yaml:"attr_type_min_present"`
	// MinTypeAlignment is the ratio the preferred type must exceed.
	MinTypeAlignment float64 `json:"attr_type_min_typealign" yaml:"attr_type_min_typealign"`
	// MaxCategorical is the largest distinct-value count encoded as categorical.
	MaxCategorical int `json:"max_categorical_values" yaml:"max_categorical_values"`
}

// DefaultThresholds returns 0.8 / 0.8 / 10.
func DefaultThresholds() Thresholds {
	return Thresholds{MinPresent: 0.8, MinTypeAlignment: 0.8, MaxCategorical: 10}
}

// ValidateOptions describes the estimator a schema is built for.
type ValidateOptions struct {
	Target           string
	IsRegression     bool
	IsClassification bool
	Thresholds       Thresholds
	Log              *zap.Logger
}

// Decision is the outcome for one path.
type Decision struct {
	Path      string
	Accepted  bool
	Type      schema.Type
	Sense     schema.Sense
	Preferred schema.Type
	Reason    string
	Encoder   *schema.Encoder
}

// Validation holds the decisions for every path of a table.
type Validation struct {
	Target    string
	Docs      int
	Decisions []Decision // sorted by path
	Types     map[string]schema.Type
	Senses    map[string]schema.Sense
	Modes     map[string]ValueKey
	Encoders  map[string]*schema.Encoder
	Rejected  map[string]schema.Rejection
}

// Features returns the accepted non-target paths in sorted order.
func (v *Validation) Features() []string {
	out := make([]string, 0, len(v.Decisions))
	for _, d := range v.Decisions {
		if d.Accepted && d.Path != v.Target {
			out = append(out, d.Path)
		}
	}
	return out
}

// effectiveCounts extends the native int and float counts with the strings
// that coerce to them. Integer strings count for both.
func effectiveCounts(st *AttributeStats) map[schema.Type]int {
	out := make(map[schema.Type]int, len(schema.LearningTypes))
	for _, t := range schema.LearningTypes {
		out[t] = st.Types[t]
	}
	out[schema.TypeInt] += st.IntStr
	out[schema.TypeFloat] += st.IntStr + st.FloatStr
	return out
}

// preferredType scans the learning types in fixed order and returns the
// first one reaching the maximum count.
func preferredType(counts map[schema.Type]int) (schema.Type, int) {
	best, top := schema.TypeUnknown, 0
	for _, t := range schema.LearningTypes {
		if counts[t] > top {
			best, top = t, counts[t]
		}
	}
	return best, top
}

// IsContinuous reports whether a target with stats st suits regression: its
// preferred type is numeric and it takes more than th.MaxCategorical values.
func IsContinuous(st *AttributeStats, th Thresholds) bool {
	if st == nil {
		return false
	}
	typ, _ := preferredType(effectiveCounts(st))
	return typ.IsNumeric() && st.Unique() > th.MaxCategorical
}

// Validate decides type and sense for every path in table.
//
// Rules, per path:
//   - An attribute is sufficient when it has more than one distinct value and
//     its presence ratio exceeds MinPresent.
//   - The preferred type counts only when its ratio exceeds MinTypeAlignment.
//   - The target is always kept: Float/Numerical for regression, otherwise
//     the preferred type (or Int) as Categorical. Classification forces
//     String/Categorical with an encoder over the distinct value texts.
//   - Other paths: sufficient with a numeric preferred type -> Numerical;
//     sufficient with at most MaxCategorical values -> String/Categorical with
//     an encoder; anything else is rejected with a reason.
func Validate(table *Table, opts ValidateOptions) *Validation {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	th := opts.Thresholds

	v := &Validation{
		Target:   opts.Target,
		Docs:     table.Docs,
		Types:    make(map[string]schema.Type),
		Senses:   make(map[string]schema.Sense),
		Modes:    make(map[string]ValueKey),
		Encoders: make(map[string]*schema.Encoder),
		Rejected: make(map[string]schema.Rejection),
	}
	docs := float64(table.Docs)
	if docs <= 0 {
		docs = 1
	}

	for _, path := range table.Paths() {
		st := table.Attrs[path]
		unique := st.Unique()

		reason := ""
		sufficient := false
		if unique > 1 {
			sufficient = float64(st.Present)/docs > th.MinPresent
			if !sufficient {
				reason = ReasonInsufficientPresence
			}
		} else {
			reason = ReasonSingleValue
		}

		counts := effectiveCounts(st)
		pref, top := preferredType(counts)
		if float64(top)/docs <= th.MinTypeAlignment {
			pref = schema.TypeUnknown
		}

		d := Decision{Path: path, Preferred: pref}
		switch {
		case path == opts.Target:
			d.Accepted = true
			switch {
			case opts.IsRegression:
				d.Type, d.Sense = schema.TypeFloat, schema.SenseNumerical
			case pref != schema.TypeUnknown:
				d.Type, d.Sense = pref, schema.SenseCategorical
			default:
				d.Type, d.Sense = schema.TypeInt, schema.SenseCategorical
			}
			if opts.IsClassification {
				d.Type, d.Sense = schema.TypeString, schema.SenseCategorical
				d.Encoder = schema.NewEncoder(st.Labels())
			}

		case sufficient && pref.IsNumeric():
			d.Accepted = true
			d.Type, d.Sense = pref, schema.SenseNumerical

		case sufficient && unique <= th.MaxCategorical:
			d.Accepted = true
			d.Type, d.Sense = schema.TypeString, schema.SenseCategorical
			d.Encoder = schema.NewEncoder(st.Labels())

		default:
			if sufficient {
				reason = ReasonTooManyCategories
			}
			d.Reason = reason
		}

		v.Decisions = append(v.Decisions, d)
		if !d.Accepted {
			v.Rejected[path] = schema.Rejection{
				Present:    st.Present,
				Unique:     unique,
				Reason:     reason,
				TypeCounts: counts,
			}
			log.Debug("attribute rejected",
				zap.String("path", path),
				zap.String("reason", reason),
				zap.Int("present", st.Present),
				zap.Int("unique", unique),
			)
			continue
		}

		v.Types[path] = d.Type
		v.Senses[path] = d.Sense
		if d.Encoder != nil {
			v.Encoders[path] = d.Encoder
		}
		if mode, _, ok := st.Mode(); ok {
			v.Modes[path] = mode
		}
	}
	return v
}
