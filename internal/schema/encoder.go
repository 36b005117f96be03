package schema

import (
	"fmt"
	"sort"
)

// Encoder maps categorical labels to dense integer codes. Labels are sorted
// lexicographically, so code 0 is the smallest label and the mapping does
// not depend on the order values were observed in.
type Encoder struct {
	labels []string
	codes  map[string]int
}

// NewEncoder builds an encoder over the distinct labels in labels.
func NewEncoder(labels []string) *Encoder {
	seen := make(map[string]struct{}, len(labels))
	uniq := make([]string, 0, len(labels))
	for _, l := range labels {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		uniq = append(uniq, l)
	}
	sort.Strings(uniq)

	codes := make(map[string]int, len(uniq))
	for i, l := range uniq {
		codes[l] = i
	}
	return &Encoder{labels: uniq, codes: codes}
}

// Labels returns the labels in code order.
func (e *Encoder) Labels() []string {
	return append([]string(nil), e.labels...)
}

// Len returns the number of labels.
func (e *Encoder) Len() int { return len(e.labels) }

// Encode returns the code for label.
func (e *Encoder) Encode(label string) (int, error) {
	c, ok := e.codes[label]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownLabel, label)
	}
	return c, nil
}

// Decode returns the label for code.
func (e *Encoder) Decode(code int) (string, error) {
	if code < 0 || code >= len(e.labels) {
		return "", fmt.Errorf("%w: code %d out of range [0,%d)", ErrUnknownLabel, code, len(e.labels))
	}
	return e.labels[code], nil
}

// First returns the label with code 0, or false for an empty encoder.
func (e *Encoder) First() (string, bool) {
	if len(e.labels) == 0 {
		return "", false
	}
	return e.labels[0], true
}
