package schema

import "errors"

var (
	// ErrValueUnresolved is reported for values outside the closed type set.
	ErrValueUnresolved = errors.New("schema: value type not recognized")

	// ErrConversion is returned when a value cannot be converted to a required type.
	ErrConversion = errors.New("schema: value conversion failed")

	// ErrRecordRejected marks a record dropped during normalization.
	ErrRecordRejected = errors.New("schema: record rejected")

	// ErrUnknownLabel is returned when a categorical value has no encoder code.
	ErrUnknownLabel = errors.New("schema: label not known to encoder")
)
