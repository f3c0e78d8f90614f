// Package data defines the error taxonomy shared by the dataset loaders.
// All three error kinds are fatal: they abort a run before any computation
// happens, and each message names the dataset, the offending input and the
// cardinality mismatch observed.
package data

import "fmt"

// MissingFileError reports a required input that could not be located.
type MissingFileError struct {
	Dataset string
	Path    string
	Err     error
}

func (e *MissingFileError) Error() string {
	return fmt.Sprintf("dataset %q: required input %s not found: %v", e.Dataset, e.Path, e.Err)
}

func (e *MissingFileError) Unwrap() error { return e.Err }

// FormatError reports a malformed input: a matrix whose dimensions do not
// match its identifier lists, an unparsable header, or an entry out of
// range.
type FormatError struct {
	Dataset string
	Source  string
	Detail  string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("dataset %q: malformed %s: %s", e.Dataset, e.Source, e.Detail)
}

// SchemaError reports inputs that parse individually but do not index the
// same sample set (e.g. a cell present in the metadata table but absent
// from the count matrix).
type SchemaError struct {
	Dataset string
	Source  string
	Detail  string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("dataset %q: inconsistent %s: %s", e.Dataset, e.Source, e.Detail)
}
