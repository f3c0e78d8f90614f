package integrate

import "fmt"

// IncompatibleFeatureSpaceError reports two datasets with no features in
// common; integration between them is meaningless.
type IncompatibleFeatureSpaceError struct {
	Ref           string
	Query         string
	RefFeatures   int
	QueryFeatures int
}

func (e *IncompatibleFeatureSpaceError) Error() string {
	return fmt.Sprintf("no shared features between reference %q (%d features) and query %q (%d features)",
		e.Ref, e.RefFeatures, e.Query, e.QueryFeatures)
}

// InsufficientSamplesError reports a dataset too small for the requested
// neighborhood size. The dataset itself remains valid for its own
// downstream use.
type InsufficientSamplesError struct {
	Dataset string
	Samples int
	K       int
}

func (e *InsufficientSamplesError) Error() string {
	return fmt.Sprintf("dataset %q has %d samples, fewer than the %d neighbors requested for anchor finding",
		e.Dataset, e.Samples, e.K)
}
