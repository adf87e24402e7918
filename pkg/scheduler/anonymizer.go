package scheduler

import "context"

// Anonymizer runs the weekly data-anonymization pass. Its business rules —
// which fields get masked, for which entities — are an external concern
// this scheduler only triggers on a cadence; NoopAnonymizer is the default
// when no real implementation is wired in.
type Anonymizer interface {
	Run(ctx context.Context) error
}

// NoopAnonymizer satisfies Anonymizer without doing anything, for
// deployments where ENABLE_DATA_ANONYMIZATION is off.
type NoopAnonymizer struct{}

func (NoopAnonymizer) Run(ctx context.Context) error { return nil }
