// Package detect runs the detection pipeline: four independent checks
// evaluated concurrently against one transaction, with the first
// failing check by priority order deciding the verdict.
package detect

import "github.com/sentrywall/sentrywall/pkg/event"

// CheckResult is the verdict of a single detector. Matched=false
// implies an empty classifier list.
type CheckResult struct {
	Matched     bool
	Classifiers []event.Classifier
}

func pass() CheckResult { return CheckResult{} }

func match(classifiers ...event.Classifier) CheckResult {
	return CheckResult{Matched: true, Classifiers: classifiers}
}

// Flags is the dirty-client bit set produced by the pre-parse check.
type Flags uint8

const (
	FlagAnonymity Flags = 1 << iota
	FlagBannedGeolocation
)

// Classifiers expands the flag set into its classifier tags.
func (f Flags) Classifiers() []event.Classifier {
	var out []event.Classifier
	if f&FlagAnonymity != 0 {
		out = append(out, event.Anonymity)
	}
	if f&FlagBannedGeolocation != 0 {
		out = append(out, event.BannedGeolocation)
	}
	return out
}
