package reconcile

import (
	"errors"
	"fmt"
)

// ErrThresholdExceeded matches every ThresholdError.
var ErrThresholdExceeded = errors.New("change threshold exceeded")

// ThresholdError reports a plan whose share of changes is above the
// configured threshold.
type ThresholdError struct {
	Percentage float64
	Threshold  float64
	Changes    int
	Unchanged  int
}

func (e *ThresholdError) Error() string {
	return fmt.Sprintf("amount of changes is %f%% which is more than allowed (%f%%)", e.Percentage, e.Threshold)
}

// Is reports whether target is ErrThresholdExceeded.
func (e *ThresholdError) Is(target error) bool {
	return target == ErrThresholdExceeded
}

// CheckThreshold returns a *ThresholdError when the plan changes more than
// threshold percent of all units. A negative threshold disables the check.
func CheckThreshold(p *Plan, threshold float64) error {
	if threshold < 0 || p.Empty() {
		return nil
	}
	if pct := p.Percentage(); pct > threshold {
		return &ThresholdError{
			Percentage: pct,
			Threshold:  threshold,
			Changes:    p.Changes,
			Unchanged:  p.Unchanged,
		}
	}
	return nil
}
