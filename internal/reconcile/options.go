package reconcile

import (
	"grimm.is/sgmanager/internal/secgroup"
)

// NoThreshold disables the change threshold gate.
const NoThreshold = -1.0

// DefaultThreshold is the largest share of changed units, in percent, a
// run may apply without --force style overrides.
const DefaultThreshold = 15.0

// Options controls one reconciliation pass.
type Options struct {
	// DryRun computes and reports the plan without mutating anything.
	DryRun bool

	// Remove deletes remote rules and groups absent from the local
	// configuration. When false they are only counted as unchanged.
	Remove bool

	// ExcludeTag keeps remote groups carrying this tag out of the plan.
	ExcludeTag string

	// Threshold aborts the run when the percentage of changed units is
	// greater than it. Negative values disable the gate. The zero value
	// aborts on any change; start from DefaultOptions or set NoThreshold.
	Threshold float64

	// UpdateDescriptions applies description differences of matched
	// groups. They are always reported.
	UpdateDescriptions bool
}

// DefaultOptions returns the options of a plain "update" run.
func DefaultOptions() Options {
	return Options{
		Remove:    true,
		Threshold: DefaultThreshold,
	}
}

func (o Options) excluded(g *secgroup.Group) bool {
	return o.ExcludeTag != "" && g.HasTag(o.ExcludeTag)
}
