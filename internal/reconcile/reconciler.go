// Package reconcile converges a control plane towards a locally declared set
// of security groups.
//
// A Reconciler holds two snapshots: the local groups built from
// configuration and the remote groups listed from the control plane. A pass
// computes a Plan with Diff, reports it, checks the change threshold and,
// unless it is a dry run, applies the plan in dependency order: groups are
// created before rules that reference them, and rules are deleted before
// the groups they belong to or reference. The remote snapshot is updated in
// place as mutations succeed, so a second pass in the same process sees the
// converged state without listing again.
//
// A Reconciler is not safe for concurrent passes.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"grimm.is/sgmanager/internal/audit"
	"grimm.is/sgmanager/internal/clock"
	"grimm.is/sgmanager/internal/logging"
	"grimm.is/sgmanager/internal/remote"
	"grimm.is/sgmanager/internal/secgroup"
)

// ErrNotLoaded is returned when a pass runs before the local groups are set.
var ErrNotLoaded = errors.New("local groups are not loaded")

// Auditor persists one record per attempted mutation.
type Auditor interface {
	Write(ctx context.Context, evt audit.Event) error
}

// Observer receives the outcome of plans and mutations, typically to
// export metrics.
type Observer interface {
	ObservePlan(p *Plan)
	ObserveMutation(op string, err error)
	ObserveApply(d time.Duration, err error)
}

// Reconciler drives reconciliation passes against one control plane.
type Reconciler struct {
	client    remote.Client
	groupOpts secgroup.Options
	log       *logging.Logger
	auditor   Auditor
	observer  Observer
	clock     clock.Clock

	local  []*secgroup.Group
	remote []*secgroup.Group
	loaded bool
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

// WithAuditor records every mutation through a.
func WithAuditor(a Auditor) Option {
	return func(r *Reconciler) { r.auditor = a }
}

// WithObserver reports plans and mutations to o.
func WithObserver(o Observer) Option {
	return func(r *Reconciler) { r.observer = o }
}

// WithClock sets the time source for audit records and durations.
func WithClock(c clock.Clock) Option {
	return func(r *Reconciler) { r.clock = c }
}

// WithGroupOptions sets how remote groups are built. It must match the
// options the local groups were built with.
func WithGroupOptions(o secgroup.Options) Option {
	return func(r *Reconciler) { r.groupOpts = o }
}

// New returns a Reconciler issuing calls through client.
func New(client remote.Client, opts ...Option) *Reconciler {
	if client == nil {
		panic("reconcile: nil remote client")
	}
	r := &Reconciler{
		client:   client,
		clock:    clock.RealClock{},
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logging.WithComponent("reconcile")
	}
	return r
}

// LoadRemote lists the remote groups and replaces the remote snapshot.
func (r *Reconciler) LoadRemote(ctx context.Context) ([]*secgroup.Group, error) {
	payloads, err := r.client.ListGroups(ctx)
	if err != nil {
		return nil, &remote.OpError{Op: remote.OpListGroups, Err: err}
	}

	groups := make([]*secgroup.Group, 0, len(payloads))
	for _, p := range payloads {
		g, err := secgroup.FromRemote(p, r.groupOpts)
		if err != nil {
			return nil, fmt.Errorf("failed to read remote groups: %w", err)
		}
		for _, rule := range g.Rules.Rules() {
			if rule.Protocol == secgroup.AnyProtocol {
				continue
			}
			if _, err := secgroup.ParseProtocol(string(rule.Protocol)); err != nil {
				r.log.Warn("remote rule protocol cannot be expressed in configuration, dumps of this group will not load",
					"group", g.Name, "rule", rule.ID, "protocol", rule.Protocol)
			}
		}
		groups = append(groups, g)
	}
	for _, id := range secgroup.ResolveReferences(groups) {
		r.log.Warn("rule references a group outside of the listing", "group_id", id)
	}

	r.remote = groups
	r.loaded = true
	r.log.Debug("loaded remote groups", "groups", len(groups))
	return groups, nil
}

// SetLocal replaces the local snapshot.
func (r *Reconciler) SetLocal(groups []*secgroup.Group) {
	r.local = groups
}

// Local returns the local snapshot.
func (r *Reconciler) Local() []*secgroup.Group {
	return r.local
}

// Remote returns the remote snapshot, including identifiers of objects
// created by previous passes.
func (r *Reconciler) Remote() []*secgroup.Group {
	return r.remote
}

// Plan computes the plan of a pass without reporting or applying it. The
// remote snapshot is loaded first if needed.
func (r *Reconciler) Plan(ctx context.Context, opts Options) (*Plan, error) {
	if r.local == nil {
		return nil, ErrNotLoaded
	}
	if !r.loaded {
		if _, err := r.LoadRemote(ctx); err != nil {
			return nil, err
		}
	}
	return Diff(r.local, r.remote, opts)
}

// Reconcile runs one pass: diff, report, threshold gate and, unless
// opts.DryRun is set, apply. The returned plan is non-nil whenever the diff
// succeeded, including when the threshold or a mutation failed.
func (r *Reconciler) Reconcile(ctx context.Context, opts Options) (*Plan, error) {
	plan, err := r.Plan(ctx, opts)
	if err != nil {
		return nil, err
	}
	r.observer.ObservePlan(plan)
	plan.Log(r.log, opts.ExcludeTag)

	if plan.Empty() {
		r.log.Info("no changes to be made")
		return plan, nil
	}
	if err := CheckThreshold(plan, opts.Threshold); err != nil {
		return plan, err
	}
	if opts.DryRun {
		r.log.Info("dry run, no changes applied")
		return plan, nil
	}

	runID := uuid.NewString()
	start := r.clock.Now()
	err = r.apply(ctx, plan, opts, runID)
	r.observer.ObserveApply(r.clock.Since(start), err)
	if err != nil {
		return plan, err
	}
	plan.Applied = true
	r.log.Info("changes applied", "run", runID, "changes", plan.Changes, "groups", len(plan.plannedGroups()))
	return plan, nil
}

type nopObserver struct{}

func (nopObserver) ObservePlan(*Plan) {}

func (nopObserver) ObserveMutation(string, error) {}

func (nopObserver) ObserveApply(time.Duration, error) {}
