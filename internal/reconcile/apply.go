package reconcile

import (
	"context"
	"fmt"
	"slices"

	"grimm.is/sgmanager/internal/audit"
	"grimm.is/sgmanager/internal/remote"
	"grimm.is/sgmanager/internal/secgroup"
)

// apply issues the mutations of p in dependency order and stops at the
// first failure. The remote snapshot tracks every successful mutation.
func (r *Reconciler) apply(ctx context.Context, p *Plan, opts Options, runID string) error {
	// Re-key the live snapshot; plan entries are matched by name and rule
	// key, never by identity.
	rgroups := secgroup.Index(r.remote)

	for _, change := range p.GroupsAdded {
		var created remote.Group
		err := r.mutate(ctx, runID, remote.OpCreateGroup, change.Name, change.Name, func() (err error) {
			created, err = r.client.CreateGroup(ctx, change.Name, change.Description)
			return err
		})
		if err != nil {
			return err
		}
		g, err := secgroup.FromRemote(created, r.groupOpts)
		if err != nil {
			return fmt.Errorf("created group %s: %w", change.Name, err)
		}
		r.remote = append(r.remote, g)
		rgroups[g.Name] = g
	}

	if opts.UpdateDescriptions {
		for _, change := range p.GroupsUpdated {
			rg, ok := rgroups[change.Name]
			if !ok {
				return &remote.OpError{Op: remote.OpUpdateGroup, Target: change.Name, Err: remote.ErrNotFound}
			}
			err := r.mutate(ctx, runID, remote.OpUpdateGroup, rg.String(), change.Name, func() error {
				return r.client.UpdateGroup(ctx, rg.ID, change.To)
			})
			if err != nil {
				return err
			}
			rg.Description = change.To
		}
	}

	for _, change := range p.RulesAdded {
		rule := change.Rule()
		target := fmt.Sprintf("%s in %s", rule, change.Group)
		rg, ok := rgroups[change.Group]
		if !ok || !rg.IsRemote() {
			return &remote.OpError{Op: remote.OpCreateRule, Target: target,
				Err: fmt.Errorf("group %s: %w", change.Group, remote.ErrNotFound)}
		}
		req, err := ruleRequest(rg, rule, rgroups)
		if err != nil {
			return &remote.OpError{Op: remote.OpCreateRule, Target: target, Err: err}
		}

		var created remote.Rule
		err = r.mutate(ctx, runID, remote.OpCreateRule, target, change.Group, func() (err error) {
			created, err = r.client.CreateRule(ctx, req)
			return err
		})
		if err != nil {
			return err
		}
		stored, err := secgroup.RuleFromRemote(created)
		if err != nil {
			return fmt.Errorf("created rule %s: %w", target, err)
		}
		if rule.Group != "" {
			stored.Group = rule.Group
		}
		rg.Rules.Add(stored)
	}

	if !opts.Remove {
		return nil
	}

	for _, change := range p.RulesRemoved {
		rg, ok := rgroups[change.Group]
		if !ok {
			continue
		}
		stored, ok := rg.Rules.Get(change.Rule())
		if !ok || stored.ID == "" {
			r.log.Debug("rule already absent", "group", change.Group, "rule", change.Rule().String())
			continue
		}
		target := fmt.Sprintf("%s in %s", stored, change.Group)
		err := r.mutate(ctx, runID, remote.OpDeleteRule, target, change.Group, func() error {
			return r.client.DeleteRule(ctx, stored.ID)
		})
		if err != nil {
			return err
		}
		rg.Rules.Remove(stored)
	}

	if err := r.unlinkRemoved(ctx, p, rgroups, runID); err != nil {
		return err
	}

	for _, change := range p.GroupsRemoved {
		rg, ok := rgroups[change.Name]
		if !ok {
			continue
		}
		err := r.mutate(ctx, runID, remote.OpDeleteGroup, rg.String(), change.Name, func() error {
			return r.client.DeleteGroup(ctx, rg.ID)
		})
		if err != nil {
			return err
		}
		delete(rgroups, change.Name)
		r.remote = slices.DeleteFunc(r.remote, func(g *secgroup.Group) bool { return g == rg })
	}
	return nil
}

// unlinkRemoved deletes the rules of removed groups that reference another
// removed group. Otherwise the referenced group stays in use whatever the
// deletion order. Self references go away with their group.
func (r *Reconciler) unlinkRemoved(ctx context.Context, p *Plan, rgroups map[string]*secgroup.Group, runID string) error {
	removing := make(map[string]bool, len(p.GroupsRemoved))
	for _, change := range p.GroupsRemoved {
		removing[change.Name] = true
	}
	for _, change := range p.GroupsRemoved {
		rg, ok := rgroups[change.Name]
		if !ok {
			continue
		}
		for _, rule := range rg.Rules.Sorted() {
			if rule.ID == "" || rule.Group == rg.Name || !removing[rule.Group] {
				continue
			}
			target := fmt.Sprintf("%s in %s", rule, change.Name)
			err := r.mutate(ctx, runID, remote.OpDeleteRule, target, change.Name, func() error {
				return r.client.DeleteRule(ctx, rule.ID)
			})
			if err != nil {
				return err
			}
			rg.Rules.Remove(rule)
		}
	}
	return nil
}

// ruleRequest builds the create call of rule in group rg. A group
// reference must name a group that exists remotely.
func ruleRequest(rg *secgroup.Group, rule secgroup.Rule, rgroups map[string]*secgroup.Group) (remote.CreateRuleRequest, error) {
	req := remote.CreateRuleRequest{
		GroupID:      rg.ID,
		Direction:    string(rule.EffectiveDirection()),
		EtherType:    string(rule.EffectiveEtherType()),
		Protocol:     remote.StringPtr(string(rule.Protocol)),
		PortRangeMin: rule.PortMin.Ptr(),
		PortRangeMax: rule.PortMax.Ptr(),
	}
	if rule.CIDR.IsValid() {
		req.RemoteIPPrefix = remote.StringPtr(rule.CIDR.String())
	}
	if rule.Group != "" {
		peer, ok := rgroups[rule.Group]
		if !ok || !peer.IsRemote() {
			return req, fmt.Errorf("referenced group %s: %w", rule.Group, remote.ErrNotFound)
		}
		req.RemoteGroupID = remote.StringPtr(peer.ID)
	}
	return req, nil
}

// mutate runs one remote call, records it and wraps a failure into an
// *remote.OpError.
func (r *Reconciler) mutate(ctx context.Context, runID, op, target, group string, call func() error) error {
	err := call()
	r.observer.ObserveMutation(op, err)

	evt := audit.Event{
		RunID:     runID,
		Timestamp: r.clock.Now(),
		Action:    op,
		Target:    target,
		Group:     group,
		Status:    audit.StatusOK,
	}
	if err != nil {
		evt.Status = audit.StatusFailed
		evt.Error = err.Error()
	}
	if r.auditor != nil {
		if aerr := r.auditor.Write(ctx, evt); aerr != nil {
			r.log.Error("failed to write audit event", "op", op, "target", target, "error", aerr)
		}
	}

	if err != nil {
		r.log.Error("remote operation failed", "op", op, "target", target, "error", err)
		return &remote.OpError{Op: op, Target: target, Err: err}
	}
	r.log.Info("remote operation done", "op", op, "target", target)
	return nil
}
