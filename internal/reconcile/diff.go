package reconcile

import (
	"slices"

	"grimm.is/sgmanager/internal/secgroup"
)

// Diff classifies the differences between the local and the remote group
// collections and counts changed and unchanged units. Neither input is
// modified; remote group references are resolved on a copy.
//
// The default group is never considered. Groups present only locally are
// treated as empty remote groups, so each of their rules is queued for
// creation. Rule and group removals are only counted as changes when
// opts.Remove is set, and remote groups with no owning project are never
// removed.
func Diff(local, remote []*secgroup.Group, opts Options) (*Plan, error) {
	if err := secgroup.ValidateGroups(local); err != nil {
		return nil, err
	}

	remote = cloneGroups(remote)
	secgroup.ResolveReferences(remote)

	lnames, lgroups := keyed(local)
	rnames, rgroups := keyed(remote)

	p := &Plan{}

	// Added groups stand in as empty remote groups from here on.
	added := make(map[string]bool)
	for _, name := range lnames {
		if _, ok := rgroups[name]; ok {
			continue
		}
		lg := lgroups[name]
		p.GroupsAdded = append(p.GroupsAdded, GroupChange{
			Name:        name,
			Description: lg.EffectiveDescription(),
			Rules:       lg.Rules.Len(),
		})
		rgroups[name] = secgroup.NewGroup(name, lg.Description)
		rnames = append(rnames, name)
		added[name] = true
		p.Changes++
	}

	for _, name := range rnames {
		lg, ok := lgroups[name]
		if !ok {
			continue
		}
		rg := rgroups[name]
		if !added[name] {
			p.Unchanged++
		}
		if opts.excluded(rg) {
			p.GroupsExcluded = append(p.GroupsExcluded, groupChange(rg))
			continue
		}

		if !added[name] && rg.EffectiveDescription() != lg.EffectiveDescription() {
			p.GroupsUpdated = append(p.GroupsUpdated, DescriptionChange{
				Name: name,
				ID:   rg.ID,
				From: rg.EffectiveDescription(),
				To:   lg.EffectiveDescription(),
			})
			if opts.UpdateDescriptions {
				p.Changes++
			}
		}

		for _, r := range lg.Rules.Difference(rg.Rules) {
			p.RulesAdded = append(p.RulesAdded, newRuleChange(name, r))
			p.Changes++
		}
		for _, r := range rg.Rules.Difference(lg.Rules) {
			if opts.Remove {
				p.RulesRemoved = append(p.RulesRemoved, newRuleChange(name, r))
				p.Changes++
			} else {
				p.Unchanged++
			}
		}
		p.Unchanged += len(lg.Rules.Intersection(rg.Rules))
	}

	for _, name := range rnames {
		if _, ok := lgroups[name]; ok {
			continue
		}
		rg := rgroups[name]
		if opts.excluded(rg) {
			p.GroupsExcluded = append(p.GroupsExcluded, groupChange(rg))
			continue
		}
		if !opts.Remove {
			p.Unchanged += rg.Rules.Len() + 1
			continue
		}
		if rg.Project == "" {
			continue
		}
		p.GroupsRemoved = append(p.GroupsRemoved, groupChange(rg))
		p.Changes += rg.Rules.Len() + 1
	}

	p.ChangesPercentage = p.Percentage()
	return p, nil
}

// keyed returns the group names in input order and the groups by name,
// leaving out the default group.
func keyed(groups []*secgroup.Group) ([]string, map[string]*secgroup.Group) {
	names := make([]string, 0, len(groups))
	byName := make(map[string]*secgroup.Group, len(groups))
	for _, g := range groups {
		if g.Name == secgroup.DefaultGroupName {
			continue
		}
		if _, dup := byName[g.Name]; !dup {
			names = append(names, g.Name)
		}
		byName[g.Name] = g
	}
	return names, byName
}

func groupChange(g *secgroup.Group) GroupChange {
	return GroupChange{
		Name:        g.Name,
		ID:          g.ID,
		Description: g.Description,
		Rules:       g.Rules.Len(),
	}
}

func cloneGroups(groups []*secgroup.Group) []*secgroup.Group {
	out := make([]*secgroup.Group, 0, len(groups))
	for _, g := range groups {
		out = append(out, g.Clone())
	}
	return out
}

// plannedGroups returns the names of the groups a plan touches, sorted.
func (p *Plan) plannedGroups() []string {
	var names []string
	for _, g := range p.GroupsAdded {
		names = append(names, g.Name)
	}
	for _, r := range p.RulesAdded {
		names = append(names, r.Group)
	}
	for _, r := range p.RulesRemoved {
		names = append(names, r.Group)
	}
	for _, g := range p.GroupsRemoved {
		names = append(names, g.Name)
	}
	slices.Sort(names)
	return slices.Compact(names)
}
