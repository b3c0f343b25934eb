package secgroup

import (
	"slices"

	"github.com/mitchellh/hashstructure/v2"
)

// Hash returns a hash of the rule consistent with Equal.
func (r Rule) Hash() uint64 {
	return mustHash(r.Key())
}

type groupProjection struct {
	Description string
	Tags        []string  `hash:"set"`
	Rules       []RuleKey `hash:"set"`
}

// Hash returns a hash of the group consistent with Equal. Name, ID and
// Project do not participate.
func (g *Group) Hash() uint64 {
	return mustHash(groupProjection{
		Description: g.userDescription(),
		Tags:        uniqueTags(g.Tags),
		Rules:       g.Rules.Keys(),
	})
}

// uniqueTags drops repeated tags, which set hashing would cancel out.
func uniqueTags(tags []string) []string {
	out := slices.Clone(tags)
	slices.Sort(out)
	return slices.Compact(out)
}

// HashGroups returns an order-independent hash of a group collection,
// including group names.
func HashGroups(groups []*Group) uint64 {
	type named struct {
		Name string
		Hash uint64
	}
	items := make([]named, 0, len(groups))
	for _, g := range groups {
		items = append(items, named{Name: g.Name, Hash: g.Hash()})
	}
	return mustHash(struct {
		Groups []named `hash:"set"`
	}{items})
}

func mustHash(v any) uint64 {
	h, err := hashstructure.Hash(v, hashstructure.FormatV2, nil)
	if err != nil {
		// Only plain strings, ints and slices are hashed here.
		panic("secgroup: hash: " + err.Error())
	}
	return h
}
