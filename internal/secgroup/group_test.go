package secgroup

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/sgmanager/internal/remote"
)

func webDefinition() Definition {
	return Definition{
		Name:        "web",
		Description: "Web servers",
		Tags:        []string{"tier=frontend"},
		Rules: []RuleEntry{
			{
				Fragment: Fragment{Protocol: str("tcp")},
				To:       []Fragment{{Port: num(80)}, {Port: num(443)}},
			},
			{
				Fragment: Fragment{Protocol: str("tcp"), Port: num(22)},
				Groups:   []string{"bastion"},
			},
		},
	}
}

func TestFromLocal(t *testing.T) {
	g, err := FromLocal(webDefinition(), Options{})
	require.NoError(t, err)
	assert.Equal(t, "web", g.Name)
	assert.Equal(t, 3, g.Rules.Len())
	assert.False(t, g.IsRemote())
	assert.True(t, g.HasTag("tier=frontend"))

	def := webDefinition()
	def.Rules = append(def.Rules, RuleEntry{Fragment: Fragment{Port: num(1), PortMax: num(2)}})
	_, err = FromLocal(def, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "groups[web].rules[2]")
}

func TestFromLocalEgress(t *testing.T) {
	def := Definition{
		Name: "out",
		Rules: []RuleEntry{
			{},
			{Fragment: Fragment{Direction: str("egress")}},
		},
	}

	g, err := FromLocal(def, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, g.Rules.Len())

	g, err = FromLocal(def, Options{Egress: true})
	require.NoError(t, err)
	assert.Equal(t, 2, g.Rules.Len())
}

func TestLocalEqualsRemote(t *testing.T) {
	local, err := FromLocal(webDefinition(), Options{})
	require.NoError(t, err)

	payload := remote.Group{
		ID:          "sg-web",
		Name:        "web",
		Description: "Web servers",
		Tags:        []string{"tier=frontend"},
		ProjectID:   "p1",
		Rules: []remote.Rule{
			{ID: "r1", Direction: "ingress", EtherType: "IPv4", Protocol: remote.StringPtr("tcp"),
				PortRangeMin: remote.IntPtr(443), PortRangeMax: remote.IntPtr(443), RemoteIPPrefix: remote.StringPtr("0.0.0.0/0")},
			{ID: "r2", Direction: "ingress", EtherType: "IPv4", Protocol: remote.StringPtr("tcp"),
				PortRangeMin: remote.IntPtr(80), PortRangeMax: remote.IntPtr(80), RemoteIPPrefix: remote.StringPtr("0.0.0.0/0")},
			{ID: "r3", Direction: "ingress", EtherType: "IPv4", Protocol: remote.StringPtr("tcp"),
				PortRangeMin: remote.IntPtr(22), PortRangeMax: remote.IntPtr(22), RemoteGroupID: remote.StringPtr("sg-bastion")},
			{ID: "r4", Direction: "egress", EtherType: "IPv4"},
			{ID: "r5", Direction: "egress", EtherType: "IPv6"},
		},
	}
	bastion := remote.Group{ID: "sg-bastion", Name: "bastion", ProjectID: "p1"}

	rg, err := FromRemote(payload, Options{})
	require.NoError(t, err)
	rb, err := FromRemote(bastion, Options{})
	require.NoError(t, err)
	assert.Equal(t, "sg-web", rg.ID)
	assert.Equal(t, "p1", rg.Project)
	assert.Equal(t, 3, rg.Rules.Len(), "egress rules are not managed by default")

	assert.False(t, local.Equal(rg), "group reference still holds the remote id")

	unresolved := ResolveReferences([]*Group{rg, rb})
	assert.Empty(t, unresolved)
	assert.True(t, local.Equal(rg))
	assert.Equal(t, local.Hash(), rg.Hash())

	got, ok := rg.Rules.Get(Rule{Protocol: TCP, PortMin: PortOf(80), PortMax: PortOf(80), CIDR: netip.MustParsePrefix("0.0.0.0/0")})
	require.True(t, ok)
	assert.Equal(t, "r2", got.ID)
}

func TestGroupDescription(t *testing.T) {
	a := NewGroup("db", "")
	b := NewGroup("db", "db")
	assert.True(t, a.Equal(b), "description equal to the name is the same as none")
	assert.Equal(t, a.Hash(), b.Hash())
	assert.Equal(t, "db", a.EffectiveDescription())

	c := NewGroup("db", "Databases")
	assert.False(t, a.Equal(c))
	assert.Equal(t, "Databases", c.EffectiveDescription())
}

func TestGroupTagsOrder(t *testing.T) {
	a := NewGroup("x", "")
	a.Tags = []string{"b", "a"}
	b := NewGroup("x", "")
	b.Tags = []string{"a", "b"}
	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Hash(), b.Hash())
}

func TestHashGroups(t *testing.T) {
	web, err := FromLocal(webDefinition(), Options{})
	require.NoError(t, err)
	bastion := NewGroup("bastion", "")

	assert.Equal(t, HashGroups([]*Group{web, bastion}), HashGroups([]*Group{bastion, web}))

	renamed := bastion.Clone()
	renamed.Name = "jump"
	assert.NotEqual(t, HashGroups([]*Group{web, bastion}), HashGroups([]*Group{web, renamed}))

	tagged := NewGroup("tagged", "")
	tagged.Tags = []string{"t"}
	repeated := NewGroup("tagged", "")
	repeated.Tags = []string{"t", "t"}
	require.True(t, tagged.Equal(repeated))
	assert.Equal(t, tagged.Hash(), repeated.Hash(), "repeated tags do not change the hash")
}

func TestDefinitionRoundTrip(t *testing.T) {
	def := Definition{
		Name: "mixed",
		Rules: []RuleEntry{
			{},
			{Fragment: Fragment{EtherType: str("IPv6"), Protocol: str("icmp")}},
			{Fragment: Fragment{Protocol: str("udp"), PortMin: num(1000), PortMax: num(2000)}, CIDR: []string{"10.0.0.0/8"}},
			{Fragment: Fragment{Protocol: str("tcp"), Port: num(5432)}, Groups: []string{"mixed"}},
		},
	}
	g, err := FromLocal(def, Options{})
	require.NoError(t, err)
	require.NoError(t, ValidateGroups([]*Group{g}))

	back, err := FromLocal(g.Definition(), Options{})
	require.NoError(t, err)
	assert.True(t, g.Equal(back))
	assert.Len(t, g.Definition().Rules, g.Rules.Len())
}

func TestValidateGroups(t *testing.T) {
	web, err := FromLocal(webDefinition(), Options{})
	require.NoError(t, err)

	err = ValidateGroups([]*Group{web})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), `group "bastion" is referenced but not created`)

	bastion := NewGroup("bastion", "")
	assert.NoError(t, ValidateGroups([]*Group{web, bastion}))

	err = ValidateGroups([]*Group{web, bastion, NewGroup("bastion", "again")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "defined more than once")

	bad := NewGroup("bad", "", Rule{Protocol: ICMP, PortMin: PortOf(1), PortMax: PortOf(1)})
	err = ValidateGroups([]*Group{bad})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "groups[bad].rules[0].port")
}

func TestResolveReferencesUnknown(t *testing.T) {
	g := &Group{
		Name:  "a",
		ID:    "sg-a",
		Rules: NewRuleSet(Rule{Group: "sg-a"}, Rule{Group: "sg-foreign"}),
	}
	unresolved := ResolveReferences([]*Group{g})
	assert.Equal(t, []string{"sg-foreign"}, unresolved)
	assert.True(t, g.Rules.Contains(Rule{Group: "a"}))
	assert.True(t, g.Rules.Contains(Rule{Group: "sg-foreign"}))
}

func TestIndex(t *testing.T) {
	a, b := NewGroup("a", ""), NewGroup("b", "")
	idx := Index([]*Group{a, b})
	assert.Same(t, a, idx["a"])
	assert.Same(t, b, idx["b"])
}
