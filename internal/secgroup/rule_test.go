package secgroup

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/sgmanager/internal/remote"
)

func TestParsePort(t *testing.T) {
	p, err := ParsePort(-1)
	require.NoError(t, err)
	assert.False(t, p.Valid)
	assert.Equal(t, -1, p.Int())
	assert.Nil(t, p.Ptr())

	p, err = ParsePort(443)
	require.NoError(t, err)
	assert.Equal(t, PortOf(443), p)
	assert.Equal(t, 443, *p.Ptr())

	_, err = ParsePort(65536)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = ParsePort(-2)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseCIDR(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "10.0.0.0/8", want: "10.0.0.0/8"},
		{in: "192.168.1.10", want: "192.168.1.10/32"},
		{in: "2001:db8::/32", want: "2001:db8::/32"},
		{in: "::1", want: "::1/128"},
		{in: "10.0.0.1/8", wantErr: true},
		{in: "not-a-network", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseCIDR(tc.in)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.String())
		})
	}
}

func TestRuleEquality(t *testing.T) {
	base := Rule{
		Direction: Ingress,
		Protocol:  TCP,
		PortMin:   PortOf(22),
		PortMax:   PortOf(22),
		CIDR:      netip.MustParsePrefix("10.0.0.0/8"),
	}

	withID := base
	withID.ID = "0f1e"
	assert.True(t, base.Equal(withID), "identifier must not participate")
	assert.Equal(t, base.Hash(), withID.Hash())

	explicit := base
	explicit.EtherType = IPv4
	assert.True(t, base.Equal(explicit), "ethertype inferred from cidr")

	noDirection := base
	noDirection.Direction = ""
	assert.True(t, base.Equal(noDirection), "direction defaults to ingress")

	otherPort := base
	otherPort.PortMax = PortOf(23)
	assert.False(t, base.Equal(otherPort))
	assert.NotEqual(t, base.Hash(), otherPort.Hash())

	v6 := Rule{CIDR: netip.MustParsePrefix("::/0")}
	assert.Equal(t, IPv6, v6.EffectiveEtherType())
	assert.True(t, v6.Equal(Rule{EtherType: IPv6}), "no source equals all sources")
	assert.False(t, v6.Equal(Rule{}))
}

func TestRuleValidate(t *testing.T) {
	tests := []struct {
		name    string
		rule    Rule
		wantErr string
	}{
		{
			name: "tcp port",
			rule: Rule{Protocol: TCP, PortMin: PortOf(80), PortMax: PortOf(80), CIDR: netip.MustParsePrefix("0.0.0.0/0")},
		},
		{
			name:    "half range",
			rule:    Rule{Protocol: TCP, PortMin: PortOf(80)},
			wantErr: "port_min is set, but port_max is not",
		},
		{
			name:    "inverted range",
			rule:    Rule{Protocol: TCP, PortMin: PortOf(90), PortMax: PortOf(80)},
			wantErr: "greater than port_max",
		},
		{
			name:    "icmp with port",
			rule:    Rule{Protocol: ICMP, PortMin: PortOf(8), PortMax: PortOf(8)},
			wantErr: "protocol is set to icmp and port is specified",
		},
		{
			name:    "family mismatch",
			rule:    Rule{EtherType: IPv4, CIDR: netip.MustParsePrefix("2001:db8::/32")},
			wantErr: "ethertype is set to IPv4",
		},
		{
			name:    "cidr and group",
			rule:    Rule{CIDR: netip.MustParsePrefix("10.0.0.0/8"), Group: "web"},
			wantErr: "mutually exclusive",
		},
		{
			name:    "unknown protocol",
			rule:    Rule{Protocol: "sctp"},
			wantErr: "unknown protocol",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.rule.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestRuleFromRemote(t *testing.T) {
	r, err := RuleFromRemote(remote.Rule{
		ID:             "r1",
		Direction:      "ingress",
		EtherType:      "IPv4",
		Protocol:       remote.StringPtr("TCP"),
		PortRangeMin:   remote.IntPtr(-1),
		PortRangeMax:   remote.IntPtr(-1),
		RemoteIPPrefix: remote.StringPtr("10.1.0.0/16"),
	})
	require.NoError(t, err)
	assert.Equal(t, TCP, r.Protocol)
	assert.False(t, r.PortMin.Valid)
	assert.False(t, r.PortMax.Valid)
	assert.Equal(t, "r1", r.ID)
	assert.True(t, r.Equal(Rule{Protocol: TCP, CIDR: netip.MustParsePrefix("10.1.0.0/16")}))

	r, err = RuleFromRemote(remote.Rule{
		Direction:     "egress",
		EtherType:     "IPv6",
		RemoteGroupID: remote.StringPtr("sg-1"),
	})
	require.NoError(t, err)
	assert.Equal(t, "sg-1", r.Group)
	assert.Equal(t, AnyProtocol, r.Protocol)

	_, err = RuleFromRemote(remote.Rule{Direction: "sideways", EtherType: "IPv4"})
	assert.Error(t, err)
}

func TestRuleString(t *testing.T) {
	r := Rule{Protocol: TCP, PortMin: PortOf(8000), PortMax: PortOf(8080), Group: "web"}
	assert.Equal(t, "ingress IPv4 tcp port 8000-8080 group web", r.String())

	r = Rule{EtherType: IPv6, CIDR: netip.MustParsePrefix("::/0")}
	assert.Equal(t, "ingress IPv6 any cidr ::/0", r.String())
}

func TestRuleSet(t *testing.T) {
	a := Rule{Protocol: TCP, PortMin: PortOf(22), PortMax: PortOf(22), CIDR: netip.MustParsePrefix("10.0.0.0/8")}
	b := Rule{Protocol: TCP, PortMin: PortOf(80), PortMax: PortOf(80), CIDR: netip.MustParsePrefix("0.0.0.0/0")}
	c := Rule{Protocol: ICMP, CIDR: netip.MustParsePrefix("0.0.0.0/0")}

	s := NewRuleSet(a, b)
	dup := a
	dup.ID = "remote-id"
	assert.False(t, s.Add(dup), "equal rule is a no-op")
	assert.Equal(t, 2, s.Len())

	got, ok := s.Get(dup)
	require.True(t, ok)
	assert.Empty(t, got.ID, "first inserted rule is kept")

	o := NewRuleSet(b, c)
	assert.Equal(t, []Rule{a}, s.Difference(o))
	assert.Equal(t, []Rule{b}, s.Intersection(o))
	assert.False(t, s.Equal(o))

	assert.True(t, NewRuleSet(a, b).Equal(NewRuleSet(b, a)))

	clone := s.Clone()
	clone.Remove(a)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 1, clone.Len())

	var empty *RuleSet
	assert.Equal(t, 0, empty.Len())
	assert.False(t, empty.Contains(a))
	assert.Nil(t, empty.Rules())
}
