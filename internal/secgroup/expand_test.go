package secgroup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func str(s string) *string { return &s }
func num(n int) *int       { return &n }

func TestExpand(t *testing.T) {
	tests := []struct {
		name  string
		entry RuleEntry
		want  []string
	}{
		{
			name:  "empty entry allows everything",
			entry: RuleEntry{},
			want:  []string{"ingress IPv4 any cidr 0.0.0.0/0"},
		},
		{
			name:  "ipv6 default source",
			entry: RuleEntry{Fragment: Fragment{EtherType: str("IPv6")}},
			want:  []string{"ingress IPv6 any cidr ::/0"},
		},
		{
			name: "cidr and groups are unioned",
			entry: RuleEntry{
				Fragment: Fragment{Protocol: str("tcp"), Port: num(22)},
				CIDR:     []string{"10.0.0.0/8", "192.168.0.0/16"},
				Groups:   []string{"bastion"},
			},
			want: []string{
				"ingress IPv4 tcp port 22 cidr 10.0.0.0/8",
				"ingress IPv4 tcp port 22 cidr 192.168.0.0/16",
				"ingress IPv4 tcp port 22 group bastion",
			},
		},
		{
			name: "groups only",
			entry: RuleEntry{
				Groups: []string{"web"},
			},
			want: []string{"ingress IPv4 any group web"},
		},
		{
			name: "to overrides form a cartesian product",
			entry: RuleEntry{
				Fragment: Fragment{Protocol: str("tcp")},
				CIDR:     []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"},
				To: []Fragment{
					{Port: num(80)},
					{Port: num(443)},
				},
			},
			want: []string{
				"ingress IPv4 tcp port 80 cidr 10.0.0.0/8",
				"ingress IPv4 tcp port 80 cidr 172.16.0.0/12",
				"ingress IPv4 tcp port 80 cidr 192.168.0.0/16",
				"ingress IPv4 tcp port 443 cidr 10.0.0.0/8",
				"ingress IPv4 tcp port 443 cidr 172.16.0.0/12",
				"ingress IPv4 tcp port 443 cidr 192.168.0.0/16",
			},
		},
		{
			name: "override wins over base",
			entry: RuleEntry{
				Fragment: Fragment{Protocol: str("tcp"), Port: num(80)},
				To:       []Fragment{{Protocol: str("udp")}},
			},
			want: []string{"ingress IPv4 udp port 80 cidr 0.0.0.0/0"},
		},
		{
			name: "port range",
			entry: RuleEntry{
				Fragment: Fragment{Protocol: str("udp"), PortMin: num(60000), PortMax: num(61000)},
			},
			want: []string{"ingress IPv4 udp port 60000-61000 cidr 0.0.0.0/0"},
		},
		{
			name:  "explicit empty to list",
			entry: RuleEntry{To: []Fragment{}},
			want:  nil,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rules, err := tc.entry.Expand()
			require.NoError(t, err)
			var got []string
			for _, r := range rules {
				got = append(got, r.String())
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestExpandErrors(t *testing.T) {
	tests := []struct {
		name    string
		entry   RuleEntry
		wantErr string
	}{
		{
			name:    "port and port_min",
			entry:   RuleEntry{Fragment: Fragment{Port: num(22), PortMin: num(20)}},
			wantErr: "both port and port_min/port_max are specified",
		},
		{
			name:    "port out of range",
			entry:   RuleEntry{Fragment: Fragment{PortMin: num(70000), PortMax: num(70001)}},
			wantErr: "port_min: port is out of the range",
		},
		{
			name:    "unknown protocol",
			entry:   RuleEntry{Fragment: Fragment{Protocol: str("gre")}},
			wantErr: "unknown protocol",
		},
		{
			name:    "bad cidr",
			entry:   RuleEntry{CIDR: []string{"10.0.0.300/8"}},
			wantErr: "invalid network",
		},
		{
			name:    "error inside to carries its index",
			entry:   RuleEntry{To: []Fragment{{Port: num(1)}, {Direction: str("up")}}},
			wantErr: "to[1].direction",
		},
		{
			name:    "unknown ethertype",
			entry:   RuleEntry{Fragment: Fragment{EtherType: str("IPX")}},
			wantErr: "unknown ethertype",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.entry.Expand()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestOverriddenKeys(t *testing.T) {
	e := RuleEntry{
		Fragment: Fragment{Protocol: str("tcp"), Port: num(80), Direction: str("ingress")},
		To: []Fragment{
			{Port: num(443)},
			{Protocol: str("udp"), Port: num(53)},
			{EtherType: str("IPv6")},
		},
	}
	assert.Equal(t, []string{"port", "protocol"}, e.OverriddenKeys())
	assert.Empty(t, RuleEntry{Fragment: Fragment{Port: num(1)}}.OverriddenKeys())
}
