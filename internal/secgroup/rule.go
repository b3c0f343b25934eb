package secgroup

import (
	"cmp"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"grimm.is/sgmanager/internal/remote"
)

// Direction is the traffic direction a rule applies to.
type Direction string

const (
	Ingress Direction = "ingress"
	Egress  Direction = "egress"
)

// ParseDirection parses a direction name.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case Ingress, Egress:
		return d, nil
	}
	return "", ValidationError{Field: "direction", Message: fmt.Sprintf("unknown direction %q (expected ingress or egress)", s)}
}

// EtherType is the address family a rule applies to.
type EtherType string

const (
	IPv4 EtherType = "IPv4"
	IPv6 EtherType = "IPv6"
)

// ParseEtherType parses an ethertype name.
func ParseEtherType(s string) (EtherType, error) {
	switch e := EtherType(s); e {
	case IPv4, IPv6:
		return e, nil
	}
	return "", ValidationError{Field: "ethertype", Message: fmt.Sprintf("unknown ethertype %q (expected IPv4 or IPv6)", s)}
}

// Protocol is an IP protocol name. The empty protocol matches all protocols.
type Protocol string

const (
	AnyProtocol Protocol = ""
	TCP         Protocol = "tcp"
	UDP         Protocol = "udp"
	ICMP        Protocol = "icmp"
)

// ParseProtocol parses a protocol accepted in local configuration.
func ParseProtocol(s string) (Protocol, error) {
	switch p := Protocol(s); p {
	case TCP, UDP, ICMP:
		return p, nil
	}
	return "", ValidationError{Field: "protocol", Message: fmt.Sprintf("unknown protocol %q (expected tcp, udp or icmp)", s)}
}

// Port is an optional port number. The zero value is unset.
type Port struct {
	Num   uint16
	Valid bool
}

// PortOf returns a set port.
func PortOf(n uint16) Port {
	return Port{Num: n, Valid: true}
}

// ParsePort converts n into a Port. -1 is accepted as "unset".
func ParsePort(n int) (Port, error) {
	if n == -1 {
		return Port{}, nil
	}
	if n < 0 || n > 65535 {
		return Port{}, ValidationError{Message: fmt.Sprintf("port is out of the range (0; 65535): %d", n)}
	}
	return PortOf(uint16(n)), nil
}

// Int returns the port number, or -1 when unset.
func (p Port) Int() int {
	if !p.Valid {
		return -1
	}
	return int(p.Num)
}

// Ptr returns the port number as a pointer, or nil when unset.
func (p Port) Ptr() *int {
	if !p.Valid {
		return nil
	}
	n := int(p.Num)
	return &n
}

// Rule is a single concrete access statement. A rule carries either a CIDR
// or a reference to a group, never both.
//
// Group holds a group name for local rules. Rules read from the control plane
// hold the remote group identifier until ResolveReferences rewrites it.
type Rule struct {
	Direction Direction
	EtherType EtherType // empty: inferred from CIDR
	Protocol  Protocol
	PortMin   Port
	PortMax   Port
	CIDR      netip.Prefix
	Group     string

	// ID is assigned by the control plane and never compared.
	ID string
}

// RuleKey is the user-visible projection of a Rule. Two rules are equal
// exactly when their keys are equal.
type RuleKey struct {
	Direction string
	EtherType string
	Protocol  string
	PortMin   int
	PortMax   int
	CIDR      string
	Group     string
}

// EffectiveDirection returns the direction, defaulting to ingress.
func (r Rule) EffectiveDirection() Direction {
	if r.Direction == "" {
		return Ingress
	}
	return r.Direction
}

// EffectiveEtherType returns the explicit ethertype, or the one implied by
// the CIDR, or IPv4.
func (r Rule) EffectiveEtherType() EtherType {
	if r.EtherType != "" {
		return r.EtherType
	}
	if r.CIDR.IsValid() && r.CIDR.Addr().Is6() {
		return IPv6
	}
	return IPv4
}

// Key returns the comparable projection of r.
func (r Rule) Key() RuleKey {
	k := RuleKey{
		Direction: string(r.EffectiveDirection()),
		EtherType: string(r.EffectiveEtherType()),
		Protocol:  string(r.Protocol),
		PortMin:   r.PortMin.Int(),
		PortMax:   r.PortMax.Int(),
		Group:     r.Group,
	}
	switch {
	case r.CIDR.IsValid():
		k.CIDR = r.CIDR.String()
	case r.Group == "":
		// No remote restriction is the same as allowing every source.
		k.CIDR = allSources(r.EffectiveEtherType()).String()
	}
	return k
}

func allSources(et EtherType) netip.Prefix {
	if et == IPv6 {
		return netip.MustParsePrefix("::/0")
	}
	return netip.MustParsePrefix("0.0.0.0/0")
}

// Equal reports whether r and o describe the same access statement.
func (r Rule) Equal(o Rule) bool {
	return r.Key() == o.Key()
}

// Validate checks the rule invariants.
func (r Rule) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if r.Direction != "" {
		if _, err := ParseDirection(string(r.Direction)); err != nil {
			add("direction", "unknown direction %q", r.Direction)
		}
	}
	if r.EtherType != "" {
		if _, err := ParseEtherType(string(r.EtherType)); err != nil {
			add("ethertype", "unknown ethertype %q", r.EtherType)
		}
	}
	if r.Protocol != AnyProtocol {
		if _, err := ParseProtocol(string(r.Protocol)); err != nil {
			add("protocol", "unknown protocol %q", r.Protocol)
		}
	}

	switch {
	case r.PortMin.Valid && !r.PortMax.Valid:
		add("port_max", "port_min is set, but port_max is not")
	case r.PortMax.Valid && !r.PortMin.Valid:
		add("port_min", "port_max is set, but port_min is not")
	case r.PortMin.Valid && r.PortMin.Num > r.PortMax.Num:
		add("port_min", "port_min %d is greater than port_max %d", r.PortMin.Num, r.PortMax.Num)
	}
	if r.Protocol == ICMP && (r.PortMin.Valid || r.PortMax.Valid) {
		add("port", "protocol is set to icmp and port is specified")
	}

	if r.CIDR.IsValid() {
		if r.Group != "" {
			add("cidr", "cidr and group are mutually exclusive")
		}
		switch {
		case r.EtherType == IPv4 && !r.CIDR.Addr().Is4():
			add("cidr", "ethertype is set to IPv4, but address %s is IPv6", r.CIDR)
		case r.EtherType == IPv6 && !r.CIDR.Addr().Is6():
			add("cidr", "ethertype is set to IPv6, but address %s is IPv4", r.CIDR)
		}
	}

	return errs.Err()
}

// String renders the rule for log output.
func (r Rule) String() string {
	var b strings.Builder
	b.WriteString(string(r.EffectiveDirection()))
	b.WriteByte(' ')
	b.WriteString(string(r.EffectiveEtherType()))
	b.WriteByte(' ')
	if r.Protocol == AnyProtocol {
		b.WriteString("any")
	} else {
		b.WriteString(string(r.Protocol))
	}
	if r.PortMin.Valid {
		b.WriteString(" port ")
		b.WriteString(strconv.Itoa(int(r.PortMin.Num)))
		if r.PortMax.Num != r.PortMin.Num {
			b.WriteByte('-')
			b.WriteString(strconv.Itoa(int(r.PortMax.Num)))
		}
	}
	switch {
	case r.CIDR.IsValid():
		b.WriteString(" cidr ")
		b.WriteString(r.CIDR.String())
	case r.Group != "":
		b.WriteString(" group ")
		b.WriteString(r.Group)
	}
	return b.String()
}

// ParseCIDR parses a network prefix. A bare address is a single-host
// prefix; prefixes with host bits set are rejected.
func ParseCIDR(s string) (netip.Prefix, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		addr, aerr := netip.ParseAddr(s)
		if aerr != nil {
			return netip.Prefix{}, ValidationError{Field: "cidr", Message: fmt.Sprintf("invalid network %q", s)}
		}
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}
	if p != p.Masked() {
		return netip.Prefix{}, ValidationError{Field: "cidr", Message: fmt.Sprintf("%s has host bits set", s)}
	}
	return p, nil
}

// RuleFromRemote maps a control plane rule record. Remote group references
// keep the remote identifier.
func RuleFromRemote(p remote.Rule) (Rule, error) {
	dir, err := ParseDirection(p.Direction)
	if err != nil {
		return Rule{}, err
	}
	et, err := ParseEtherType(p.EtherType)
	if err != nil {
		return Rule{}, err
	}

	r := Rule{
		Direction: dir,
		EtherType: et,
		Protocol:  Protocol(strings.ToLower(remote.Deref(p.Protocol))),
		Group:     remote.Deref(p.RemoteGroupID),
		ID:        p.ID,
	}
	if p.PortRangeMin != nil {
		if r.PortMin, err = ParsePort(*p.PortRangeMin); err != nil {
			return Rule{}, err
		}
	}
	if p.PortRangeMax != nil {
		if r.PortMax, err = ParsePort(*p.PortRangeMax); err != nil {
			return Rule{}, err
		}
	}
	if prefix := remote.Deref(p.RemoteIPPrefix); prefix != "" {
		if r.CIDR, err = ParseCIDR(prefix); err != nil {
			return Rule{}, err
		}
	}
	return r, nil
}

// compareKeys orders rule keys for stable output.
func compareKeys(a, b RuleKey) int {
	return cmp.Or(
		cmp.Compare(a.Direction, b.Direction),
		cmp.Compare(a.EtherType, b.EtherType),
		cmp.Compare(a.Protocol, b.Protocol),
		cmp.Compare(a.PortMin, b.PortMin),
		cmp.Compare(a.PortMax, b.PortMax),
		cmp.Compare(a.CIDR, b.CIDR),
		cmp.Compare(a.Group, b.Group),
	)
}
