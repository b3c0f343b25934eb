// Package ec2 implements remote.Client against AWS EC2 security groups.
//
// EC2 rules differ from the reconciler's model in a few places, mapped
// here: protocol "-1" means all protocols, a tcp or udp rule over the whole
// port range carries no ports, tags are rendered as "key=value" and the
// owning account stands in for the project. Group descriptions cannot be
// changed after creation.
package ec2

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"

	"grimm.is/sgmanager/internal/logging"
	"grimm.is/sgmanager/internal/remote"
)

// Client manages the security groups of one VPC.
type Client struct {
	api   ec2iface.EC2API
	vpcID string
	log   *logging.Logger

	mu    sync.Mutex
	rules map[string]ruleRef
}

// ruleRef locates a rule for revocation, which needs its group and
// direction.
type ruleRef struct {
	groupID string
	egress  bool
}

// Option configures a Client.
type Option func(*Client)

// WithVPC restricts the client to groups of one VPC, and creates groups
// there.
func WithVPC(id string) Option {
	return func(c *Client) { c.vpcID = id }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New returns a client issuing calls through api.
func New(api ec2iface.EC2API, opts ...Option) *Client {
	c := &Client{api: api, rules: make(map[string]ruleRef)}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logging.WithComponent("ec2")
	}
	return c
}

// NewFromEnv returns a client using the AWS shared configuration and
// credential chain.
func NewFromEnv(region string, opts ...Option) (*Client, error) {
	sess, err := session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create AWS session, %w", err)
	}
	cfg := aws.NewConfig()
	if region != "" {
		cfg = cfg.WithRegion(region)
	}
	return New(ec2.New(sess, cfg), opts...), nil
}

// ListGroups implements remote.Client.
func (c *Client) ListGroups(ctx context.Context) ([]remote.Group, error) {
	input := &ec2.DescribeSecurityGroupsInput{}
	if c.vpcID != "" {
		input.Filters = []*ec2.Filter{{Name: aws.String("vpc-id"), Values: aws.StringSlice([]string{c.vpcID})}}
	}
	var sgs []*ec2.SecurityGroup
	err := c.api.DescribeSecurityGroupsPagesWithContext(ctx, input, func(out *ec2.DescribeSecurityGroupsOutput, _ bool) bool {
		sgs = append(sgs, out.SecurityGroups...)
		return true
	})
	if err != nil {
		return nil, translate(err)
	}
	return c.withRules(ctx, sgs)
}

// withRules converts groups and attaches their rules.
func (c *Client) withRules(ctx context.Context, sgs []*ec2.SecurityGroup) ([]remote.Group, error) {
	groups := make([]remote.Group, 0, len(sgs))
	index := make(map[string]int, len(sgs))
	ids := make([]string, 0, len(sgs))
	for _, sg := range sgs {
		index[aws.StringValue(sg.GroupId)] = len(groups)
		ids = append(ids, aws.StringValue(sg.GroupId))
		groups = append(groups, groupFromEC2(sg))
	}

	// Filter values are limited; list rules in chunks.
	const chunk = 200
	for start := 0; start < len(ids); start += chunk {
		input := &ec2.DescribeSecurityGroupRulesInput{
			Filters: []*ec2.Filter{{
				Name:   aws.String("group-id"),
				Values: aws.StringSlice(ids[start:min(start+chunk, len(ids))]),
			}},
		}
		err := c.api.DescribeSecurityGroupRulesPagesWithContext(ctx, input, func(out *ec2.DescribeSecurityGroupRulesOutput, _ bool) bool {
			for _, sr := range out.SecurityGroupRules {
				i, ok := index[aws.StringValue(sr.GroupId)]
				if !ok {
					continue
				}
				r, ok := ruleFromEC2(sr)
				if !ok {
					c.log.Debug("skipping prefix list rule", "rule", aws.StringValue(sr.SecurityGroupRuleId))
					continue
				}
				groups[i].Rules = append(groups[i].Rules, r)
				c.remember(sr)
			}
			return true
		})
		if err != nil {
			return nil, translate(err)
		}
	}
	return groups, nil
}

// CreateGroup implements remote.Client.
func (c *Client) CreateGroup(ctx context.Context, name, description string) (remote.Group, error) {
	if description == "" {
		description = name
	}
	input := &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(name),
		Description: aws.String(description),
	}
	if c.vpcID != "" {
		input.VpcId = aws.String(c.vpcID)
	}
	out, err := c.api.CreateSecurityGroupWithContext(ctx, input)
	if err != nil {
		return remote.Group{}, translate(err)
	}

	// Describe the new group for its owner and default egress rule.
	id := aws.StringValue(out.GroupId)
	var sgs []*ec2.SecurityGroup
	err = c.api.DescribeSecurityGroupsPagesWithContext(ctx, &ec2.DescribeSecurityGroupsInput{
		GroupIds: aws.StringSlice([]string{id}),
	}, func(out *ec2.DescribeSecurityGroupsOutput, _ bool) bool {
		sgs = append(sgs, out.SecurityGroups...)
		return true
	})
	if err != nil {
		return remote.Group{}, translate(err)
	}
	if len(sgs) == 0 {
		return remote.Group{ID: id, Name: name, Description: description}, nil
	}
	groups, err := c.withRules(ctx, sgs[:1])
	if err != nil {
		return remote.Group{}, err
	}
	return groups[0], nil
}

// UpdateGroup implements remote.Client. EC2 descriptions are immutable.
func (c *Client) UpdateGroup(context.Context, string, string) error {
	return fmt.Errorf("EC2 security group descriptions cannot be changed: %w", remote.ErrNotSupported)
}

// DeleteGroup implements remote.Client.
func (c *Client) DeleteGroup(ctx context.Context, id string) error {
	_, err := c.api.DeleteSecurityGroupWithContext(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(id)})
	return translate(err)
}

// CreateRule implements remote.Client.
func (c *Client) CreateRule(ctx context.Context, req remote.CreateRuleRequest) (remote.Rule, error) {
	perm, err := permission(req)
	if err != nil {
		return remote.Rule{}, err
	}

	var created []*ec2.SecurityGroupRule
	if req.Direction == "egress" {
		out, err := c.api.AuthorizeSecurityGroupEgressWithContext(ctx, &ec2.AuthorizeSecurityGroupEgressInput{
			GroupId:       aws.String(req.GroupID),
			IpPermissions: []*ec2.IpPermission{perm},
		})
		if err != nil {
			return remote.Rule{}, translate(err)
		}
		created = out.SecurityGroupRules
	} else {
		out, err := c.api.AuthorizeSecurityGroupIngressWithContext(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       aws.String(req.GroupID),
			IpPermissions: []*ec2.IpPermission{perm},
		})
		if err != nil {
			return remote.Rule{}, translate(err)
		}
		created = out.SecurityGroupRules
	}
	if len(created) == 0 {
		return remote.Rule{}, fmt.Errorf("authorize returned no rule for group %s", req.GroupID)
	}

	r, _ := ruleFromEC2(created[0])
	c.remember(created[0])
	return r, nil
}

// DeleteRule implements remote.Client.
func (c *Client) DeleteRule(ctx context.Context, id string) error {
	ref, err := c.lookup(ctx, id)
	if err != nil {
		return err
	}
	ids := aws.StringSlice([]string{id})
	if ref.egress {
		_, err = c.api.RevokeSecurityGroupEgressWithContext(ctx, &ec2.RevokeSecurityGroupEgressInput{
			GroupId:              aws.String(ref.groupID),
			SecurityGroupRuleIds: ids,
		})
	} else {
		_, err = c.api.RevokeSecurityGroupIngressWithContext(ctx, &ec2.RevokeSecurityGroupIngressInput{
			GroupId:              aws.String(ref.groupID),
			SecurityGroupRuleIds: ids,
		})
	}
	if err != nil {
		return translate(err)
	}
	c.mu.Lock()
	delete(c.rules, id)
	c.mu.Unlock()
	return nil
}

func (c *Client) remember(sr *ec2.SecurityGroupRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules[aws.StringValue(sr.SecurityGroupRuleId)] = ruleRef{
		groupID: aws.StringValue(sr.GroupId),
		egress:  aws.BoolValue(sr.IsEgress),
	}
}

// lookup returns where a rule lives, describing it when it was not seen
// by a previous listing.
func (c *Client) lookup(ctx context.Context, id string) (ruleRef, error) {
	c.mu.Lock()
	ref, ok := c.rules[id]
	c.mu.Unlock()
	if ok {
		return ref, nil
	}

	out, err := c.api.DescribeSecurityGroupRulesWithContext(ctx, &ec2.DescribeSecurityGroupRulesInput{
		SecurityGroupRuleIds: aws.StringSlice([]string{id}),
	})
	if err != nil {
		return ruleRef{}, translate(err)
	}
	if len(out.SecurityGroupRules) == 0 {
		return ruleRef{}, fmt.Errorf("rule %s: %w", id, remote.ErrNotFound)
	}
	c.remember(out.SecurityGroupRules[0])
	return ruleRef{
		groupID: aws.StringValue(out.SecurityGroupRules[0].GroupId),
		egress:  aws.BoolValue(out.SecurityGroupRules[0].IsEgress),
	}, nil
}

func groupFromEC2(sg *ec2.SecurityGroup) remote.Group {
	g := remote.Group{
		ID:          aws.StringValue(sg.GroupId),
		Name:        aws.StringValue(sg.GroupName),
		Description: aws.StringValue(sg.Description),
		ProjectID:   aws.StringValue(sg.OwnerId),
		Rules:       []remote.Rule{},
	}
	for _, t := range sg.Tags {
		g.Tags = append(g.Tags, aws.StringValue(t.Key)+"="+aws.StringValue(t.Value))
	}
	return g
}

// ruleFromEC2 maps an EC2 rule. Rules granting access to a prefix list
// have no equivalent and are reported as not ok.
func ruleFromEC2(sr *ec2.SecurityGroupRule) (remote.Rule, bool) {
	r := remote.Rule{
		ID:        aws.StringValue(sr.SecurityGroupRuleId),
		GroupID:   aws.StringValue(sr.GroupId),
		Direction: "ingress",
		EtherType: "IPv4",
	}
	if aws.BoolValue(sr.IsEgress) {
		r.Direction = "egress"
	}

	switch {
	case sr.CidrIpv4 != nil:
		r.RemoteIPPrefix = sr.CidrIpv4
	case sr.CidrIpv6 != nil:
		r.RemoteIPPrefix = sr.CidrIpv6
		r.EtherType = "IPv6"
	case sr.ReferencedGroupInfo != nil && sr.ReferencedGroupInfo.GroupId != nil:
		r.RemoteGroupID = sr.ReferencedGroupInfo.GroupId
	default:
		return r, false
	}

	proto := strings.ToLower(aws.StringValue(sr.IpProtocol))
	switch proto {
	case "-1", "":
		return r, true
	case "icmpv6":
		proto = "icmp"
	}
	r.Protocol = aws.String(proto)

	from, to := aws.Int64Value(sr.FromPort), aws.Int64Value(sr.ToPort)
	fullRange := (proto == "tcp" || proto == "udp") && from == 0 && to == 65535
	if sr.FromPort != nil && sr.ToPort != nil && !fullRange && from != -1 {
		r.PortRangeMin = remote.IntPtr(int(from))
		r.PortRangeMax = remote.IntPtr(int(to))
	}
	return r, true
}

// permission builds the EC2 permission granting req.
func permission(req remote.CreateRuleRequest) (*ec2.IpPermission, error) {
	perm := &ec2.IpPermission{IpProtocol: aws.String("-1")}
	if p := remote.Deref(req.Protocol); p != "" {
		if p == "icmp" && req.EtherType == "IPv6" {
			p = "icmpv6"
		}
		perm.IpProtocol = aws.String(p)
		switch {
		case req.PortRangeMin != nil && req.PortRangeMax != nil:
			perm.FromPort = aws.Int64(int64(*req.PortRangeMin))
			perm.ToPort = aws.Int64(int64(*req.PortRangeMax))
		case p == "tcp" || p == "udp":
			perm.FromPort = aws.Int64(0)
			perm.ToPort = aws.Int64(65535)
		default:
			perm.FromPort = aws.Int64(-1)
			perm.ToPort = aws.Int64(-1)
		}
	}

	switch {
	case req.RemoteGroupID != nil:
		perm.UserIdGroupPairs = []*ec2.UserIdGroupPair{{GroupId: req.RemoteGroupID}}
	case req.EtherType == "IPv6":
		perm.Ipv6Ranges = []*ec2.Ipv6Range{{CidrIpv6: aws.String(cidrOr(req.RemoteIPPrefix, "::/0"))}}
	case req.EtherType == "IPv4" || req.EtherType == "":
		perm.IpRanges = []*ec2.IpRange{{CidrIp: aws.String(cidrOr(req.RemoteIPPrefix, "0.0.0.0/0"))}}
	default:
		return nil, fmt.Errorf("unsupported ethertype %q", req.EtherType)
	}
	return perm, nil
}

func cidrOr(p *string, def string) string {
	if v := remote.Deref(p); v != "" {
		return v
	}
	return def
}

// translate maps EC2 "not found" errors to remote.ErrNotFound.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) && strings.HasSuffix(aerr.Code(), ".NotFound") {
		return fmt.Errorf("%s: %w", aerr.Message(), remote.ErrNotFound)
	}
	return err
}

var _ remote.Client = (*Client)(nil)
