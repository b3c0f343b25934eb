package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"

	"grimm.is/sgmanager/internal/secgroup"
)

// hclDocument is the HCL schema of a groups file.
type hclDocument struct {
	Document *string    `hcl:"document,optional"`
	Version  *int       `hcl:"version,optional"`
	Groups   []hclGroup `hcl:"group,block"`
}

type hclGroup struct {
	Name        string    `hcl:"name,label"`
	Description *string   `hcl:"description,optional"`
	Tags        []string  `hcl:"tags,optional"`
	Rules       []hclRule `hcl:"rule,block"`
}

type hclRule struct {
	Direction *string  `hcl:"direction,optional"`
	EtherType *string  `hcl:"ethertype,optional"`
	Protocol  *string  `hcl:"protocol,optional"`
	Port      *int     `hcl:"port,optional"`
	PortMin   *int     `hcl:"port_min,optional"`
	PortMax   *int     `hcl:"port_max,optional"`
	CIDR      []string `hcl:"cidr,optional"`
	Groups    []string `hcl:"groups,optional"`
	To        []hclTo  `hcl:"to,block"`
}

type hclTo struct {
	Direction *string `hcl:"direction,optional"`
	EtherType *string `hcl:"ethertype,optional"`
	Protocol  *string `hcl:"protocol,optional"`
	Port      *int    `hcl:"port,optional"`
	PortMin   *int    `hcl:"port_min,optional"`
	PortMax   *int    `hcl:"port_max,optional"`
}

func (t hclTo) fragment() secgroup.Fragment {
	return secgroup.Fragment{
		Direction: t.Direction,
		EtherType: t.EtherType,
		Protocol:  t.Protocol,
		Port:      t.Port,
		PortMin:   t.PortMin,
		PortMax:   t.PortMax,
	}
}

// LoadHCL loads definitions from HCL bytes.
func LoadHCL(data []byte, filename string) (*LoadResult, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, &Error{Message: "HCL parse error: " + diags.Error()}
	}

	var doc hclDocument
	if diags := gohcl.DecodeBody(file.Body, nil, &doc); diags.HasErrors() {
		return nil, &Error{Message: "HCL decode error: " + diags.Error()}
	}
	if doc.Document != nil && *doc.Document != DocumentType {
		return nil, &Error{File: filename, Message: fmt.Sprintf("document type %q must be %q", *doc.Document, DocumentType)}
	}
	if doc.Version != nil && *doc.Version != DocumentVersion {
		return nil, &Error{File: filename, Message: fmt.Sprintf("document version %d is not supported", *doc.Version)}
	}

	result := &LoadResult{Dialect: DialectHCL}
	for _, g := range doc.Groups {
		def := secgroup.Definition{Name: g.Name, Tags: g.Tags}
		if g.Description != nil {
			def.Description = *g.Description
		}
		for _, r := range g.Rules {
			entry := secgroup.RuleEntry{
				Fragment: secgroup.Fragment{
					Direction: r.Direction,
					EtherType: r.EtherType,
					Protocol:  r.Protocol,
					Port:      r.Port,
					PortMin:   r.PortMin,
					PortMax:   r.PortMax,
				},
				CIDR:   r.CIDR,
				Groups: r.Groups,
			}
			for _, t := range r.To {
				entry.To = append(entry.To, t.fragment())
			}
			def.Rules = append(def.Rules, entry)
		}
		result.Definitions = append(result.Definitions, def)
	}
	return result, nil
}

// DumpHCL renders groups as an HCL document, sorted by name.
func DumpHCL(groups []*secgroup.Group) []byte {
	f := hclwrite.NewEmptyFile()
	body := f.Body()
	body.SetAttributeValue("document", cty.StringVal(DocumentType))
	body.SetAttributeValue("version", cty.NumberIntVal(DocumentVersion))

	for _, def := range definitions(groups) {
		body.AppendNewline()
		block := body.AppendNewBlock("group", []string{def.Name})
		blockBody := block.Body()
		if def.Description != "" {
			blockBody.SetAttributeValue("description", cty.StringVal(def.Description))
		}
		if len(def.Tags) > 0 {
			blockBody.SetAttributeValue("tags", toCtyStringList(def.Tags))
		}
		for _, entry := range def.Rules {
			appendRuleBlock(blockBody, entry)
		}
	}
	return f.Bytes()
}

// appendRuleBlock adds a rule block to a group body.
func appendRuleBlock(body *hclwrite.Body, entry secgroup.RuleEntry) {
	blockBody := body.AppendNewBlock("rule", nil).Body()
	setFragment(blockBody, entry.Fragment)
	if entry.CIDR != nil {
		blockBody.SetAttributeValue("cidr", toCtyStringList(entry.CIDR))
	}
	if entry.Groups != nil {
		blockBody.SetAttributeValue("groups", toCtyStringList(entry.Groups))
	}
	for _, over := range entry.To {
		setFragment(blockBody.AppendNewBlock("to", nil).Body(), over)
	}
}

func setFragment(body *hclwrite.Body, f secgroup.Fragment) {
	if f.Direction != nil {
		body.SetAttributeValue("direction", cty.StringVal(*f.Direction))
	}
	if f.EtherType != nil {
		body.SetAttributeValue("ethertype", cty.StringVal(*f.EtherType))
	}
	if f.Protocol != nil {
		body.SetAttributeValue("protocol", cty.StringVal(*f.Protocol))
	}
	if f.Port != nil {
		body.SetAttributeValue("port", cty.NumberIntVal(int64(*f.Port)))
	}
	if f.PortMin != nil {
		body.SetAttributeValue("port_min", cty.NumberIntVal(int64(*f.PortMin)))
	}
	if f.PortMax != nil {
		body.SetAttributeValue("port_max", cty.NumberIntVal(int64(*f.PortMax)))
	}
}

// toCtyStringList converts a []string to cty.Value list
func toCtyStringList(strs []string) cty.Value {
	if len(strs) == 0 {
		return cty.ListValEmpty(cty.String)
	}
	vals := make([]cty.Value, len(strs))
	for i, s := range strs {
		vals[i] = cty.StringVal(s)
	}
	return cty.ListVal(vals)
}
