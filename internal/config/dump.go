package config

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"grimm.is/sgmanager/internal/secgroup"
)

// Format selects a canonical output format.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatHCL  Format = "hcl"
)

// Document is the canonical envelope of a groups file.
type Document struct {
	Document string                           `yaml:"document"`
	Version  int                              `yaml:"version"`
	Data     []map[string]secgroup.Definition `yaml:"data"`
}

// Canonical returns the envelope listing groups sorted by name, each rule
// in its most compact form.
func Canonical(groups []*secgroup.Group) Document {
	doc := Document{
		Document: DocumentType,
		Version:  DocumentVersion,
		Data:     []map[string]secgroup.Definition{},
	}
	for _, def := range definitions(groups) {
		doc.Data = append(doc.Data, map[string]secgroup.Definition{def.Name: def})
	}
	return doc
}

func definitions(groups []*secgroup.Group) []secgroup.Definition {
	sorted := slices.Clone(groups)
	slices.SortStableFunc(sorted, func(a, b *secgroup.Group) int {
		return strings.Compare(a.Name, b.Name)
	})
	defs := make([]secgroup.Definition, 0, len(sorted))
	for _, g := range sorted {
		defs = append(defs, g.Definition())
	}
	return defs
}

// DumpYAML renders groups as a canonical YAML document.
func DumpYAML(groups []*secgroup.Group) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(Canonical(groups)); err != nil {
		return nil, fmt.Errorf("failed to encode groups: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode groups: %w", err)
	}
	return buf.Bytes(), nil
}

// Dump renders groups in the given format.
func Dump(groups []*secgroup.Group, format Format) ([]byte, error) {
	switch format {
	case FormatYAML, "":
		return DumpYAML(groups)
	case FormatHCL:
		return DumpHCL(groups), nil
	}
	return nil, fmt.Errorf("unknown output format %q", format)
}
