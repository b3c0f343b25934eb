package config

import (
	"gopkg.in/yaml.v3"
)

// legacy converts a historical top-level mapping into data entries: each
// key names a group, and include entries are merged in first.
func (l *loader) legacy(root *yaml.Node) ([]*yaml.Node, error) {
	merged, err := l.mergeIncludes(root)
	if err != nil {
		return nil, err
	}
	items := make([]*yaml.Node, 0, len(merged.Content)/2)
	for i := 0; i+1 < len(merged.Content); i += 2 {
		k, v := merged.Content[i], merged.Content[i+1]
		items = append(items, &yaml.Node{
			Kind:    yaml.MappingNode,
			Tag:     "!!map",
			Line:    k.Line,
			Column:  k.Column,
			Content: []*yaml.Node{k, v},
		})
	}
	return items, nil
}

// mergeIncludes returns m without include keys, with every included
// mapping merged in. Keys already present are never overwritten; nested
// mappings merge recursively.
func (l *loader) mergeIncludes(m *yaml.Node) (*yaml.Node, error) {
	out := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map", Line: m.Line, Column: m.Column}
	var includes []*yaml.Node

	for i := 0; i+1 < len(m.Content); i += 2 {
		k, v := m.Content[i], resolve(m.Content[i+1])
		if k.Value != "include" {
			if v.Kind == yaml.MappingNode {
				fixed, err := l.mergeIncludes(v)
				if err != nil {
					return nil, err
				}
				v = fixed
			}
			out.Content = append(out.Content, k, v)
			continue
		}

		if isNull(v) {
			continue
		}
		if v.Kind != yaml.SequenceNode {
			return nil, l.errorf(v, "include must be a list, not a %s", kindName(v))
		}
		for _, inc := range v.Content {
			inc = resolve(inc)
			if isNull(inc) {
				continue
			}
			if inc.Kind != yaml.MappingNode {
				return nil, l.errorf(inc, "included documents must be mappings, not a %s", kindName(inc))
			}
			fixed, err := l.mergeIncludes(inc)
			if err != nil {
				return nil, err
			}
			includes = append(includes, fixed)
		}
	}

	for _, inc := range includes {
		mergeMapping(out, inc)
	}
	return out, nil
}

func mergeMapping(dst, src *yaml.Node) {
	for i := 0; i+1 < len(src.Content); i += 2 {
		k, v := src.Content[i], src.Content[i+1]
		j := keyIndex(dst, k.Value)
		if j < 0 {
			dst.Content = append(dst.Content, k, v)
			continue
		}
		if existing := dst.Content[j+1]; existing.Kind == yaml.MappingNode && v.Kind == yaml.MappingNode {
			mergeMapping(existing, v)
		}
	}
}
