package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"grimm.is/sgmanager/internal/logging"
	"grimm.is/sgmanager/internal/secgroup"
)

// Envelope identification of a groups document.
const (
	DocumentType    = "sgmanager-groups"
	DocumentVersion = 1
)

// Dialect names the input format a file was read as.
type Dialect string

const (
	DialectEnvelope Dialect = "envelope"
	DialectLegacy   Dialect = "legacy"
	DialectHCL      Dialect = "hcl"
)

// LoadOptions controls how configs are loaded.
type LoadOptions struct {
	// AllowLegacy accepts files written in the historical format.
	AllowLegacy bool

	// MaxIncludeDepth bounds nested !include tags.
	MaxIncludeDepth int
}

// DefaultLoadOptions returns sensible defaults for loading configs.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{
		AllowLegacy:     true,
		MaxIncludeDepth: 8,
	}
}

// LoadResult contains the loaded definitions and metadata about the load.
type LoadResult struct {
	Definitions []secgroup.Definition
	Dialect     Dialect
	Warnings    []string
}

// LoadFile loads group definitions from a YAML, JSON or HCL file.
func LoadFile(path string) ([]secgroup.Definition, error) {
	result, err := LoadFileWithOptions(path, DefaultLoadOptions())
	if err != nil {
		return nil, err
	}
	return result.Definitions, nil
}

// LoadFileWithOptions loads a file with explicit options. The format is
// chosen by extension; anything but .hcl is read as YAML, which covers
// JSON.
func LoadFileWithOptions(path string, opts LoadOptions) (*LoadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var result *LoadResult
	if strings.ToLower(filepath.Ext(path)) == ".hcl" {
		result, err = LoadHCL(data, path)
	} else {
		result, err = LoadYAML(data, path, opts)
	}
	if err != nil {
		return nil, err
	}

	log := logging.WithComponent("config")
	for _, w := range result.Warnings {
		log.Warn(w, "file", path)
	}
	log.Debug("loaded configuration", "file", path, "dialect", result.Dialect, "groups", len(result.Definitions))
	return result, nil
}

// includeTag marks a node to be replaced by another file.
const includeTag = "!include"

type loader struct {
	file     string
	opts     LoadOptions
	warnings []string
}

// LoadYAML loads definitions from YAML or JSON bytes. filename locates
// included files and is used in error messages.
func LoadYAML(data []byte, filename string, opts LoadOptions) (*LoadResult, error) {
	if opts.MaxIncludeDepth <= 0 {
		opts.MaxIncludeDepth = DefaultLoadOptions().MaxIncludeDepth
	}
	l := &loader{file: filename, opts: opts}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &Error{File: filename, Message: "cannot parse: " + err.Error()}
	}
	if len(doc.Content) == 0 {
		return nil, &Error{File: filename, Message: "document is empty"}
	}
	root := doc.Content[0]
	if err := l.resolveIncludes(root, filepath.Dir(filename), 0); err != nil {
		return nil, err
	}

	root = resolve(root)
	if root.Kind != yaml.MappingNode {
		return nil, l.errorf(root, "the topmost collection must be a mapping, not a %s", kindName(root))
	}

	result := &LoadResult{Dialect: DialectEnvelope}
	var items []*yaml.Node
	var err error
	if keyIndex(root, "document") < 0 {
		if !opts.AllowLegacy {
			return nil, l.errorf(root, "key 'document' must be present")
		}
		result.Dialect = DialectLegacy
		l.warn("legacy configuration format, dump it to convert to a %s document", DocumentType)
		items, err = l.legacy(root)
	} else {
		items, err = l.envelope(root)
	}
	if err != nil {
		return nil, err
	}

	for _, item := range items {
		def, err := l.item(item)
		if err != nil {
			return nil, err
		}
		result.Definitions = append(result.Definitions, def)
	}
	result.Warnings = l.warnings
	return result, nil
}

// envelope checks the document type and version and returns the data
// entries.
func (l *loader) envelope(root *yaml.Node) ([]*yaml.Node, error) {
	fields := make(map[string]*yaml.Node, len(root.Content)/2)
	var keys []string
	for i := 0; i+1 < len(root.Content); i += 2 {
		k := root.Content[i].Value
		fields[k] = resolve(root.Content[i+1])
		keys = append(keys, k)
	}
	pop := func(key string) (*yaml.Node, error) {
		n, ok := fields[key]
		if !ok {
			return nil, l.errorf(root, "key '%s' must be present", key)
		}
		delete(fields, key)
		return n, nil
	}

	doc, err := pop("document")
	if err != nil {
		return nil, err
	}
	if doc.Kind != yaml.ScalarNode || doc.Tag != "!!str" {
		return nil, l.errorf(doc, "key 'document' must be a string, not a %s", kindName(doc))
	}
	if doc.Value != DocumentType {
		return nil, l.errorf(doc, "document type %q must be %q", doc.Value, DocumentType)
	}

	ver, err := pop("version")
	if err != nil {
		return nil, err
	}
	var version int
	if ver.Kind != yaml.ScalarNode || ver.Tag != "!!int" || ver.Decode(&version) != nil {
		return nil, l.errorf(ver, "key 'version' must be an integer, not a %s", kindName(ver))
	}
	if version != DocumentVersion {
		return nil, l.errorf(ver, "document version %d is not supported", version)
	}

	data, err := pop("data")
	if err != nil {
		return nil, err
	}
	if data.Kind != yaml.SequenceNode {
		return nil, l.errorf(data, "key 'data' must be a list, not a %s", kindName(data))
	}

	if len(fields) > 0 {
		var extra []string
		for _, k := range keys {
			if _, ok := fields[k]; ok {
				extra = append(extra, k)
			}
		}
		return nil, l.errorf(root, "extra keys: %s", strings.Join(extra, ", "))
	}
	return data.Content, nil
}

// item decodes one single-key data entry.
func (l *loader) item(n *yaml.Node) (secgroup.Definition, error) {
	n = resolve(n)
	if n.Kind != yaml.MappingNode || len(n.Content) == 0 {
		return secgroup.Definition{}, l.errorf(n, "data entries must map a group name to its definition, not a %s", kindName(n))
	}
	name := n.Content[0].Value
	if len(n.Content) > 2 {
		return secgroup.Definition{}, l.errorf(n, "syntax error for item named %q, missing indent?", name)
	}
	return l.definition(name, resolve(n.Content[1]))
}

func (l *loader) definition(name string, n *yaml.Node) (secgroup.Definition, error) {
	def := secgroup.Definition{Name: name}
	if isNull(n) {
		return def, nil
	}
	if n.Kind != yaml.MappingNode {
		return def, l.errorf(n, "group %q must be a mapping, not a %s", name, kindName(n))
	}

	for i := 0; i+1 < len(n.Content); i += 2 {
		key, value := n.Content[i], resolve(n.Content[i+1])
		switch key.Value {
		case "description":
			if !isNull(value) {
				if err := value.Decode(&def.Description); err != nil {
					return def, l.errorf(value, "group %q: description: %v", name, err)
				}
			}
		case "tags":
			if err := scalarToList(value).Decode(&def.Tags); err != nil {
				return def, l.errorf(value, "group %q: tags: %v", name, err)
			}
		case "rules":
			if isNull(value) {
				continue
			}
			if value.Kind != yaml.SequenceNode {
				return def, l.errorf(value, "group %q: rules must be a list, not a %s", name, kindName(value))
			}
			for j, rn := range value.Content {
				entry, err := l.rule(resolve(rn))
				if err != nil {
					return def, l.errorf(rn, "group %q: rules[%d]: %v", name, j, err)
				}
				def.Rules = append(def.Rules, entry)
			}
		default:
			return def, l.errorf(key, "group %q: unknown key %q", name, key.Value)
		}
	}
	return def, nil
}

var (
	ruleKeys = append(slices.Clone(secgroup.FragmentKeys), "cidr", "groups", "to")

	// portAliases are historical spellings of the port range keys.
	portAliases = map[string]string{
		"port_from": "port_min",
		"port_to":   "port_max",
	}
)

// rule normalizes a rule entry node and decodes it.
func (l *loader) rule(n *yaml.Node) (secgroup.RuleEntry, error) {
	var entry secgroup.RuleEntry
	if n.Kind != yaml.MappingNode {
		return entry, fmt.Errorf("rule must be a mapping, not a %s", kindName(n))
	}
	norm, err := l.normalize(n, ruleKeys)
	if err != nil {
		return entry, err
	}

	for i := 0; i+1 < len(norm.Content); i += 2 {
		switch norm.Content[i].Value {
		case "cidr", "groups":
			norm.Content[i+1] = scalarToList(norm.Content[i+1])
		case "to":
			to := norm.Content[i+1]
			if to.Kind != yaml.SequenceNode {
				return entry, fmt.Errorf("to must be a list, not a %s", kindName(to))
			}
			for j, over := range to.Content {
				over = resolve(over)
				if over.Kind != yaml.MappingNode {
					return entry, fmt.Errorf("to[%d] must be a mapping, not a %s", j, kindName(over))
				}
				if to.Content[j], err = l.normalize(over, secgroup.FragmentKeys); err != nil {
					return entry, fmt.Errorf("to[%d]: %w", j, err)
				}
			}
		}
	}

	if err := norm.Decode(&entry); err != nil {
		return entry, err
	}
	return entry, nil
}

// normalize returns a copy of a mapping with port aliases renamed, after
// checking every key is one of allowed.
func (l *loader) normalize(n *yaml.Node, allowed []string) (*yaml.Node, error) {
	out := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map", Line: n.Line, Column: n.Column}
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, value := *n.Content[i], resolve(n.Content[i+1])
		if alias, ok := portAliases[key.Value]; ok {
			if keyIndex(n, alias) >= 0 {
				return nil, fmt.Errorf("both %s and %s are specified", key.Value, alias)
			}
			l.warn("%s is deprecated, use %s", key.Value, alias)
			key.Value = alias
		}
		if !slices.Contains(allowed, key.Value) {
			return nil, fmt.Errorf("line %d: unknown key %q", key.Line, key.Value)
		}
		out.Content = append(out.Content, &key, value)
	}
	return out, nil
}

// resolveIncludes replaces every !include node below n, in place.
func (l *loader) resolveIncludes(n *yaml.Node, dir string, depth int) error {
	if n.Tag != includeTag {
		for _, c := range n.Content {
			if err := l.resolveIncludes(c, dir, depth); err != nil {
				return err
			}
		}
		return nil
	}

	if depth >= l.opts.MaxIncludeDepth {
		return l.errorf(n, "includes nested deeper than %d", l.opts.MaxIncludeDepth)
	}
	switch n.Kind {
	case yaml.ScalarNode:
		inc, err := l.include(n, n.Value, dir, depth)
		if err != nil {
			return err
		}
		*n = *inc
	case yaml.SequenceNode:
		items := make([]*yaml.Node, 0, len(n.Content))
		for _, c := range n.Content {
			if c.Kind != yaml.ScalarNode {
				return l.errorf(c, "!include expects file names, not a %s", kindName(c))
			}
			inc, err := l.include(c, c.Value, dir, depth)
			if err != nil {
				return err
			}
			items = append(items, inc)
		}
		*n = yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq", Content: items, Line: n.Line, Column: n.Column}
	default:
		return l.errorf(n, "expected either a sequence or scalar node, %s found", kindName(n))
	}
	return nil
}

// include reads and parses one included file.
func (l *loader) include(at *yaml.Node, name, dir string, depth int) (*yaml.Node, error) {
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, l.errorf(at, "cannot include %s: %v", name, err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &Error{File: path, Message: "cannot parse: " + err.Error()}
	}
	if len(doc.Content) == 0 {
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Line: at.Line, Column: at.Column}, nil
	}
	root := doc.Content[0]
	if err := l.resolveIncludes(root, filepath.Dir(path), depth+1); err != nil {
		return nil, err
	}
	return root, nil
}

func (l *loader) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if !slices.Contains(l.warnings, msg) {
		l.warnings = append(l.warnings, msg)
	}
}

func (l *loader) errorf(n *yaml.Node, format string, args ...any) error {
	return &Error{File: l.file, Line: n.Line, Message: fmt.Sprintf(format, args...)}
}

// resolve follows alias nodes to their anchor.
func resolve(n *yaml.Node) *yaml.Node {
	for n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	return n
}

func isNull(n *yaml.Node) bool {
	return n.Kind == yaml.ScalarNode && n.Tag == "!!null"
}

// scalarToList wraps a non-null scalar into a one-item sequence.
func scalarToList(n *yaml.Node) *yaml.Node {
	n = resolve(n)
	if n.Kind != yaml.ScalarNode || isNull(n) {
		return n
	}
	return &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq", Line: n.Line, Column: n.Column, Content: []*yaml.Node{n}}
}

// keyIndex returns the index of key in a mapping's content, or -1.
func keyIndex(m *yaml.Node, key string) int {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return i
		}
	}
	return -1
}

func kindName(n *yaml.Node) string {
	switch n.Kind {
	case yaml.MappingNode:
		return "mapping"
	case yaml.SequenceNode:
		return "list"
	case yaml.ScalarNode:
		switch n.Tag {
		case "!!null":
			return "null"
		case "!!str":
			return "string"
		case "!!int":
			return "integer"
		case "!!bool":
			return "boolean"
		case "!!float":
			return "float"
		}
		return "scalar"
	}
	return "node"
}
