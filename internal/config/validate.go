package config

import (
	"fmt"

	"grimm.is/sgmanager/internal/secgroup"
)

// Error is a problem found while reading a configuration file.
type Error struct {
	File    string
	Line    int
	Message string
}

func (e *Error) Error() string {
	switch {
	case e.File != "" && e.Line > 0:
		return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Message)
	case e.File != "":
		return e.File + ": " + e.Message
	case e.Line > 0:
		return fmt.Sprintf("line %d: %s", e.Line, e.Message)
	}
	return e.Message
}

// Is reports whether target is secgroup.ErrInvalidConfig.
func (e *Error) Is(target error) bool {
	return target == secgroup.ErrInvalidConfig
}

// BuildGroups constructs groups from definitions and validates the result,
// including references between groups.
func BuildGroups(defs []secgroup.Definition, opts secgroup.Options) ([]*secgroup.Group, error) {
	groups := make([]*secgroup.Group, 0, len(defs))
	for _, def := range defs {
		g, err := secgroup.FromLocal(def, opts)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	if err := secgroup.ValidateGroups(groups); err != nil {
		return nil, err
	}
	return groups, nil
}
