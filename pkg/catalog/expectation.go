package catalog

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Expectation is the set of checks applied to a case's response. Every
// declared check is evaluated independently.
type Expectation struct {
	Status         *int              `yaml:"status,omitempty"`
	StatusIn       []int             `yaml:"status_in,omitempty"`
	HeaderContains map[string]string `yaml:"response_header_contains,omitempty"`
	Schema         string            `yaml:"schema,omitempty"`
	PathExists     []string          `yaml:"json_path_exists,omitempty"`
	PathEquals     []PathCheck       `yaml:"json_path_equals,omitempty"`
	PathIn         []PathMembership  `yaml:"json_path_in,omitempty"`
	CEL            []string          `yaml:"cel,omitempty"`
	ReplayStatus   *int              `yaml:"replay_status,omitempty"`
}

// HasStatusIn reports whether status_in was declared, even as an empty list.
func (e *Expectation) HasStatusIn() bool {
	return e.StatusIn != nil
}

// NeedsJSON reports whether any declared check needs the parsed response body.
func (e *Expectation) NeedsJSON() bool {
	return e.Schema != "" ||
		len(e.PathExists) > 0 ||
		len(e.PathEquals) > 0 ||
		len(e.PathIn) > 0 ||
		len(e.CEL) > 0
}

// ExpectedReplayStatus is the status the replayed request must get.
func (e *Expectation) ExpectedReplayStatus() int {
	if e.ReplayStatus != nil {
		return *e.ReplayStatus
	}
	return DefaultReplayStatus
}

// PathCheck asserts the value at Path deep-equals Value.
//
// YAML accepts either the pair form `["$.a", 1]` or `{path: "$.a", value: 1}`.
type PathCheck struct {
	Path  string
	Value any
}

func (p *PathCheck) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		if len(node.Content) != 2 {
			return fmt.Errorf("line %d: json_path_equals entry needs [path, value], got %d items", node.Line, len(node.Content))
		}
		if err := node.Content[0].Decode(&p.Path); err != nil {
			return err
		}
		return node.Content[1].Decode(&p.Value)
	case yaml.MappingNode:
		var m struct {
			Path  string `yaml:"path"`
			Value any    `yaml:"value"`
		}
		if err := node.Decode(&m); err != nil {
			return err
		}
		p.Path, p.Value = m.Path, m.Value
		return nil
	default:
		return fmt.Errorf("line %d: json_path_equals entry must be a list or mapping", node.Line)
	}
}

// PathMembership asserts the value at Path is one of Allowed.
//
// YAML accepts `["$.a", [x, y]]` or `{path: "$.a", allowed: [x, y]}`.
type PathMembership struct {
	Path    string
	Allowed []any
}

func (p *PathMembership) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		if len(node.Content) != 2 {
			return fmt.Errorf("line %d: json_path_in entry needs [path, [allowed...]], got %d items", node.Line, len(node.Content))
		}
		if err := node.Content[0].Decode(&p.Path); err != nil {
			return err
		}
		return node.Content[1].Decode(&p.Allowed)
	case yaml.MappingNode:
		var m struct {
			Path    string `yaml:"path"`
			Allowed []any  `yaml:"allowed"`
		}
		if err := node.Decode(&m); err != nil {
			return err
		}
		p.Path, p.Allowed = m.Path, m.Allowed
		return nil
	default:
		return fmt.Errorf("line %d: json_path_in entry must be a list or mapping", node.Line)
	}
}
