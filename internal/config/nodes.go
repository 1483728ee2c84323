package config

import (
	"encoding/hex"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/signwatch/internal/policy"
)

// ruleNode is one instruction entry in the policy document. The YAML value
// is either a bare boolean or a mapping of constraints; absence of the key
// is the implicit deny, so the zero ruleNode means "not configured".
type ruleNode[T any] struct {
	set   bool
	allow *bool
	body  *T
}

func (n *ruleNode[T]) UnmarshalYAML(value *yaml.Node) error {
	n.set = true
	switch value.Kind {
	case yaml.ScalarNode:
		var b bool
		if err := value.Decode(&b); err != nil {
			return fmt.Errorf("line %d: instruction entry must be a boolean or a mapping", value.Line)
		}
		n.allow = &b
		return nil
	case yaml.MappingNode:
		n.body = new(T)
		return value.Decode(n.body)
	default:
		return fmt.Errorf("line %d: instruction entry must be a boolean or a mapping", value.Line)
	}
}

// requiredNode is either a boolean (require the program's presence) or a
// list of instruction type names that must all be present.
type requiredNode struct {
	program      bool
	instructions []string
}

func (n *requiredNode) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		return value.Decode(&n.program)
	case yaml.SequenceNode:
		if err := value.Decode(&n.instructions); err != nil {
			return err
		}
		n.program = len(n.instructions) > 0
		return nil
	default:
		return fmt.Errorf("line %d: required must be a boolean or a list of instruction names", value.Line)
	}
}

func (n requiredNode) requirement() policy.Requirement {
	return policy.Requirement{Program: n.program, Instructions: n.instructions}
}

// lookupNode is either a boolean or a lookup-table sub-policy mapping.
type lookupNode struct {
	set   bool
	allow *bool
	rules *lookupRulesDoc
}

type lookupRulesDoc struct {
	AllowedTables      []string `yaml:"allowed_tables"`
	MaxTables          *int     `yaml:"max_tables"`
	MaxIndexedAccounts *int     `yaml:"max_indexed_accounts"`
}

func (n *lookupNode) UnmarshalYAML(value *yaml.Node) error {
	n.set = true
	switch value.Kind {
	case yaml.ScalarNode:
		var b bool
		if err := value.Decode(&b); err != nil {
			return fmt.Errorf("line %d: lookup_tables must be a boolean or a mapping", value.Line)
		}
		n.allow = &b
		return nil
	case yaml.MappingNode:
		n.rules = new(lookupRulesDoc)
		return value.Decode(n.rules)
	default:
		return fmt.Errorf("line %d: lookup_tables must be a boolean or a mapping", value.Line)
	}
}

// parseDiscriminator parses a hex discriminator like "0xf8c69e91e17587c8".
func parseDiscriminator(s, mode string) (policy.Discriminator, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(trimmed)
	if err != nil {
		return policy.Discriminator{}, fmt.Errorf("discriminator %q is not valid hex: %w", s, err)
	}
	switch mode {
	case "", "exact":
		return policy.Exact(b), nil
	case "prefix":
		return policy.Prefix(b), nil
	default:
		return policy.Discriminator{}, fmt.Errorf("discriminator mode %q must be exact or prefix", mode)
	}
}
