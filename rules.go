// SPDX-License-Identifier: Apache-2.0

package xmlmerge

import (
	"fmt"
	"slices"
	"sort"
)

// MatchRule decides how the key of a root child is derived from its content.
//
// A MatchRule is one of [UniqueKeys], [ExclusiveUniqueKeys] or [Implicit].
type MatchRule interface {
	matchRule()
}

// UniqueKeys builds the key from every listed child that is present with non-empty text,
// in list order. If none of the children contribute, the rule yields no key.
type UniqueKeys []string

// ExclusiveUniqueKeys holds key groups that are tried in order. The first group with at
// least one contributing child builds the key; later groups are never consulted.
type ExclusiveUniqueKeys [][]string

// Implicit keys an element by its bare local name, so at most one element of the type
// can exist in a document.
type Implicit struct{}

func (UniqueKeys) matchRule()          {}
func (ExclusiveUniqueKeys) matchRule() {}
func (Implicit) matchRule()            {}

// ElementRule is the merge configuration of one element type.
type ElementRule struct {
	// Match derives the element key. A nil Match behaves like [Implicit].
	Match MatchRule
	// EqualKeys lists the children compared between a base and an update element with
	// the same key. Without EqualKeys leaves are compared by their text and elements with
	// children by their whole content.
	EqualKeys []string
}

// TypeRules maps an element local name to its rule.
type TypeRules map[string]ElementRule

// Configuration maps a mode name, such as "profiles" or "customObjects", to the rules
// used when merging documents of that kind.
type Configuration map[string]TypeRules

// Mode returns the rules configured for the named mode.
func (c Configuration) Mode(name string) (TypeRules, error) {
	rules, ok := c[name]
	if !ok {
		return nil, &UnknownModeError{Mode: name, Available: c.Modes()}
	}
	return rules, nil
}

// Modes returns the configured mode names in sorted order.
func (c Configuration) Modes() []string {
	modes := make([]string, 0, len(c))
	for name := range c {
		modes = append(modes, name)
	}
	sort.Strings(modes)
	return modes
}

// RuleKind identifies which part of an element rule had an error.
type RuleKind int

const (
	// UnknownRule indicates an unknown or unsupported rule field.
	UnknownRule RuleKind = iota
	// UniqueKeysRule indicates an error in a uniqueKeys list.
	UniqueKeysRule
	// ExclusiveUniqueKeysRule indicates an error in an exclusiveUniqueKeys list.
	ExclusiveUniqueKeysRule
	// EqualKeysRule indicates an error in an equalKeys list.
	EqualKeysRule
)

func (k RuleKind) String() string {
	switch k {
	case UnknownRule:
		return "unknown"
	case UniqueKeysRule:
		return "uniqueKeys"
	case ExclusiveUniqueKeysRule:
		return "exclusiveUniqueKeys"
	case EqualKeysRule:
		return "equalKeys"
	default:
		return fmt.Sprintf("RuleKind(%d)", k)
	}
}

// InvalidRuleError is returned when a merge configuration contains an invalid rule.
type InvalidRuleError struct {
	// Kind indicates which rule field had the error.
	Kind RuleKind
	// Mode is the mode the rule belongs to.
	Mode string
	// Element is the element local name the rule is configured for.
	Element string
	// Value is the offending value, if any.
	Value string
	// Message provides details about what went wrong.
	Message string
}

func (e *InvalidRuleError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("mode %s, element %s: invalid %s rule: %s (value: %q)",
			e.Mode, e.Element, e.Kind, e.Message, e.Value)
	}
	return fmt.Sprintf("mode %s, element %s: invalid %s rule: %s",
		e.Mode, e.Element, e.Kind, e.Message)
}

func (e *InvalidRuleError) Is(target error) bool {
	return target == ErrInvalidRule
}

// rawElementRule is the serialized form of an [ElementRule].
type rawElementRule struct {
	UniqueKeys          []string   `json:"uniqueKeys,omitempty" yaml:"uniqueKeys,omitempty" toml:"uniqueKeys,omitempty"`
	ExclusiveUniqueKeys [][]string `json:"exclusiveUniqueKeys,omitempty" yaml:"exclusiveUniqueKeys,omitempty" toml:"exclusiveUniqueKeys,omitempty"`
	EqualKeys           []string   `json:"equalKeys,omitempty" yaml:"equalKeys,omitempty" toml:"equalKeys,omitempty"`
}

type rawConfiguration map[string]map[string]rawElementRule

// buildConfiguration validates a decoded configuration and converts it to rules.
func buildConfiguration(raw rawConfiguration) (Configuration, error) {
	cfg := make(Configuration, len(raw))
	for _, mode := range sortedKeys(raw) {
		elements := raw[mode]
		rules := make(TypeRules, len(elements))
		for _, element := range sortedKeys(elements) {
			rule, err := buildElementRule(mode, element, elements[element])
			if err != nil {
				return nil, err
			}
			rules[element] = rule
		}
		cfg[mode] = rules
	}
	return cfg, nil
}

// buildElementRule converts one serialized rule. When both uniqueKeys and
// exclusiveUniqueKeys are set, uniqueKeys wins.
func buildElementRule(mode, element string, raw rawElementRule) (ElementRule, error) {
	invalid := func(kind RuleKind, value, message string) error {
		return &InvalidRuleError{
			Kind:    kind,
			Mode:    mode,
			Element: element,
			Value:   value,
			Message: message,
		}
	}

	if element == "" {
		return ElementRule{}, invalid(UnknownRule, "", "element name cannot be empty")
	}

	var rule ElementRule
	switch {
	case len(raw.UniqueKeys) > 0:
		if err := checkNames(raw.UniqueKeys); err != nil {
			return rule, invalid(UniqueKeysRule, "", err.Error())
		}
		rule.Match = UniqueKeys(slices.Clone(raw.UniqueKeys))
	case len(raw.ExclusiveUniqueKeys) > 0:
		groups := make(ExclusiveUniqueKeys, 0, len(raw.ExclusiveUniqueKeys))
		for i, group := range raw.ExclusiveUniqueKeys {
			if len(group) == 0 {
				return rule, invalid(ExclusiveUniqueKeysRule, fmt.Sprint(i), "key group cannot be empty")
			}
			if err := checkNames(group); err != nil {
				return rule, invalid(ExclusiveUniqueKeysRule, fmt.Sprint(i), err.Error())
			}
			groups = append(groups, slices.Clone(group))
		}
		rule.Match = groups
	default:
		rule.Match = Implicit{}
	}

	if err := checkNames(raw.EqualKeys); err != nil {
		return rule, invalid(EqualKeysRule, "", err.Error())
	}
	if len(raw.EqualKeys) > 0 {
		rule.EqualKeys = slices.Clone(raw.EqualKeys)
	}
	return rule, nil
}

func checkNames(names []string) error {
	for _, name := range names {
		if name == "" {
			return fmt.Errorf("child name cannot be empty")
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
