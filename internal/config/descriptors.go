// Package config loads the three YAML configuration files the policy
// server boots from (spec.md §6): the policy descriptor map, the
// signature-verification config, and the insecure/trusted-sources config.
// It also watches them for changes with fsnotify so operators can trigger
// a reload without restarting the process.
package config

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/kubewarden/policy-server/internal/policy"
)

// PolicyMap is the top-level shape of the policy descriptor file: a map of
// display id -> descriptor. Group descriptors are distinguished from plain
// descriptors by the presence of a "members" key, so they are decoded in a
// second pass (see ParseDescriptors).
type PolicyMap map[string]policy.Descriptor

// GroupMap mirrors PolicyMap for policy groups (SPEC_FULL.md §11).
type GroupMap map[string]policy.GroupDescriptor

// Descriptors is the parsed, boot-time-immutable result of reading the
// policy descriptor file.
type Descriptors struct {
	Policies PolicyMap
	Groups   GroupMap
}

// rawEntry is used to distinguish a plain policy entry (has "module") from
// a policy-group entry (has "members") while decoding the same YAML map.
type rawEntry struct {
	Module  *string `json:"module"`
	Members any     `json:"members"`
}

// LoadDescriptors reads and validates the policy descriptor file at path.
func LoadDescriptors(path string) (Descriptors, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Descriptors{}, fmt.Errorf("reading policy descriptor file %q: %w", path, err)
	}
	return ParseDescriptors(raw)
}

// ParseDescriptors decodes the raw YAML bytes of a policy descriptor file.
func ParseDescriptors(raw []byte) (Descriptors, error) {
	var classify map[string]rawEntry
	if err := yaml.Unmarshal(raw, &classify); err != nil {
		return Descriptors{}, fmt.Errorf("parsing policy descriptor file: %w", err)
	}

	policies := PolicyMap{}
	groups := GroupMap{}

	var wholeAsPolicies PolicyMap
	if err := yaml.Unmarshal(raw, &wholeAsPolicies); err != nil {
		return Descriptors{}, fmt.Errorf("parsing policy descriptor file: %w", err)
	}
	var wholeAsGroups GroupMap
	if err := yaml.Unmarshal(raw, &wholeAsGroups); err != nil {
		return Descriptors{}, fmt.Errorf("parsing policy descriptor file: %w", err)
	}

	for id, entry := range classify {
		if entry.Members != nil {
			g := wholeAsGroups[id]
			g.ID = id
			if err := validateGroup(g); err != nil {
				return Descriptors{}, fmt.Errorf("policy group %q: %w", id, err)
			}
			groups[id] = g
			continue
		}
		d := wholeAsPolicies[id]
		d.ID = id
		if err := validateDescriptor(d); err != nil {
			return Descriptors{}, fmt.Errorf("policy %q: %w", id, err)
		}
		policies[id] = d
	}

	return Descriptors{Policies: policies, Groups: groups}, nil
}

func validateDescriptor(d policy.Descriptor) error {
	if d.Module == "" {
		return fmt.Errorf("missing required field %q", "module")
	}
	if _, err := policy.ParseReference(d.Module); err != nil {
		return err
	}
	if d.PolicyMode != "" && d.PolicyMode != policy.ModeProtect && d.PolicyMode != policy.ModeMonitor {
		return fmt.Errorf("invalid policyMode %q", d.PolicyMode)
	}
	return nil
}

func validateGroup(g policy.GroupDescriptor) error {
	if len(g.Members) == 0 {
		return fmt.Errorf("policy group has no members")
	}
	if g.Combinator != policy.CombinatorAll && g.Combinator != policy.CombinatorAny {
		return fmt.Errorf("invalid combinator %q: must be %q or %q", g.Combinator, policy.CombinatorAll, policy.CombinatorAny)
	}
	for name, m := range g.Members {
		if m.Module == "" {
			return fmt.Errorf("member %q: missing required field %q", name, "module")
		}
		if _, err := policy.ParseReference(m.Module); err != nil {
			return fmt.Errorf("member %q: %w", name, err)
		}
	}
	return nil
}
