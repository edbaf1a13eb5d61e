package policy

import (
	"fmt"
	"strconv"
	"strings"
)

// ABIFamily is one of the three guest calling conventions a Wasm policy may
// be built against (spec.md §4.D).
type ABIFamily string

const (
	ABIWapcV1        ABIFamily = "kubewarden-wapc"
	ABIOpa           ABIFamily = "opa"
	ABIOpaGatekeeper ABIFamily = "opa-gatekeeper"
	ABIWasiCli       ABIFamily = "wasi-cli"
)

// AdmissionRule restricts which (apiGroup, apiVersion, resource, operation)
// tuples a policy cares about. Validated per spec.md §7.1.
type AdmissionRule struct {
	APIGroups   []string
	APIVersions []string
	Resources   []string
	Operations  []string
}

// EngineVersion is a minimal major.minor.patch triple; metadata comparisons
// ignore prerelease/build metadata and patch, per spec.md §4.C.
type EngineVersion struct {
	Major, Minor, Patch int
}

func ParseEngineVersion(s string) (EngineVersion, error) {
	s = strings.TrimPrefix(s, "v")
	// Drop prerelease/build metadata: "1.2.3-rc.1+build" -> "1.2.3".
	if i := strings.IndexAny(s, "-+"); i >= 0 {
		s = s[:i]
	}
	parts := strings.SplitN(s, ".", 3)
	var v EngineVersion
	var err error
	if len(parts) > 0 {
		if v.Major, err = strconv.Atoi(parts[0]); err != nil {
			return EngineVersion{}, fmt.Errorf("invalid engine version %q: %w", s, err)
		}
	}
	if len(parts) > 1 {
		if v.Minor, err = strconv.Atoi(parts[1]); err != nil {
			return EngineVersion{}, fmt.Errorf("invalid engine version %q: %w", s, err)
		}
	}
	if len(parts) > 2 {
		if v.Patch, err = strconv.Atoi(parts[2]); err != nil {
			return EngineVersion{}, fmt.Errorf("invalid engine version %q: %w", s, err)
		}
	}
	return v, nil
}

// ExceedsRunning reports whether a module's declared minimum engine version
// is strictly newer than the running engine (comparing major.minor only, as
// patch/prerelease/build are ignored per spec.md §4.C).
func (v EngineVersion) ExceedsRunning(running EngineVersion) bool {
	if v.Major != running.Major {
		return v.Major > running.Major
	}
	return v.Minor > running.Minor
}

// Metadata is extracted from a Wasm module's `.kubewarden` custom section
// (see internal/evalenv.ExtractMetadata).
type Metadata struct {
	ABI                 ABIFamily
	Rules               []AdmissionRule
	Mutating            bool
	MinimumEngineVersion EngineVersion
	Annotations         map[string]string
}

// ValidateRules enforces spec.md §7.1 / §8's wildcard semantics:
//   - apiGroups/apiVersions/operations/resources must each be non-empty.
//   - if any entry is "*" it must be the sole element of that list.
//   - when "resources" contains the wildcard "*" alongside other entries,
//     every other entry must name a subresource (contain "/"), e.g.
//     {"*", "a"} is invalid but {"*", "a/b"} is valid.
func ValidateRules(rules []AdmissionRule) error {
	if len(rules) == 0 {
		return fmt.Errorf("policy metadata declares no admission rules")
	}
	for i, r := range rules {
		if err := validateWildcardOnly(r.APIGroups, "apiGroups"); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		if err := validateWildcardOnly(r.APIVersions, "apiVersions"); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		if err := validateWildcardOnly(r.Operations, "operations"); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		if err := validateResources(r.Resources); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}

func validateWildcardOnly(values []string, field string) error {
	if len(values) == 0 {
		return fmt.Errorf("%s must be non-empty", field)
	}
	hasWildcard := false
	for _, v := range values {
		if v == "*" {
			hasWildcard = true
		}
	}
	if hasWildcard && len(values) != 1 {
		return fmt.Errorf("%s: %q must be the only element when present", field, "*")
	}
	return nil
}

func validateResources(resources []string) error {
	if len(resources) == 0 {
		return fmt.Errorf("resources must be non-empty")
	}
	hasWildcard := false
	for _, r := range resources {
		if r == "*" {
			hasWildcard = true
		}
	}
	if !hasWildcard {
		return nil
	}
	if len(resources) == 1 {
		return nil
	}
	// "*" combined with other entries: every other entry must be a
	// subresource (contain "/"), e.g. "*/*" and "a/b" are fine, bare "a"
	// is not.
	for _, r := range resources {
		if r == "*" {
			continue
		}
		if !strings.Contains(r, "/") {
			return fmt.Errorf("resources: %q cannot combine wildcard %q with non-subresource %q", resources, "*", r)
		}
	}
	return nil
}

// ValidateOpaDetection enforces the invariant from spec.md §3: a module
// that exports any `opa_`-prefixed symbol must declare ABIOpa or
// ABIOpaGatekeeper, and the inverse must hold too.
func ValidateOpaDetection(abi ABIFamily, exportedSymbols []string) error {
	hasOpaExport := false
	for _, sym := range exportedSymbols {
		if strings.HasPrefix(sym, "opa_") {
			hasOpaExport = true
			break
		}
	}
	isOpaABI := abi == ABIOpa || abi == ABIOpaGatekeeper
	if hasOpaExport && !isOpaABI {
		return fmt.Errorf("module exports opa_* symbols but declares ABI %q", abi)
	}
	if !hasOpaExport && isOpaABI {
		return fmt.Errorf("module declares ABI %q but exports no opa_* symbols", abi)
	}
	return nil
}
