package policy

import "fmt"

// ResolveExecutionMode applies the decision table the out-of-scope `kwctl`
// front-end uses to pick between a descriptor's mode hint and the module's
// own metadata, ported here because the server must apply it too whenever
// a policy is loaded without having gone through kwctl first (spec.md §9,
// "Source behaviors worth noting").
//
// Rules, in order:
//  1. If the descriptor carries no hint, the module metadata decides: a
//     mutating module defaults to protect, a non-mutating one also
//     defaults to protect (monitor is never inferred, only requested).
//  2. If the descriptor's hint is "monitor" but the module is declared
//     mutating and the descriptor has not set AllowedToMutate, that is a
//     configuration error: a mutating module running unmonitored for
//     mutation purposes without the flag would silently drop patches.
//  3. Otherwise the descriptor's hint wins.
func ResolveExecutionMode(hint Mode, allowedToMutate bool, meta Metadata) (Mode, error) {
	if hint == "" {
		return ModeProtect, nil
	}
	if hint != ModeProtect && hint != ModeMonitor {
		return "", fmt.Errorf("invalid policyMode %q: must be %q or %q", hint, ModeProtect, ModeMonitor)
	}
	if hint == ModeMonitor && meta.Mutating && !allowedToMutate {
		return "", fmt.Errorf("policy module is mutating but descriptor requests monitor mode without allowedToMutate: patches would be silently dropped")
	}
	return hint, nil
}
