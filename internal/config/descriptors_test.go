package config

import "testing"

func TestParseDescriptorsMixesPoliciesAndGroups(t *testing.T) {
	raw := []byte(`
pod-privileged:
  module: registry://ghcr.io/kubewarden/policies/pod-privileged:v0.2.0
  policyMode: protect
  allowedToMutate: false
  settings:
    max: 1
raw-mutation:
  module: file:///policies/raw-mutation.wasm
  policyMode: protect
  allowedToMutate: true
group-1:
  policyMode: protect
  combinator: all
  members:
    check-a:
      module: registry://ghcr.io/kubewarden/policies/a:v1
    check-b:
      module: registry://ghcr.io/kubewarden/policies/b:v1
`)

	descriptors, err := ParseDescriptors(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(descriptors.Policies) != 2 {
		t.Fatalf("expected 2 policies, got %d", len(descriptors.Policies))
	}
	if len(descriptors.Groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(descriptors.Groups))
	}
	g, ok := descriptors.Groups["group-1"]
	if !ok {
		t.Fatal("expected group-1 to be present")
	}
	if len(g.Members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(g.Members))
	}
}

func TestParseDescriptorsRejectsMissingModule(t *testing.T) {
	raw := []byte(`
broken:
  policyMode: protect
`)
	_, err := ParseDescriptors(raw)
	if err == nil {
		t.Fatal("expected error for missing module field")
	}
}

func TestParseDescriptorsRejectsInvalidCombinator(t *testing.T) {
	raw := []byte(`
group-1:
  combinator: xor
  members:
    a:
      module: registry://example/a:v1
`)
	_, err := ParseDescriptors(raw)
	if err == nil {
		t.Fatal("expected error for invalid combinator")
	}
}
