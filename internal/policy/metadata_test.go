package policy

import "testing"

func TestValidateRulesWildcardCombination(t *testing.T) {
	tests := []struct {
		name      string
		resources []string
		wantErr   bool
	}{
		{"wildcard alone", []string{"*"}, false},
		{"wildcard with subresource", []string{"*", "a/b"}, false},
		{"wildcard with bare resource", []string{"*", "a"}, true},
		{"no wildcard", []string{"pods", "deployments"}, false},
		{"empty", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules := []AdmissionRule{{
				APIGroups:   []string{"*"},
				APIVersions: []string{"v1"},
				Operations:  []string{"CREATE"},
				Resources:   tt.resources,
			}}
			err := ValidateRules(rules)
			if tt.wantErr && err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateWildcardOnlyRejectsMixedWildcard(t *testing.T) {
	err := validateWildcardOnly([]string{"*", "v1"}, "apiVersions")
	if err == nil {
		t.Fatal("expected error for wildcard mixed with other entries")
	}
}

func TestEngineVersionExceedsRunning(t *testing.T) {
	running, err := ParseEngineVersion("v1.4.2")
	if err != nil {
		t.Fatalf("parse running version: %v", err)
	}

	tooNew, err := ParseEngineVersion("v2.0.0")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !tooNew.ExceedsRunning(running) {
		t.Fatal("expected v2.0.0 to exceed v1.4.2")
	}

	samePatchIgnored, err := ParseEngineVersion("v1.4.99-rc.1+build5")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if samePatchIgnored.ExceedsRunning(running) {
		t.Fatal("patch/prerelease/build must be ignored in the comparison")
	}
}

func TestValidateOpaDetection(t *testing.T) {
	if err := ValidateOpaDetection(ABIOpa, []string{"opa_malloc", "eval"}); err != nil {
		t.Fatalf("expected Opa ABI with opa_ exports to pass: %v", err)
	}
	if err := ValidateOpaDetection(ABIWapcV1, []string{"opa_malloc"}); err == nil {
		t.Fatal("expected error: wapc module exporting opa_ symbols")
	}
	if err := ValidateOpaDetection(ABIOpa, []string{"validate"}); err == nil {
		t.Fatal("expected error: opa ABI without opa_ exports")
	}
	if err := ValidateOpaDetection(ABIWapcV1, []string{"validate"}); err != nil {
		t.Fatalf("expected wapc module without opa_ exports to pass: %v", err)
	}
}
