package config

import "testing"

func TestParseVerificationConfigSanitizesURLPrefix(t *testing.T) {
	raw := []byte(`
apiVersion: v1
allOf:
  - kind: genericIssuer
    issuer: https://token.actions.githubusercontent.com
    subject:
      urlPrefix: https://github.com/kubewarden
  - kind: genericIssuer
    issuer: https://yourdomain.com/oauth2
    subject:
      urlPrefix: https://github.com/kubewarden/
`)
	cfg, err := ParseVerificationConfig(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, sig := range cfg.AllOf {
		if sig.Subject.URLPrefix != "https://github.com/kubewarden/" {
			t.Fatalf("expected sanitized url prefix, got %q", sig.Subject.URLPrefix)
		}
	}
}

func TestParseVerificationConfigMissingSubjectIsInvalid(t *testing.T) {
	raw := []byte(`
apiVersion: v1
allOf:
  - kind: genericIssuer
    issuer: https://token.actions.githubusercontent.com
`)
	_, err := ParseVerificationConfig(raw)
	if err == nil {
		t.Fatal("expected error for missing subject")
	}
}

func TestParseVerificationConfigRequiresAtLeastOneGroup(t *testing.T) {
	_, err := ParseVerificationConfig([]byte(`apiVersion: v1`))
	if err == nil {
		t.Fatal("expected error when both allOf and anyOf are empty")
	}
}

func TestParseVerificationConfigAnyOfDefaultMinimumMatches(t *testing.T) {
	raw := []byte(`
apiVersion: v1
anyOf:
  signatures:
    - kind: githubAction
      owner: kubewarden
`)
	cfg, err := ParseVerificationConfig(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AnyOf.MinimumMatches != 1 {
		t.Fatalf("expected default minimumMatches of 1, got %d", cfg.AnyOf.MinimumMatches)
	}
}
