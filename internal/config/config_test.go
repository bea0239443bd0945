package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("acme")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Org.ID != "acme" {
		t.Fatalf("org id = %q", cfg.Org.ID)
	}
	if cfg.TAT.OfficeStartHour != 9 || cfg.TAT.OfficeEndHour != 18 || !cfg.TAT.SkipWeekends {
		t.Fatalf("unexpected tat defaults: %+v", cfg.TAT)
	}
	if cfg.Walker.MaxDepth != 100 || cfg.Walker.MaxSteps != 1000 {
		t.Fatalf("walker bounds = %+v", cfg.Walker)
	}
	perms := cfg.RolePermissions("owner")
	if len(perms) == 0 {
		t.Fatalf("owner has no permissions")
	}
}

func TestFromYAMLRejectsBadOfficeHours(t *testing.T) {
	doc := strings.Replace(GenerateDefault("acme"), "office_start_hour: 9", "office_start_hour: 19", 1)
	_, err := FromYAML([]byte(doc))
	if err == nil || !strings.Contains(err.Error(), "office_start_hour") {
		t.Fatalf("expected office hours error, got %v", err)
	}
}

func TestFromYAMLRequiresOwnerRole(t *testing.T) {
	doc := `org:
  id: acme
tat:
  office_start_hour: 8
  office_end_hour: 17
rbac:
  roles:
    viewer:
      permissions: [rule.read]
`
	if _, err := FromYAML([]byte(doc)); err == nil {
		t.Fatalf("expected owner role error")
	}
}

func TestDoerEmailLookup(t *testing.T) {
	doc := strings.Replace(GenerateDefault("acme"), "doers: {}", "doers:\n  accountant: books@acme.test", 1)
	cfg, err := FromYAML([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := cfg.DoerEmail("accountant"); got != "books@acme.test" {
		t.Fatalf("doer email = %q", got)
	}
	if got := cfg.DoerEmail("nobody"); got != "" {
		t.Fatalf("unexpected email %q", got)
	}
}

func TestLoadAndExportRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if cfg, err := LoadOptional(dir); err != nil || cfg != nil {
		t.Fatalf("expected nil config for empty workspace, got %v %v", cfg, err)
	}
	out, err := ToYAML(Default("acme"))
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "taskflow.yml"), out, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Org.ID != "acme" || cfg.TAT.Timezone != "UTC" {
		t.Fatalf("round trip lost data: %+v", cfg)
	}
}
