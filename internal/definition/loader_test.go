package definition

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/soshogle/nexrel-crm-sub028/model"
)

func loadOne(t *testing.T, path string) model.WorkflowDefinition {
	t.Helper()
	defs, err := NewLoader().LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile(%s) error = %v", path, err)
	}
	if len(defs) != 1 {
		t.Fatalf("LoadFile(%s) returned %d definitions, want 1", path, len(defs))
	}
	return defs[0]
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile_welcomeSeries(t *testing.T) {
	def := loadOne(t, "testdata/workflows/welcome.yaml")

	if def.ID != "welcome-series" || def.TenantID != "acme" {
		t.Errorf("identity = %s/%s", def.TenantID, def.ID)
	}
	if !def.SubscribesTo("lead.created") {
		t.Errorf("Triggers = %v", def.Triggers)
	}
	if !def.ABTest.Enabled || def.ABTest.SplitPercentage != 50 {
		t.Errorf("ABTest = %+v", def.ABTest)
	}
	if len(def.Steps) != 3 {
		t.Fatalf("Steps = %d, want 3", len(def.Steps))
	}

	email := def.Steps[0]
	if email.Action.Kind != model.ActionSendEmail || email.Action.Email == nil {
		t.Fatalf("Steps[0].Action = %+v", email.Action)
	}
	if email.VariantB == nil || email.VariantB.Email == nil {
		t.Error("Steps[0] has no B variant email")
	}

	gate := def.Steps[1]
	if !gate.HITL || gate.Delay != (model.Delay{Value: 2, Unit: model.DelayDays}) {
		t.Errorf("Steps[1] = hitl %v delay %+v", gate.HITL, gate.Delay)
	}
	if c := def.Steps[2].Condition; c == nil || len(c.Rules) != 1 || c.Rules[0].Operator != model.OpExists {
		t.Errorf("Steps[2].Condition = %+v", c)
	}

	if len(def.Checksum) != 64 {
		t.Errorf("Checksum = %q, want sha256 hex", def.Checksum)
	}
	if def.SourceFile != "testdata/workflows/welcome.yaml" {
		t.Errorf("SourceFile = %q", def.SourceFile)
	}
}

func TestLoadFile_errors(t *testing.T) {
	tests := map[string]string{
		"missing file":   "testdata/nonexistent.yaml",
		"broken yaml":    "testdata/invalid/bad.yaml",
		"unknown key":    "testdata/invalid/unknown_field.yaml",
		"not a workflow": "testdata/workflows/README.txt",
	}
	for name, path := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := NewLoader().LoadFile(path); err == nil {
				t.Errorf("LoadFile(%s) succeeded", path)
			} else if !strings.Contains(err.Error(), path) {
				t.Errorf("error %q does not name the file", err)
			}
		})
	}
}

func TestParse_multipleDocuments(t *testing.T) {
	defs, err := Parse([]byte(`
id: trial-day-1
tenant_id: acme
name: Trial day 1
---
id: trial-day-7
tenant_id: acme
name: Trial day 7
---
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(defs) != 2 || defs[0].ID != "trial-day-1" || defs[1].ID != "trial-day-7" {
		t.Fatalf("Parse() = %+v", defs)
	}
	if defs[0].Checksum == defs[1].Checksum {
		t.Error("documents share a checksum")
	}
}

func TestParse_unknownKeyInLaterDocument(t *testing.T) {
	_, err := Parse([]byte("id: a\nname: A\n---\nid: b\nname: B\ndelay_days: 3\n"))
	if err == nil || !strings.Contains(err.Error(), "document 2") {
		t.Errorf("Parse() error = %v, want document 2 rejected", err)
	}
}

func TestParse_empty(t *testing.T) {
	if _, err := Parse([]byte("# nothing here\n")); err == nil {
		t.Error("Parse() of a comment-only file succeeded")
	}
}

func TestChecksum(t *testing.T) {
	a1, err := Parse([]byte("id: a\nname: A\n"))
	if err != nil {
		t.Fatal(err)
	}
	a2, _ := Parse([]byte("id: a\nname: A\n"))
	b, _ := Parse([]byte("id: a\nname: B\n"))

	if a1[0].Checksum != a2[0].Checksum {
		t.Error("same document, different checksums")
	}
	if a1[0].Checksum == b[0].Checksum {
		t.Error("edited document kept its checksum")
	}
}

func TestLoadAll(t *testing.T) {
	defs, err := NewLoader().LoadAll([]string{"testdata/workflows"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	var ids []string
	for _, d := range defs {
		ids = append(ids, d.ID)
	}
	// nested/ sorts before welcome.yaml
	if strings.Join(ids, ",") != "reengage,welcome-series" {
		t.Errorf("ids = %v", ids)
	}
}

func TestLoadAll_skipsHiddenPaths(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "trial.yaml", "id: trial\ntenant_id: acme\nname: Trial\n")
	writeFile(t, dir, ".draft.yaml", "id: draft\ntenant_id: acme\nname: Draft\n")
	writeFile(t, dir, ".git/config.yml", "not: [valid\n")

	defs, err := NewLoader().LoadAll([]string{dir})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(defs) != 1 || defs[0].ID != "trial" {
		t.Errorf("LoadAll() = %+v", defs)
	}
}

func TestLoadAll_duplicateWorkflow(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "id: trial\ntenant_id: acme\nname: Trial\n")
	writeFile(t, dir, "b.yaml", "id: trial\ntenant_id: acme\nname: Trial again\n")
	writeFile(t, dir, "c.yaml", "id: trial\ntenant_id: globex\nname: Other tenant\n")

	_, err := NewLoader().LoadAll([]string{dir})
	if err == nil || !strings.Contains(err.Error(), "a.yaml") || !strings.Contains(err.Error(), "b.yaml") {
		t.Errorf("LoadAll() error = %v, want duplicate naming both files", err)
	}

	os.Remove(filepath.Join(dir, "b.yaml"))
	defs, err := NewLoader().LoadAll([]string{dir})
	if err != nil || len(defs) != 2 {
		t.Errorf("same id in two tenants: %d defs, err %v", len(defs), err)
	}
}

func TestLoadAll_errors(t *testing.T) {
	for _, dir := range []string{"testdata/nonexistent", "testdata/invalid"} {
		if _, err := NewLoader().LoadAll([]string{dir}); err == nil {
			t.Errorf("LoadAll(%s) succeeded", dir)
		}
	}
}
