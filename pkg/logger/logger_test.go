package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesAuditRecords(t *testing.T) {
	dir := t.TempDir()
	appPath := filepath.Join(dir, "app.log")
	auditPath := filepath.Join(dir, "audit", "decisions.log")

	if err := Init(Config{
		Level:       "debug",
		Format:      "json",
		OutputPaths: []string{appPath},
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	}); err != nil {
		t.Fatalf("init logger: %v", err)
	}
	t.Cleanup(func() { _ = Sync() })

	Named("agent").Debug("cycle started", "cycle_id", "c-1")
	Audit().Info("decision", "action", "HOLD")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	app, err := os.ReadFile(appPath)
	if err != nil {
		t.Fatalf("read app log: %v", err)
	}
	if !strings.Contains(string(app), `"component":"agent"`) {
		t.Fatalf("component attribute missing: %s", app)
	}

	audit, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(audit))), &record); err != nil {
		t.Fatalf("decode audit record: %v", err)
	}
	if record["action"] != "HOLD" {
		t.Fatalf("unexpected audit record: %v", record)
	}
}

func TestAuditRequiresPath(t *testing.T) {
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected error for empty audit path")
	}
}
