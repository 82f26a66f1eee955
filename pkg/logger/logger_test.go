package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotatingWriterShiftsBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	w, err := newRotatingWriter(path, 1, 2, 1)
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	w.maxSize = 16
	defer w.Close()

	for _, line := range []string{"first-entry-000\n", "second-entry-00\n", "third-entry-000\n"} {
		if _, err := w.Write([]byte(line)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	current, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read current: %v", err)
	}
	if string(current) != "third-entry-000\n" {
		t.Fatalf("unexpected live file %q", current)
	}
	first, err := os.ReadFile(path + ".1")
	if err != nil || string(first) != "second-entry-00\n" {
		t.Fatalf("unexpected backup 1 %q (%v)", first, err)
	}
	second, err := os.ReadFile(path + ".2")
	if err != nil || string(second) != "first-entry-000\n" {
		t.Fatalf("unexpected backup 2 %q (%v)", second, err)
	}
}

func TestInitWithAuditFile(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit", "skills.log")
	if err := Init(Config{Level: "debug", Format: "text", Output: []string{"stderr"}, Audit: AuditConfig{Enabled: true, Path: auditPath}}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	Audit().Info("skill invocation", "skill", "swap_basic", "ok", true)
	if err := Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	data, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	if !strings.Contains(string(data), `"skill":"swap_basic"`) || !strings.Contains(string(data), `"stream":"audit"`) {
		t.Fatalf("audit entry missing fields: %s", data)
	}
}

func TestUseWriterRedirectsBothLoggers(t *testing.T) {
	var buf bytes.Buffer
	UseWriter(&buf, "info")
	Named("sandbox").Info("loaded")
	Audit().Info("audited")
	out := buf.String()
	if !strings.Contains(out, "component=sandbox") || !strings.Contains(out, "audited") {
		t.Fatalf("unexpected output %q", out)
	}
	if Init(Config{Audit: AuditConfig{Enabled: true}}) == nil {
		t.Fatal("expected error for empty audit path")
	}
}
