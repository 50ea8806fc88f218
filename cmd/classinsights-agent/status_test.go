package main

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/classinsights/agent/internal/audit"
	"github.com/classinsights/agent/internal/config"
)

func TestStatusRedactsDeviceToken(t *testing.T) {
	cfg := config.Default()
	cfg.APIURL = "https://dashboard.school.example"
	cfg.DeviceToken = "super-secret"
	cfg.DataDir = t.TempDir()

	out, err := yaml.Marshal(buildStatus(cfg))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(out), "super-secret") {
		t.Fatalf("status leaks the device token:\n%s", out)
	}
	if cfg.DeviceToken != "super-secret" {
		t.Fatal("buildStatus must not modify the loaded config")
	}
	if !strings.Contains(string(out), "configured: true") {
		t.Fatalf("expected configured: true in\n%s", out)
	}
}

func TestStatusReportsJournalChain(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	j, err := audit.Open(audit.Options{Dir: cfg.DataDir})
	if err != nil {
		t.Fatal(err)
	}
	j.Record(audit.EventAgentStart, "1.0.0", nil)
	j.Record(audit.EventAgentStop, "1.0.0", nil)
	j.Close()

	report := buildStatus(cfg)
	if report.Configured {
		t.Fatal("config without api_url should not count as configured")
	}
	if report.Journal == nil || !report.Journal.Intact || report.Journal.Entries != 2 {
		t.Fatalf("journal status = %+v, want 2 intact entries", report.Journal)
	}
}

func TestStatusMissingJournal(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	report := buildStatus(cfg)
	if report.Journal == nil || report.Journal.Error == "" {
		t.Fatalf("expected a journal error for a missing file, got %+v", report.Journal)
	}
}
