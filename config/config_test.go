package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clarapipe/dicom-adapter/model"
)

const sampleYAML = `
scp:
  listen_address: "0.0.0.0:11112"
  ae_title: "CLARA"
  max_associations: 10
scu:
  calling_ae_title: "CLARA_SCU"
  local_ae_title: "CLARA_MOVE"
  listen_address: "0.0.0.0:11113"
storage:
  root: "/var/lib/adapter/staging"
  retention_window: 1h
  high_water_bytes: 1000000
  inference_store_path: "/var/lib/adapter/inferstore.db"
services:
  platform_base_url: "https://platform.example.org"
sources:
  PACS1: radiology
ae_titles:
  CLARA:
    grouping: study_instance_uid
    timeout: 5s
    max_age: 60s
    priority: 100
    allowed_sources: ["radiology"]
    pipeline_ids: ["algo-1"]
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "adapter.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadParsesAllSections(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.SCP.AETitle != "CLARA" || cfg.SCP.MaxAssociations != 10 {
		t.Errorf("SCP = %+v", cfg.SCP)
	}
	if cfg.SCU.LocalAETitle != "CLARA_MOVE" {
		t.Errorf("SCU.LocalAETitle = %q, want CLARA_MOVE", cfg.SCU.LocalAETitle)
	}
	if cfg.Storage.RetentionWindow != Duration(time.Hour) {
		t.Errorf("Storage.RetentionWindow = %v, want 1h", cfg.Storage.RetentionWindow)
	}
	if cfg.Services.PlatformBaseURL != "https://platform.example.org" {
		t.Errorf("Services.PlatformBaseURL = %q", cfg.Services.PlatformBaseURL)
	}
}

func TestCallingAndCalledTablesWireIntoRegistry(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	calling := cfg.CallingTable()
	if calling["PACS1"] != "radiology" {
		t.Fatalf("calling table = %v", calling)
	}

	called := cfg.CalledTable()
	clara, ok := called["CLARA"]
	if !ok {
		t.Fatal("expected CLARA in called table")
	}
	if clara.Grouping != model.GroupingStudyInstanceUID {
		t.Errorf("Grouping = %v, want GroupingStudyInstanceUID", clara.Grouping)
	}
	if clara.Timeout != 5*time.Second || clara.MaxAge != time.Minute {
		t.Errorf("Timeout/MaxAge = %v/%v", clara.Timeout, clara.MaxAge)
	}
	if !clara.AllowsSource("radiology") {
		t.Error("expected radiology source to be allowed for CLARA")
	}
	if len(clara.PipelineIDs) != 1 || clara.PipelineIDs[0] != "algo-1" {
		t.Errorf("PipelineIDs = %v", clara.PipelineIDs)
	}
}

func TestParseGroupingKindDefaultsToNone(t *testing.T) {
	if ParseGroupingKind("unknown") != model.GroupingNone {
		t.Error("expected unrecognized grouping to default to GroupingNone")
	}
}
