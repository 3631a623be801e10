package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestBuildAndSave(t *testing.T) {
	dir := t.TempDir()
	cap := filepath.Join(dir, "run.capture")
	rep := filepath.Join(dir, "acceptance.json")
	if err := os.WriteFile(cap, []byte("0,10,0x0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(rep, []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Build([]string{cap, rep})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(m.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(m.Items))
	}
	if m.Items[0].Type != "capture" {
		t.Errorf("type = %q, want capture", m.Items[0].Type)
	}
	if m.Items[1].Type != "json" {
		t.Errorf("type = %q, want json", m.Items[1].Type)
	}
	if m.Items[0].Sha256 == "" || m.Items[0].Size == 0 {
		t.Errorf("missing hash or size: %+v", m.Items[0])
	}

	out := filepath.Join(dir, "manifest.json")
	if err := Save(m, out); err != nil {
		t.Fatalf("Save: %v", err)
	}
	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	var back Manifest
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.ShaAlgo != "sha256" {
		t.Errorf("shaAlgo = %q", back.ShaAlgo)
	}
}

func TestBuildMissingFile(t *testing.T) {
	if _, err := Build([]string{filepath.Join(t.TempDir(), "nope")}); err == nil {
		t.Fatal("expected error for missing file")
	}
}
