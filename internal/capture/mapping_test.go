package capture

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"example.com/xy2gate/internal/xy2"
)

func TestParseMappingDefaultTemplate(t *testing.T) {
	cfg, err := ParseMapping(strings.NewReader(DefaultMappingYAML))
	if err != nil {
		t.Fatalf("ParseMapping: %v", err)
	}
	want := xy2.DefaultConfig()
	if cfg.SyncBit != want.SyncBit {
		t.Fatalf("sync bit = %d, want %d", cfg.SyncBit, want.SyncBit)
	}
	if len(cfg.Channels) != len(want.Channels) {
		t.Fatalf("channels = %d, want %d", len(cfg.Channels), len(want.Channels))
	}
	for i, ch := range cfg.Channels {
		if ch != want.Channels[i] {
			t.Fatalf("channel %d = %+v, want %+v", i, ch, want.Channels[i])
		}
	}
}

func TestParseMappingErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "missing sync", doc: "channels:\n  - id: X\n    bit: 0\n"},
		{name: "no channels", doc: "sync: 3\n"},
		{name: "bit collision", doc: "sync: 0\nchannels:\n  - id: X\n    bit: 0\n"},
		{name: "duplicate channel", doc: "sync: 3\nchannels:\n  - id: X\n    bit: 0\n  - id: X\n    bit: 1\n"},
		{name: "four channels", doc: "sync: 7\nchannels:\n  - id: A\n    bit: 0\n  - id: B\n    bit: 1\n  - id: C\n    bit: 2\n  - id: D\n    bit: 3\n"},
		{name: "not yaml", doc: "{{{"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseMapping(strings.NewReader(tc.doc)); err == nil {
				t.Fatalf("mapping accepted:\n%s", tc.doc)
			}
		})
	}
}

func TestWriteAndLoadDefaultMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.yaml")
	if err := WriteDefaultMapping(path); err != nil {
		t.Fatalf("WriteDefaultMapping: %v", err)
	}
	cfg, err := LoadMapping(path)
	if err != nil {
		t.Fatalf("LoadMapping: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Stat: %v", err)
	}
}
