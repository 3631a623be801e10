package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultMappingID names the built-in line mapping that is always available,
// even when no presets are configured.
const DefaultMappingID = "default"

// MappingPreset describes a named line mapping the daemon offers to clients.
type MappingPreset struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	Path string `json:"path" yaml:"path"`
}

// Options configures server creation.
type Options struct {
	StorageDir string
	Mappings   []MappingPreset
}

type mappingEntry struct {
	id   string
	name string
	path string
}

func buildMappingMap(opts Options) (map[string]mappingEntry, []string, error) {
	entries := map[string]mappingEntry{
		DefaultMappingID: {id: DefaultMappingID, name: "D0=X D1=Y D2=Z D3=SYNC"},
	}
	for _, preset := range opts.Mappings {
		id := strings.TrimSpace(preset.ID)
		path := strings.TrimSpace(preset.Path)
		if id == "" {
			return nil, nil, errors.New("mapping preset missing id")
		}
		if path == "" {
			return nil, nil, fmt.Errorf("mapping %s missing path", id)
		}
		if !filepath.IsAbs(path) {
			abs, err := filepath.Abs(path)
			if err != nil {
				return nil, nil, fmt.Errorf("mapping %s path abs: %w", id, err)
			}
			path = abs
		}
		if _, err := os.Stat(path); err != nil {
			return nil, nil, fmt.Errorf("mapping %s: %w", id, err)
		}
		if _, exists := entries[id]; exists && id != DefaultMappingID {
			return nil, nil, fmt.Errorf("duplicate mapping %s configured", id)
		}
		entries[id] = mappingEntry{id: id, name: preset.Name, path: path}
	}
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return entries, ids, nil
}
