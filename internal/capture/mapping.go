package capture

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"example.com/xy2gate/internal/xy2"
)

// mappingFile is the YAML document binding physical line bits to logical
// roles. The sync key and at least one channel are required.
type mappingFile struct {
	Sync     *uint `yaml:"sync"`
	Channels []struct {
		ID  string `yaml:"id"`
		Bit uint   `yaml:"bit"`
	} `yaml:"channels"`
}

// DefaultMappingYAML is the conventional D0..D3 wiring as a mapping template.
const DefaultMappingYAML = `# xy2gate line mapping
sync: 3
channels:
  - id: X
    bit: 0
  - id: Y
    bit: 1
  - id: Z
    bit: 2
`

// LoadMapping reads a line-mapping YAML file and returns the validated
// decoder configuration.
func LoadMapping(path string) (xy2.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return xy2.Config{}, err
	}
	defer f.Close()
	cfg, err := ParseMapping(f)
	if err != nil {
		return xy2.Config{}, fmt.Errorf("mapping %s: %w", path, err)
	}
	return cfg, nil
}

// ParseMapping decodes a line-mapping document.
func ParseMapping(r io.Reader) (xy2.Config, error) {
	var doc mappingFile
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return xy2.Config{}, fmt.Errorf("decode mapping: %w", err)
	}
	if doc.Sync == nil {
		return xy2.Config{}, errors.New("mapping missing sync bit")
	}
	cfg := xy2.Config{SyncBit: *doc.Sync}
	for _, ch := range doc.Channels {
		cfg.Channels = append(cfg.Channels, xy2.ChannelConfig{
			ID:  xy2.Channel(ch.ID),
			Bit: ch.Bit,
		})
	}
	if err := cfg.Validate(); err != nil {
		return xy2.Config{}, err
	}
	return cfg, nil
}

// WriteDefaultMapping saves the default mapping template to path.
func WriteDefaultMapping(path string) error {
	return os.WriteFile(path, []byte(DefaultMappingYAML), 0644)
}
