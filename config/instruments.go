package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"bitmexflow/models"
)

// Instruments is the instrument file: one entry per gateway.
type Instruments struct {
	Instruments []models.Instrument `yaml:"instruments"`
}

// LoadInstruments loads and validates the instrument definitions and their
// field mappings. Unknown role names fail with models.ErrUnknownFieldRole.
func LoadInstruments(path string) (*Instruments, error) {
	path = resolveEnvSpecificPath(path, DefaultInstrumentsPath)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read instruments file: %w", err)
	}
	var cfg Instruments
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse instruments file: %w", err)
	}
	if len(cfg.Instruments) == 0 {
		return nil, fmt.Errorf("instruments file %s defines no instruments", path)
	}

	seen := make(map[string]struct{}, len(cfg.Instruments))
	for i, inst := range cfg.Instruments {
		if err := inst.Validate(); err != nil {
			return nil, fmt.Errorf("instruments[%d]: %w", i, err)
		}
		key := inst.String()
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("instruments[%d]: duplicate instrument %s", i, key)
		}
		seen[key] = struct{}{}
	}
	return &cfg, nil
}
