package roster

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type definitionsFile struct {
	Agents []Definition `yaml:"agents"`
}

// LoadDefinitions reads agent overrides from a YAML file and applies them on
// top of base. Only non-empty fields are overridden.
func LoadDefinitions(path string, base []Definition) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent definitions: %w", err)
	}

	var file definitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse agent definitions: %w", err)
	}

	out := make([]Definition, len(base))
	copy(out, base)
	index := make(map[ID]int, len(out))
	for i, def := range out {
		index[def.ID] = i
	}

	for _, override := range file.Agents {
		id, err := Parse(string(override.ID))
		if err != nil {
			return nil, fmt.Errorf("agent definitions %s: %w", path, err)
		}
		i, ok := index[id]
		if !ok {
			return nil, fmt.Errorf("agent definitions %s: no base definition for %s", path, id)
		}
		if strings.TrimSpace(override.Description) != "" {
			out[i].Description = override.Description
		}
		if strings.TrimSpace(override.Instruction) != "" {
			out[i].Instruction = override.Instruction
		}
		if override.Tools != nil {
			out[i].Tools = override.Tools
		}
		if override.Transfers != nil {
			out[i].Transfers = override.Transfers
		}
	}

	return out, nil
}
