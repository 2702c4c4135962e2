package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Parse builds a catalog from a YAML document.
func Parse(data []byte) (*StaticCatalog, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return New(def)
}

// Load reads and parses a YAML catalog file.
func Load(path string) (*StaticCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}
