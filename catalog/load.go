package catalog

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Read decodes a list of granules from YAML or JSON. Both a bare list and
// a document with a top-level "granules" key are accepted.
func Read(r io.Reader) ([]Granule, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read granule list: %w", err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var list []Granule
	if trimmed[0] == '[' || trimmed[0] == '-' {
		if err := yaml.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("failed to parse granule list: %w", err)
		}
	} else {
		var doc struct {
			Granules []Granule `yaml:"granules"`
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse granule list: %w", err)
		}
		list = doc.Granules
	}

	for i, g := range list {
		if g.ID == "" {
			return nil, fmt.Errorf("granule %d has no id", i)
		}
	}
	return list, nil
}

// Load reads a granule list file.
func Load(path string) ([]Granule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open granule list: %w", err)
	}
	defer f.Close()
	return Read(f)
}
