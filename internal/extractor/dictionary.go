package extractor

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed seeds.yaml
var defaultSeeds []byte

// Dictionary holds the seed name lists used by the dictionary-lookup pass.
type Dictionary struct {
	ThreatActors []string `yaml:"threat_actors"`
	Malware      []string `yaml:"malware"`
}

// DefaultDictionary returns the dictionary compiled into the binary.
func DefaultDictionary() *Dictionary {
	d, err := ParseDictionary(defaultSeeds)
	if err != nil {
		// seeds.yaml is embedded at build time; a parse failure is a build defect.
		panic(fmt.Sprintf("extractor: embedded seeds.yaml is invalid: %v", err))
	}
	return d
}

// LoadDictionary reads a YAML seed file from disk.
func LoadDictionary(path string) (*Dictionary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("extractor: failed to read dictionary %s: %w", path, err)
	}
	d, err := ParseDictionary(data)
	if err != nil {
		return nil, fmt.Errorf("extractor: dictionary %s: %w", path, err)
	}
	return d, nil
}

// ParseDictionary decodes YAML seed lists. Blank entries and
// case-insensitive duplicates are dropped; the first spelling wins.
func ParseDictionary(data []byte) (*Dictionary, error) {
	var d Dictionary
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	d.ThreatActors = cleanNames(d.ThreatActors)
	d.Malware = cleanNames(d.Malware)
	return &d, nil
}

func cleanNames(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		key := strings.ToLower(n)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, n)
	}
	return out
}
