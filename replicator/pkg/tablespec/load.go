package tablespec

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Mapping is the on-disk replication configuration. JSON files are accepted
// as well since JSON is valid YAML.
type Mapping struct {
	TargetSchema string          `yaml:"target_schema"`
	Tables       map[string]Spec `yaml:"tables"`
	Exports      struct {
		Full        map[string][]string `yaml:"full"`
		Incremental map[string][]string `yaml:"incremental"`
	} `yaml:"exports"`
}

// ExportLists holds the tables captured by each schedule for one stage.
type ExportLists struct {
	Full        []string
	Incremental []string
}

// LoadFile reads a mapping file.
func LoadFile(path string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read table mapping %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a mapping document.
func Parse(data []byte) (*Mapping, error) {
	var m Mapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse table mapping: %w", err)
	}
	if len(m.Tables) == 0 {
		return nil, fmt.Errorf("table mapping has no tables")
	}
	return &m, nil
}

// Registry builds the table registry. A non-empty targetSchema overrides the
// schema declared in the file.
func (m *Mapping) Registry(targetSchema string) (*Registry, error) {
	if targetSchema == "" {
		targetSchema = m.TargetSchema
	}
	return NewRegistry(targetSchema, m.Tables)
}

// ExportLists returns the full and incremental export tables for stage. Every
// listed table must have a mapping in reg.
func (m *Mapping) ExportLists(stage string, reg *Registry) (ExportLists, error) {
	lists := ExportLists{
		Full:        m.Exports.Full[stage],
		Incremental: m.Exports.Incremental[stage],
	}
	for _, name := range append(append([]string{}, lists.Full...), lists.Incremental...) {
		if _, err := reg.Lookup(name); err != nil {
			return ExportLists{}, &ConfigurationError{Table: name, Err: err}
		}
	}
	return lists, nil
}
