package tablespec

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultFormatTime lets the loader detect timestamp layouts.
const DefaultFormatTime = "auto"

// ColumnPath binds a target column to the path of its value inside an
// exported record, in gjson syntax (e.g. "Item.order_id.S").
type ColumnPath struct {
	Column string `yaml:"column" json:"column"`
	Path   string `yaml:"path" json:"path"`
}

// Spec describes how one source table is replicated into the warehouse.
type Spec struct {
	Name         string       `yaml:"-" json:"-"`
	TargetTable  string       `yaml:"target_table" json:"target_table"`
	PartitionKey string       `yaml:"partition_key" json:"partition_key"`
	SortKey      string       `yaml:"sort_key,omitempty" json:"sort_key,omitempty"`
	FormatTime   string       `yaml:"format_time,omitempty" json:"format_time,omitempty"`
	ColumnPaths  []ColumnPath `yaml:"column_paths" json:"column_paths"`
}

// KeyColumns returns the partition key followed by the sort key, if any.
func (s Spec) KeyColumns() []string {
	if s.SortKey == "" {
		return []string{s.PartitionKey}
	}
	return []string{s.PartitionKey, s.SortKey}
}

// SortKeyPtr returns nil when the table has no sort key.
func (s Spec) SortKeyPtr() *string {
	if s.SortKey == "" {
		return nil
	}
	sk := s.SortKey
	return &sk
}

func (s *Spec) validate() error {
	if s.Name == "" {
		return errors.New("table name is required")
	}
	if s.TargetTable == "" {
		return errors.New("target_table is required")
	}
	if s.PartitionKey == "" {
		return errors.New("partition_key is required")
	}
	if s.SortKey == s.PartitionKey {
		return errors.New("sort_key must differ from partition_key")
	}
	if len(s.ColumnPaths) == 0 {
		return errors.New("column_paths must not be empty")
	}
	if s.FormatTime == "" {
		s.FormatTime = DefaultFormatTime
	}

	seen := make(map[string]struct{}, len(s.ColumnPaths))
	for i, cp := range s.ColumnPaths {
		if strings.TrimSpace(cp.Column) == "" || strings.TrimSpace(cp.Path) == "" {
			return fmt.Errorf("column_paths[%d]: column and path are required", i)
		}
		if _, ok := seen[cp.Column]; ok {
			return fmt.Errorf("column_paths[%d]: duplicate column %q", i, cp.Column)
		}
		seen[cp.Column] = struct{}{}
	}
	for _, key := range s.KeyColumns() {
		if _, ok := seen[key]; !ok {
			return fmt.Errorf("key column %q has no column path", key)
		}
	}
	return nil
}
