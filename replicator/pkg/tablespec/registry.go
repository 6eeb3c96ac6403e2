package tablespec

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Registry is an immutable lookup of table specs by source table name and by
// qualified target table.
type Registry struct {
	specs    map[string]Spec
	byTarget map[string]string
}

// NewRegistry validates specs and qualifies unqualified target tables with
// targetSchema.
func NewRegistry(targetSchema string, specs map[string]Spec) (*Registry, error) {
	r := &Registry{
		specs:    make(map[string]Spec, len(specs)),
		byTarget: make(map[string]string, len(specs)),
	}
	for _, name := range slices.Sorted(maps.Keys(specs)) {
		s := specs[name]
		s.Name = name
		s.ColumnPaths = slices.Clone(s.ColumnPaths)
		if err := s.validate(); err != nil {
			return nil, fmt.Errorf("invalid table mapping for %q: %w", name, err)
		}
		if targetSchema != "" && !strings.Contains(s.TargetTable, ".") {
			s.TargetTable = targetSchema + "." + s.TargetTable
		}
		if other, ok := r.byTarget[s.TargetTable]; ok {
			return nil, fmt.Errorf("tables %q and %q both map to %q", other, name, s.TargetTable)
		}
		r.specs[name] = s
		r.byTarget[s.TargetTable] = name
	}
	return r, nil
}

// Lookup returns the spec for a source table.
func (r *Registry) Lookup(table string) (Spec, error) {
	s, ok := r.specs[table]
	if !ok {
		return Spec{}, &NotFoundError{Table: table}
	}
	s.ColumnPaths = slices.Clone(s.ColumnPaths)
	return s, nil
}

// LookupTarget returns the spec whose qualified target table is target.
func (r *Registry) LookupTarget(target string) (Spec, error) {
	name, ok := r.byTarget[target]
	if !ok {
		return Spec{}, &NotFoundError{Table: target}
	}
	return r.Lookup(name)
}

// Names returns the mapped source tables in sorted order.
func (r *Registry) Names() []string {
	return slices.Sorted(maps.Keys(r.specs))
}
