package job

import (
	"fmt"
	"slices"
)

// Registry indexes definitions by function id.
type Registry struct {
	defs map[string]*Definition
}

// NewRegistry rejects nil definitions and duplicate function ids.
func NewRegistry(defs ...*Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]*Definition, len(defs))}
	for i, def := range defs {
		if def == nil {
			return nil, configErrorf(fmt.Sprintf("#%d", i), "definition is nil")
		}
		if _, ok := r.defs[def.FunctionID]; ok {
			return nil, configErrorf(def.FunctionID, "registered more than once")
		}
		r.defs[def.FunctionID] = def
	}
	return r, nil
}

func (r *Registry) Lookup(functionID string) (*Definition, bool) {
	def, ok := r.defs[functionID]
	return def, ok
}

// Contains reports whether def itself, not just its function id, is registered.
func (r *Registry) Contains(def *Definition) bool {
	if def == nil {
		return false
	}
	got, ok := r.defs[def.FunctionID]
	return ok && got == def
}

// IDs returns the registered function ids in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
