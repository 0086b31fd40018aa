package tree

import (
	"sort"
	"strings"
	"sync"

	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/record"
)

// ReservedPrefix starts the names of internal trees (log, meta, ranges, ...)
const ReservedPrefix = "_"

// Registry maps tree names to their bindings
type Registry struct {
	mu    sync.RWMutex
	trees map[string]Binding
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{trees: make(map[string]Binding)}
}

// Register binds name to the value type T. Registering the same name again
// with the same type and schema returns the existing tree; any other
// registration of a taken name fails.
func Register[T any](reg *Registry, name string, schema record.SchemaVersion, codec Codec[T]) (*Tree[T], error) {
	if err := ValidName(name); err != nil {
		return nil, err
	}
	if codec == nil {
		codec = JSONCodec[T]{}
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if have, ok := reg.trees[name]; ok {
		if t, same := have.(*Tree[T]); same && t.schema == schema {
			return t, nil
		}
		return nil, errs.Newf(errs.RetCConflict, "tree %q is already registered as %s %s", name, have.Type(), have.Schema())
	}

	t := &Tree[T]{name: name, schema: schema, codec: codec}
	reg.trees[name] = t
	return t, nil
}

// Lookup returns the binding of a tree
func (r *Registry) Lookup(name string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.trees[name]
	return b, ok
}

// Names returns all registered tree names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.trees))
	for name := range r.trees {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidName checks that name can be used for a user tree
func ValidName(name string) error {
	switch {
	case name == "":
		return errs.NewError(errs.RetCInvalidOperation, "tree name must not be empty")
	case strings.HasPrefix(name, ReservedPrefix):
		return errs.Newf(errs.RetCInvalidOperation, "tree name %q is reserved", name)
	case len(name) > 255:
		return errs.Newf(errs.RetCInvalidOperation, "tree name %q is too long", name)
	}
	return nil
}
