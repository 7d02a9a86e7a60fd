package runtime

import (
	"fmt"
	"sync"

	errspkg "github.com/runlet-io/runlet/internal/runtime/errors"
)

// ModuleLoader populates a registry builder with a module's handlers. It is
// re-run on every reload, so it must be safe to call repeatedly.
type ModuleLoader func(*RegistryBuilder) error

// ModuleRecord is one named unit of handler registrations. Protected modules
// survive every reload; they can only be replaced, never removed.
type ModuleRecord struct {
	Name      string
	Loader    ModuleLoader
	Protected bool
}

// ModuleSet is the ordered collection of registered modules. Registration
// order is load order, so later modules can assume earlier ones loaded.
type ModuleSet struct {
	mu     sync.Mutex
	order  []string
	byName map[string]*ModuleRecord
}

// NewModuleSet returns an empty set.
func NewModuleSet() *ModuleSet {
	return &ModuleSet{byName: make(map[string]*ModuleRecord)}
}

// Register adds a module. Registering an existing name fails; use Replace to
// swap a module's loader.
func (s *ModuleSet) Register(rec ModuleRecord) error {
	if rec.Name == "" {
		return errspkg.ErrModuleNameRequired
	}
	if rec.Loader == nil {
		return errspkg.ErrModuleLoaderRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byName[rec.Name]; exists {
		return fmt.Errorf("%w: %q", errspkg.ErrDuplicateModule, rec.Name)
	}
	s.order = append(s.order, rec.Name)
	s.byName[rec.Name] = &rec
	return nil
}

// Replace swaps an existing module's loader, keeping its position and
// protection flag unless the record says otherwise.
func (s *ModuleSet) Replace(rec ModuleRecord) error {
	if rec.Name == "" {
		return errspkg.ErrModuleNameRequired
	}
	if rec.Loader == nil {
		return errspkg.ErrModuleLoaderRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byName[rec.Name]; !exists {
		s.order = append(s.order, rec.Name)
	}
	s.byName[rec.Name] = &rec
	return nil
}

// Remove drops a module. Protected modules cannot be removed.
func (s *ModuleSet) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.byName[name]
	if !exists {
		return nil
	}
	if rec.Protected {
		return fmt.Errorf("%w: %q", errspkg.ErrProtectedModule, name)
	}
	delete(s.byName, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Names returns the module names in load order.
func (s *ModuleSet) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Has reports whether a module is registered.
func (s *ModuleSet) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.byName[name]
	return exists
}

// BuildRegistry runs every module loader into a fresh builder and freezes
// the result. A loader failure aborts the build and reports the failing
// module; the caller keeps whatever registry it had before.
func (s *ModuleSet) BuildRegistry() (*Registry, error) {
	s.mu.Lock()
	records := make([]*ModuleRecord, 0, len(s.order))
	for _, name := range s.order {
		records = append(records, s.byName[name])
	}
	s.mu.Unlock()

	builder := NewRegistryBuilder()
	for _, rec := range records {
		if err := rec.Loader(builder); err != nil {
			return nil, &errspkg.ReloadError{Module: rec.Name, Err: err}
		}
	}
	return builder.Build(), nil
}
