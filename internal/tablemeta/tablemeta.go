// Package tablemeta provides an illustrative, in-memory implementation of
// the step.TableRegistry and step.NameMapper collaborators (§1, §6c). It
// exists to drive the example operations in core/fate/tableops and the
// end-to-end tests, and is explicitly not a production implementation of
// a table-store's own metadata service.
package tablemeta

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrAlreadyReserved is returned by ReserveNamespace/ReserveTable when the
// requested lock is already held in an incompatible mode.
var ErrAlreadyReserved = fmt.Errorf("tablemeta: already reserved")

// ErrNotReserved is returned by the matching Unreserve call.
var ErrNotReserved = fmt.Errorf("tablemeta: not reserved")

// ErrNameTaken is returned by Register when the name already maps to a
// different id.
var ErrNameTaken = fmt.Errorf("tablemeta: name already registered")

// ErrNameNotFound is returned by Lookup/Rename for an unknown name.
var ErrNameNotFound = fmt.Errorf("tablemeta: name not found")

type lockState struct {
	readers int
	writer  bool
}

// Registry is the in-memory TableRegistry + NameMapper implementation.
type Registry struct {
	mu         sync.Mutex
	namespaces map[string]*lockState
	tables     map[string]*lockState
	names      map[string]string // name -> id
	nextTable  int
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{
		namespaces: make(map[string]*lockState),
		tables:     make(map[string]*lockState),
		names:      make(map[string]string),
	}
}

func reserve(locks map[string]*lockState, id string, write bool) error {
	st, ok := locks[id]
	if !ok {
		st = &lockState{}
		locks[id] = st
	}
	if write {
		if st.writer || st.readers > 0 {
			return ErrAlreadyReserved
		}
		st.writer = true
		return nil
	}
	if st.writer {
		return ErrAlreadyReserved
	}
	st.readers++
	return nil
}

func unreserve(locks map[string]*lockState, id string, write bool) error {
	st, ok := locks[id]
	if !ok {
		return ErrNotReserved
	}
	if write {
		if !st.writer {
			return ErrNotReserved
		}
		st.writer = false
		return nil
	}
	if st.readers == 0 {
		return ErrNotReserved
	}
	st.readers--
	return nil
}

func (r *Registry) ReserveNamespace(id string, write bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return reserve(r.namespaces, id, write)
}

func (r *Registry) UnreserveNamespace(id string, write bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return unreserve(r.namespaces, id, write)
}

func (r *Registry) ReserveTable(id string, write bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return reserve(r.tables, id, write)
}

func (r *Registry) UnreserveTable(id string, write bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return unreserve(r.tables, id, write)
}

// NextTableID allocates a fresh table id. name is accepted for parity with
// the real metadata service's signature but is not otherwise validated
// here.
func (r *Registry) NextTableID(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uuid.NewString(), nil
}

func (r *Registry) Lookup(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.names[name]
	if !ok {
		return "", ErrNameNotFound
	}
	return id, nil
}

func (r *Registry) Register(name, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.names[name]; ok && existing != id {
		return ErrNameTaken
	}
	r.names[name] = id
	return nil
}

func (r *Registry) Rename(oldName, newName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.names[oldName]
	if !ok {
		return ErrNameNotFound
	}
	if existing, ok := r.names[newName]; ok && existing != id {
		return ErrNameTaken
	}
	delete(r.names, oldName)
	r.names[newName] = id
	return nil
}
