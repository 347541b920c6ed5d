// Package routing maps message types to the endpoints that publish them.
package routing

import (
	"fmt"
	"reflect"
	"slices"
	"sync"

	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
)

// Publishers is the publisher routing table. A type is mapped together with
// every ancestor the conventions recognize: embedded structs and registered
// contract interfaces it implements. Publisher names are kept as a set.
type Publishers struct {
	conventions Conventions

	mu        sync.RWMutex
	byType    map[reflect.Type]map[string]struct{}
	contracts []reflect.Type
}

func NewPublishers(conventions Conventions) *Publishers {
	if conventions == nil {
		conventions = DefaultConventions
	}
	return &Publishers{
		conventions: conventions,
		byType:      make(map[reflect.Type]map[string]struct{}),
	}
}

// MapContracts registers interface types that mapped types may implement.
// Publishers mapped afterwards are also recorded for these interfaces.
func (p *Publishers) MapContracts(contracts ...reflect.Type) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range contracts {
		if c == nil || c.Kind() != reflect.Interface {
			return fmt.Errorf("%w: contract %v is not an interface", errspkg.ErrInvalidFormat, c)
		}
		if !slices.Contains(p.contracts, c) {
			p.contracts = append(p.contracts, c)
		}
	}
	return nil
}

// Map records publisher for t and its recognized ancestors.
func (p *Publishers) Map(publisher string, t reflect.Type) error {
	if publisher == "" {
		return fmt.Errorf("%w: publisher name is empty", errspkg.ErrInvalidFormat)
	}
	t = Normalize(t)
	if !p.conventions.IsMessageType(t) {
		return fmt.Errorf("%w: %v is not a message type", errspkg.ErrUnknownType, t)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, target := range p.hierarchy(t) {
		set, ok := p.byType[target]
		if !ok {
			set = make(map[string]struct{})
			p.byType[target] = set
		}
		set[publisher] = struct{}{}
	}
	return nil
}

// PublishersFor returns the sorted publisher names for t. Unmapped types
// fail with ErrUnknownType so callers can tell "nobody publishes this" from
// an empty registration.
func (p *Publishers) PublishersFor(t reflect.Type) ([]string, error) {
	t = Normalize(t)
	p.mu.RLock()
	defer p.mu.RUnlock()
	set, ok := p.byType[t]
	if !ok {
		return nil, fmt.Errorf("%w: no publishers for %v", errspkg.ErrUnknownType, t)
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (p *Publishers) HasPublishersFor(t reflect.Type) bool {
	t = Normalize(t)
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.byType[t]
	return ok
}

// hierarchy lists t, its embedded structs at any depth and the contracts any
// of them implement, each once.
func (p *Publishers) hierarchy(t reflect.Type) []reflect.Type {
	var out []reflect.Type
	seen := map[reflect.Type]bool{}
	var walk func(reflect.Type)
	walk = func(t reflect.Type) {
		t = Normalize(t)
		if seen[t] || !p.conventions.IsMessageType(t) {
			return
		}
		seen[t] = true
		out = append(out, t)
		if t.Kind() != reflect.Struct {
			return
		}
		for i := range t.NumField() {
			if f := t.Field(i); f.Anonymous {
				walk(f.Type)
			}
		}
	}
	walk(t)

	for _, c := range p.contracts {
		if seen[c] || !p.conventions.IsMessageType(c) {
			continue
		}
		if t.Implements(c) || reflect.PointerTo(t).Implements(c) {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}
