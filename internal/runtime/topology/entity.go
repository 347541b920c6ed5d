package topology

import (
	"fmt"
	"strings"

	"github.com/drblury/sbflow/internal/runtime/namespace"
)

// EntityType is the kind of broker entity an address points at.
type EntityType int

const (
	Queue EntityType = iota
	Topic
	Subscription
)

func (t EntityType) String() string {
	switch t {
	case Queue:
		return "queue"
	case Topic:
		return "topic"
	case Subscription:
		return "subscription"
	default:
		return fmt.Sprintf("entity(%d)", int(t))
	}
}

// EntityAddress identifies a queue, topic or subscription inside a namespace.
// Via optionally names the entity a send is routed through.
type EntityAddress struct {
	Path      string
	Via       string
	Type      EntityType
	Namespace namespace.Info
}

// Key is identical for addresses that point at the same entity through the
// same via entity. Entity paths are case-insensitive on the broker.
func (e EntityAddress) Key() string {
	return e.Namespace.Key() + "|" + strings.ToLower(e.Path) + "|" + strings.ToLower(e.Via)
}

// SameNamespace reports whether both addresses live in the same namespace.
func (e EntityAddress) SameNamespace(other EntityAddress) bool {
	return e.Namespace.Equal(other.Namespace)
}

// WithVia returns a copy of e routed through via.
func (e EntityAddress) WithVia(via string) EntityAddress {
	e.Via = via
	return e
}

func (e EntityAddress) String() string {
	s := e.Path
	if e.Namespace.Alias != "" {
		s += "@" + e.Namespace.Alias
	}
	if e.Via != "" {
		s += " via " + e.Via
	}
	return s
}

// Section is the set of entities a topology operator attaches pumps to.
type Section struct {
	Entities []EntityAddress
	// Concurrency is the per-pump concurrency hint. Zero means the operator
	// default.
	Concurrency int
}

// NewSection copies entities and drops duplicates, keeping the first
// occurrence of each entity.
func NewSection(concurrency int, entities ...EntityAddress) Section {
	seen := make(map[string]struct{}, len(entities))
	out := make([]EntityAddress, 0, len(entities))
	for _, e := range entities {
		k := e.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, e)
	}
	return Section{Entities: out, Concurrency: concurrency}
}

// Len returns the number of entities.
func (s Section) Len() int { return len(s.Entities) }
