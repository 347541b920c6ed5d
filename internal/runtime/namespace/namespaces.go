package namespace

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
)

// Purpose tells whether a namespace takes part in partitioning or is only
// addressed explicitly through a destination qualifier.
type Purpose int

const (
	Partitioning Purpose = iota
	Routing
)

func (p Purpose) String() string {
	switch p {
	case Partitioning:
		return "partitioning"
	case Routing:
		return "routing"
	default:
		return fmt.Sprintf("purpose(%d)", int(p))
	}
}

// ParsePurpose accepts "partitioning" and "routing"; empty means partitioning.
func ParsePurpose(value string) (Purpose, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "partitioning":
		return Partitioning, nil
	case "routing":
		return Routing, nil
	default:
		return 0, fmt.Errorf("sbflow: unknown namespace purpose %q", value)
	}
}

// Info is a configured namespace.
type Info struct {
	Alias            string
	ConnectionString ConnectionString
	Purpose          Purpose
}

// Key identifies the namespace by its connection identity.
func (i Info) Key() string { return i.ConnectionString.Key() }

// Equal reports whether both infos address the same namespace identity.
func (i Info) Equal(other Info) bool { return i.ConnectionString.Equal(other.ConnectionString) }

// Namespaces holds the configured namespaces keyed by alias. Aliases are
// case-insensitive. Writes happen during setup, reads at runtime.
type Namespaces struct {
	mu      sync.RWMutex
	byAlias map[string]Info
	order   []string
}

// NewNamespaces returns an empty registry.
func NewNamespaces() *Namespaces {
	return &Namespaces{byAlias: make(map[string]Info)}
}

// Add parses connectionString and registers it under alias.
func (n *Namespaces) Add(alias, connectionString string, purpose Purpose) (Info, error) {
	if strings.TrimSpace(alias) == "" {
		return Info{}, fmt.Errorf("sbflow: namespace alias is required")
	}
	cs, err := ParseConnectionString(connectionString)
	if err != nil {
		return Info{}, fmt.Errorf("namespace %q: %w", alias, err)
	}

	key := strings.ToLower(alias)
	n.mu.Lock()
	defer n.mu.Unlock()

	if existing, ok := n.byAlias[key]; ok {
		if existing.ConnectionString.Equal(cs) {
			return existing, nil
		}
		return Info{}, fmt.Errorf("%w: %s", errspkg.ErrDuplicateNamespace, alias)
	}

	info := Info{Alias: alias, ConnectionString: cs, Purpose: purpose}
	n.byAlias[key] = info
	n.order = append(n.order, key)
	return info, nil
}

// Get looks a namespace up by alias.
func (n *Namespaces) Get(alias string) (Info, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	info, ok := n.byAlias[strings.ToLower(alias)]
	return info, ok
}

// Find returns the registered namespace whose identity equals cs.
func (n *Namespaces) Find(cs ConnectionString) (Info, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, key := range n.order {
		if info := n.byAlias[key]; info.ConnectionString.Equal(cs) {
			return info, true
		}
	}
	return Info{}, false
}

// All returns every namespace in registration order.
func (n *Namespaces) All() []Info {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Info, 0, len(n.order))
	for _, key := range n.order {
		out = append(out, n.byAlias[key])
	}
	return out
}

// ForPurpose returns namespaces with the given purpose ordered by alias, so
// every process configured alike sees the same order.
func (n *Namespaces) ForPurpose(purpose Purpose) []Info {
	var out []Info
	for _, info := range n.All() {
		if info.Purpose == purpose {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Alias) < strings.ToLower(out[j].Alias)
	})
	return out
}

// Len returns the number of registered namespaces.
func (n *Namespaces) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.order)
}
