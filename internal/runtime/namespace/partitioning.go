package namespace

import (
	"fmt"
	"hash/fnv"
	"strings"

	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
)

// PartitioningStrategy picks the namespace an unqualified entity path lives in.
type PartitioningStrategy interface {
	Namespace(path string) (Info, error)
}

// NewPartitioningStrategy builds the named strategy over the partitioning
// namespaces of ns. Supported names are "single" (default) and "sharded".
func NewPartitioningStrategy(name string, ns *Namespaces) (PartitioningStrategy, error) {
	candidates := ns.ForPurpose(Partitioning)
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "single":
		return NewSinglePartitioning(candidates)
	case "sharded":
		return NewShardedPartitioning(candidates)
	default:
		return nil, fmt.Errorf("sbflow: unknown partitioning strategy %q", name)
	}
}

// SinglePartitioning routes every path to the only partitioning namespace.
type SinglePartitioning struct {
	info Info
}

func NewSinglePartitioning(candidates []Info) (*SinglePartitioning, error) {
	if len(candidates) != 1 {
		return nil, fmt.Errorf("%w: single partitioning needs exactly one partitioning namespace, got %d",
			errspkg.ErrUnknownNamespace, len(candidates))
	}
	return &SinglePartitioning{info: candidates[0]}, nil
}

func (s *SinglePartitioning) Namespace(string) (Info, error) {
	return s.info, nil
}

// ShardedPartitioning spreads paths across namespaces by hashing the
// lower-cased path.
type ShardedPartitioning struct {
	shards []Info
}

func NewShardedPartitioning(candidates []Info) (*ShardedPartitioning, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: sharded partitioning needs at least one partitioning namespace",
			errspkg.ErrUnknownNamespace)
	}
	shards := make([]Info, len(candidates))
	copy(shards, candidates)
	return &ShardedPartitioning{shards: shards}, nil
}

func (s *ShardedPartitioning) Namespace(path string) (Info, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(path)))
	return s.shards[h.Sum32()%uint32(len(s.shards))], nil
}
