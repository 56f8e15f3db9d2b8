package executor

import (
	"context"
	"strconv"
	"sync"
)

// Node is a piece of content addressable by numeric id.
type Node struct {
	ID    int32  `yaml:"id" json:"id"`
	Title string `yaml:"title" json:"title"`
}

// NodeRepository loads nodes.
type NodeRepository interface {
	Node(ctx context.Context, id int32) (Node, bool, error)
}

// MemoryNodes is a NodeRepository held in memory. Replace swaps the whole set,
// so a configuration reload never exposes a partial one.
type MemoryNodes struct {
	mu    sync.RWMutex
	nodes map[int32]Node
}

// NewMemoryNodes creates a repository holding nodes.
func NewMemoryNodes(nodes ...Node) *MemoryNodes {
	m := &MemoryNodes{}
	m.Replace(nodes)
	return m
}

// Node returns the node with id.
func (m *MemoryNodes) Node(_ context.Context, id int32) (Node, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	return n, ok, nil
}

// Replace swaps the stored nodes.
func (m *MemoryNodes) Replace(nodes []Node) {
	set := make(map[int32]Node, len(nodes))
	for _, n := range nodes {
		set[n.ID] = n
	}
	m.mu.Lock()
	m.nodes = set
	m.mu.Unlock()
}

// Len returns the number of nodes.
func (m *MemoryNodes) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

type queryResolver struct {
	repo NodeRepository
}

// Node resolves Query.node. Unknown and non-numeric ids resolve to null.
func (r *queryResolver) Node(ctx context.Context, args struct{ ID *string }) (*nodeResolver, error) {
	if args.ID == nil {
		return nil, nil
	}
	id, err := strconv.ParseInt(*args.ID, 10, 32)
	if err != nil {
		return nil, nil
	}

	n, ok, err := r.repo.Node(ctx, int32(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &nodeResolver{node: n}, nil
}

type nodeResolver struct {
	node Node
}

func (r *nodeResolver) ID() int32 {
	return r.node.ID
}

func (r *nodeResolver) Title() string {
	return r.node.Title
}
