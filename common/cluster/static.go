package cluster

import (
	"sync"
)

// StaticMembership is a membership list maintained by its owner.
type StaticMembership struct {
	local Node
	nodes map[string]Node
	mu    sync.RWMutex
}

// NewStaticMembership returns a membership containing local and peers.
func NewStaticMembership(local Node, peers ...Node) *StaticMembership {
	membership := &StaticMembership{
		local: local,
		nodes: map[string]Node{local.ID: local},
	}
	for _, peer := range peers {
		membership.nodes[peer.ID] = peer
	}
	return membership
}

func (m *StaticMembership) LocalNode() Node {
	return m.local
}

func (m *StaticMembership) Nodes() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := make([]Node, 0, len(m.nodes))
	for _, node := range m.nodes {
		nodes = append(nodes, node)
	}
	sortNodes(nodes)
	return nodes
}

// Join adds or replaces node.
func (m *StaticMembership) Join(node Node) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nodes[node.ID] = node
}

// Leave removes the node with the given id. The local node cannot leave.
func (m *StaticMembership) Leave(id string) {
	if id == m.local.ID {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.nodes, id)
}
