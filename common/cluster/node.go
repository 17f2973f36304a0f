// Package cluster describes cluster membership: which nodes exist, where they listen, and which roles they
// carry.
package cluster

import (
	"fmt"
	"sort"

	"golang.org/x/exp/slices"
)

// Role is a capability advertised by a node.
type Role string

const (
	// RoleML nodes execute model work.
	RoleML Role = "ml"

	// RoleData nodes hold data. They execute model work only when only_run_on_ml_node is false.
	RoleData Role = "data"

	RoleClusterManager Role = "cluster_manager"
)

// Node is a member of the cluster.
type Node struct {
	ID      string `json:"id"      yaml:"id"`
	Name    string `json:"name"    yaml:"name"`
	Address string `json:"address" yaml:"address"`
	Roles   []Role `json:"roles"   yaml:"roles"`
}

func (n Node) HasRole(role Role) bool {
	return slices.Contains(n.Roles, role)
}

func (n Node) String() string {
	return fmt.Sprintf("Node[ID=%s, Address=%s, Roles=%v]", n.ID, n.Address, n.Roles)
}

// Membership supplies the current set of cluster nodes. Implementations must be safe for concurrent use.
type Membership interface {
	// LocalNode returns the node this process runs as.
	LocalNode() Node

	// Nodes returns every known node, including the local one, ordered by id.
	Nodes() []Node
}

// EligibleNodes returns the nodes allowed to execute model work: ML nodes, plus data nodes when onlyMLNode is
// false. The result keeps the order of nodes.
func EligibleNodes(nodes []Node, onlyMLNode bool) []Node {
	eligible := make([]Node, 0, len(nodes))
	for _, node := range nodes {
		if node.HasRole(RoleML) || (!onlyMLNode && node.HasRole(RoleData)) {
			eligible = append(eligible, node)
		}
	}
	return eligible
}

// NodeIDs returns the ids of nodes.
func NodeIDs(nodes []Node) []string {
	ids := make([]string, 0, len(nodes))
	for _, node := range nodes {
		ids = append(ids, node.ID)
	}
	return ids
}

// FindNode returns the node with the given id.
func FindNode(nodes []Node, id string) (Node, bool) {
	for _, node := range nodes {
		if node.ID == id {
			return node, true
		}
	}
	return Node{}, false
}

func sortNodes(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}
