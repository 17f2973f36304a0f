package cluster_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/scusemua/mlcommons-cluster/common/cluster"
)

var _ = Describe("Cluster", func() {
	var (
		ml      = cluster.Node{ID: "a", Address: "10.0.0.1:9000", Roles: []cluster.Role{cluster.RoleML}}
		data    = cluster.Node{ID: "b", Address: "10.0.0.2:9000", Roles: []cluster.Role{cluster.RoleData}}
		manager = cluster.Node{ID: "c", Address: "10.0.0.3:9000", Roles: []cluster.Role{cluster.RoleClusterManager}}
	)

	Context("EligibleNodes", func() {
		It("should only select ML nodes by default", func() {
			eligible := cluster.EligibleNodes([]cluster.Node{ml, data, manager}, true)
			Expect(cluster.NodeIDs(eligible)).To(Equal([]string{"a"}))
		})

		It("should also select data nodes when allowed", func() {
			eligible := cluster.EligibleNodes([]cluster.Node{ml, data, manager}, false)
			Expect(cluster.NodeIDs(eligible)).To(Equal([]string{"a", "b"}))
		})

		It("should return an empty set when no node qualifies", func() {
			Expect(cluster.EligibleNodes([]cluster.Node{manager}, true)).To(BeEmpty())
		})
	})

	Context("StaticMembership", func() {
		It("should track joins and leaves but never drop the local node", func() {
			membership := cluster.NewStaticMembership(manager, ml)
			Expect(cluster.NodeIDs(membership.Nodes())).To(Equal([]string{"a", "c"}))

			membership.Join(data)
			Expect(cluster.NodeIDs(membership.Nodes())).To(Equal([]string{"a", "b", "c"}))

			membership.Leave("a")
			membership.Leave("c")
			Expect(cluster.NodeIDs(membership.Nodes())).To(Equal([]string{"b", "c"}))
			Expect(membership.LocalNode().ID).To(Equal("c"))

			node, ok := cluster.FindNode(membership.Nodes(), "b")
			Expect(ok).To(BeTrue())
			Expect(node.HasRole(cluster.RoleData)).To(BeTrue())
		})
	})
})
