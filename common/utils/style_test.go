package utils_test

import (
	"github.com/charmbracelet/lipgloss"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/scusemua/mlcommons-cluster/common/utils"
)

var _ = Describe("OutcomeStyle", func() {
	DescribeTable("picks a style from the share of nodes that succeeded",
		func(succeeded int, total int, expected lipgloss.Style) {
			Expect(utils.OutcomeStyle(succeeded, total).GetForeground()).To(Equal(expected.GetForeground()))
		},
		Entry("no nodes", 0, 0, utils.GrayStyle),
		Entry("every node failed", 0, 3, utils.RedStyle),
		Entry("some nodes failed", 2, 3, utils.YellowStyle),
		Entry("every node succeeded", 3, 3, utils.GreenStyle),
	)
})
