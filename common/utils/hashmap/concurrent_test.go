package hashmap_test

import (
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/scusemua/mlcommons-cluster/common/utils/hashmap"
)

var _ = Describe("ConcurrentMap", func() {
	var m *hashmap.ConcurrentMap[string, int]

	BeforeEach(func() {
		m = hashmap.NewConcurrentMap[int](hashmap.DefaultShards)
	})

	It("should only store the first value with LoadOrStore", func() {
		v, loaded := m.LoadOrStore("a", 1)
		Expect(loaded).To(BeFalse())
		Expect(v).To(Equal(1))

		v, loaded = m.LoadOrStore("a", 2)
		Expect(loaded).To(BeTrue())
		Expect(v).To(Equal(1))
	})

	It("should serialize concurrent upserts of the same key", func() {
		var wg sync.WaitGroup
		for i := 0; i < 64; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.Upsert("counter", func(_ bool, current int) int { return current + 1 })
			}()
		}
		wg.Wait()

		v, ok := m.Load("counter")
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal(64))
	})

	It("should only delete when the condition holds", func() {
		m.Store("a", 1)

		Expect(m.DeleteIf("a", func(v int) bool { return v > 1 })).To(BeFalse())
		Expect(m.Len()).To(Equal(1))

		Expect(m.DeleteIf("a", func(v int) bool { return v == 1 })).To(BeTrue())
		Expect(m.Len()).To(Equal(0))
		Expect(m.DeleteIf("missing", func(int) bool { return true })).To(BeFalse())
	})

	It("should return the removed value from LoadAndDelete", func() {
		m.Store("a", 7)

		v, ok := m.LoadAndDelete("a")
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal(7))

		_, ok = m.Load("a")
		Expect(ok).To(BeFalse())
	})

	It("should visit every entry until the callback stops", func() {
		for _, k := range []string{"a", "b", "c"} {
			m.Store(k, 1)
		}

		visited := 0
		m.Range(func(string, int) bool {
			visited += 1
			return true
		})
		Expect(visited).To(Equal(3))
		Expect(m.Keys()).To(ConsistOf("a", "b", "c"))

		visited = 0
		m.Range(func(string, int) bool {
			visited += 1
			return false
		})
		Expect(visited).To(Equal(1))

		m.Clear()
		Expect(m.Len()).To(Equal(0))
	})
})
