package storage_test

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/scusemua/mlcommons-cluster/common/storage"
)

// storeContract exercises the behaviour every Store implementation must provide.
func storeContract(newStore func() storage.Store) {
	var (
		store storage.Store
		index string
	)

	BeforeEach(func() {
		store = newStore()
		index = "test_" + uuid.NewString()
	})

	upsert := func(id string, fields storage.Document) {
		done := make(chan error, 1)
		store.Upsert(context.Background(), index, id, fields, func(err error) { done <- err })
		Eventually(done).Should(Receive(BeNil()))
	}

	get := func(id string) (storage.Document, error) {
		type result struct {
			doc storage.Document
			err error
		}
		done := make(chan result, 1)
		store.Get(context.Background(), index, id, func(doc storage.Document, err error) {
			done <- result{doc, err}
		})

		var r result
		Eventually(done).Should(Receive(&r))
		return r.doc, r.err
	}

	It("should merge upserted fields into an existing document", func() {
		now := time.Now()
		upsert("t1", storage.Document{"state": "CREATED", "async": true, "create_time": now.UnixMilli()})
		upsert("t1", storage.Document{"state": "RUNNING", "worker_nodes": []string{"n1", "n2"}})

		doc, err := get("t1")
		Expect(err).ToNot(HaveOccurred())
		Expect(doc.String("state")).To(Equal("RUNNING"))
		Expect(doc.Bool("async")).To(BeTrue())
		Expect(doc.Time("create_time").UnixMilli()).To(Equal(now.UnixMilli()))
		Expect(doc.Strings("worker_nodes")).To(Equal([]string{"n1", "n2"}))
	})

	It("should report a missing document", func() {
		_, err := get("missing")
		Expect(err).To(MatchError(storage.ErrDocumentNotFound))
	})

	It("should list every document of an index", func() {
		upsert("a", storage.Document{"state": "CREATED"})
		upsert("b", storage.Document{"state": "FAILED"})

		done := make(chan map[string]storage.Document, 1)
		store.List(context.Background(), index, func(docs map[string]storage.Document, err error) {
			Expect(err).ToNot(HaveOccurred())
			done <- docs
		})

		var docs map[string]storage.Document
		Eventually(done).Should(Receive(&docs))
		Expect(docs).To(HaveLen(2))
		Expect(docs["b"].String("state")).To(Equal("FAILED"))
	})
}

var _ = Describe("MemoryStore", func() {
	storeContract(func() storage.Store { return storage.NewMemoryStore() })

	It("should not share documents with the caller", func() {
		store := storage.NewMemoryStore()
		fields := storage.Document{"worker_nodes": []string{"n1"}}
		store.Upsert(context.Background(), "idx", "id", fields, func(err error) {
			Expect(err).ToNot(HaveOccurred())
		})
		fields["worker_nodes"].([]string)[0] = "mutated"

		store.Get(context.Background(), "idx", "id", func(doc storage.Document, err error) {
			Expect(err).ToNot(HaveOccurred())
			Expect(doc.Strings("worker_nodes")).To(Equal([]string{"n1"}))
		})
	})

	It("should fail fast on a cancelled context", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		storage.NewMemoryStore().Upsert(ctx, "idx", "id", storage.Document{}, func(err error) {
			Expect(err).To(MatchError(context.Canceled))
		})
	})
})

var _ = Describe("RedisStore", func() {
	address := os.Getenv("REDIS_ADDR")

	BeforeEach(func() {
		if address == "" {
			Skip("REDIS_ADDR is not set")
		}
	})

	storeContract(func() storage.Store {
		return storage.NewRedisStore(address, os.Getenv("REDIS_PASSWORD"), 0, "mlcluster_test:")
	})
})
