package idempotency

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/wp-autoheal/orchestrator/pkg/kv"
)

var _ = Describe("Store", func() {
	var (
		ctx       context.Context
		miniRedis *miniredis.Miniredis
		client    *kv.Client
		store     *Store
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		miniRedis, err = miniredis.Run()
		Expect(err).ToNot(HaveOccurred())

		client = kv.NewClient(&redis.Options{Addr: miniRedis.Addr()}, logr.Discard())
		Expect(client.EnsureConnection(ctx)).To(Succeed())

		store = NewStore(client, time.Hour)
	})

	AfterEach(func() {
		_ = client.Close()
		miniRedis.Close()
	})

	It("should return ErrNotFound for an unrecorded key", func() {
		_, err := store.Get(ctx, "unknown-key")
		Expect(err).To(Equal(ErrNotFound))
	})

	It("should round-trip a recorded result", func() {
		key, err := Key("run-phase", map[string]interface{}{"siteId": "site-1"})
		Expect(err).ToNot(HaveOccurred())

		record := Record{Success: true, Data: map[string]interface{}{"attempts": float64(2)}}
		Expect(store.Put(ctx, key, record)).To(Succeed())

		got, err := store.Get(ctx, key)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Success).To(BeTrue())
		Expect(got.Data["attempts"]).To(Equal(float64(2)))
	})

	It("should stamp CreatedAt on Put so Cleanup can age entries independent of TTL", func() {
		key, err := Key("run-phase", map[string]interface{}{"siteId": "site-2"})
		Expect(err).ToNot(HaveOccurred())
		Expect(store.Put(ctx, key, Record{Success: true})).To(Succeed())

		got, err := store.Get(ctx, key)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.CreatedAt).To(BeNumerically(">", 0))

		deleted, err := store.Cleanup(ctx, 24)
		Expect(err).ToNot(HaveOccurred())
		Expect(deleted).To(Equal(0))

		_, err = store.Get(ctx, key)
		Expect(err).ToNot(HaveOccurred())
	})
})

var _ = Describe("CheckpointStore", func() {
	var (
		ctx       context.Context
		miniRedis *miniredis.Miniredis
		client    *kv.Client
		store     *CheckpointStore
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		miniRedis, err = miniredis.Run()
		Expect(err).ToNot(HaveOccurred())

		client = kv.NewClient(&redis.Options{Addr: miniRedis.Addr()}, logr.Discard())
		Expect(client.EnsureConnection(ctx)).To(Succeed())

		store = NewCheckpointStore(client, time.Hour)
	})

	AfterEach(func() {
		_ = client.Close()
		miniRedis.Close()
	})

	It("should return ErrNotFound when no checkpoint has been saved", func() {
		_, err := store.Load(ctx, "incident-1", "BACKUP", 0)
		Expect(err).To(Equal(ErrNotFound))
	})

	It("should save and load a checkpoint at its coordinate", func() {
		progress := CheckpointProgress{Phase: "BACKUP", CompletedAt: 1000}
		Expect(store.Save(ctx, "incident-1", "BACKUP", 0, progress)).To(Succeed())

		got, err := store.Load(ctx, "incident-1", "BACKUP", 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Phase).To(Equal("BACKUP"))
		Expect(got.IncidentID).To(Equal("incident-1"))
		Expect(got.Checksum).ToNot(BeEmpty())
	})

	It("should keep distinct attempts at the same state separate", func() {
		Expect(store.Save(ctx, "incident-1", "FIX_ATTEMPT", 0, CheckpointProgress{Phase: "FIX_ATTEMPT", CompletedAt: 1})).To(Succeed())
		Expect(store.Save(ctx, "incident-1", "FIX_ATTEMPT", 1, CheckpointProgress{Phase: "FIX_ATTEMPT", CompletedAt: 2})).To(Succeed())

		first, err := store.Load(ctx, "incident-1", "FIX_ATTEMPT", 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(first.CompletedAt).To(Equal(int64(1)))

		second, err := store.Load(ctx, "incident-1", "FIX_ATTEMPT", 1)
		Expect(err).ToNot(HaveOccurred())
		Expect(second.CompletedAt).To(Equal(int64(2)))
	})

	It("should overwrite the prior checkpoint on a second save at the same coordinate", func() {
		Expect(store.Save(ctx, "incident-1", "BACKUP", 0, CheckpointProgress{Phase: "BACKUP", Data: map[string]interface{}{"step": "start"}})).To(Succeed())
		Expect(store.Save(ctx, "incident-1", "BACKUP", 0, CheckpointProgress{Phase: "VERIFY", Data: map[string]interface{}{"step": "done"}})).To(Succeed())

		got, err := store.Load(ctx, "incident-1", "BACKUP", 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Phase).To(Equal("VERIFY"))
	})

	It("should remove the checkpoint on Clear", func() {
		Expect(store.Save(ctx, "incident-1", "BACKUP", 0, CheckpointProgress{Phase: "BACKUP"})).To(Succeed())
		Expect(store.Clear(ctx, "incident-1", "BACKUP", 0)).To(Succeed())

		_, err := store.Load(ctx, "incident-1", "BACKUP", 0)
		Expect(err).To(Equal(ErrNotFound))
	})

	It("should find the most recently completed checkpoint across coordinates via LoadLatest", func() {
		Expect(store.Save(ctx, "incident-1", "BACKUP", 0, CheckpointProgress{Phase: "BACKUP", CompletedAt: 100})).To(Succeed())
		Expect(store.Save(ctx, "incident-1", "FIX_ATTEMPT", 0, CheckpointProgress{Phase: "FIX_ATTEMPT", CompletedAt: 200})).To(Succeed())
		Expect(store.Save(ctx, "incident-2", "BACKUP", 0, CheckpointProgress{Phase: "BACKUP", CompletedAt: 999})).To(Succeed())

		got, err := store.LoadLatest(ctx, "incident-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Phase).To(Equal("FIX_ATTEMPT"))
	})

	It("should return ErrNotFound from LoadLatest when the incident has no checkpoints", func() {
		_, err := store.LoadLatest(ctx, "unknown-incident")
		Expect(err).To(Equal(ErrNotFound))
	})
})
