package kv

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
)

var _ = Describe("Cache", func() {
	var (
		ctx       context.Context
		miniRedis *miniredis.Miniredis
		client    *Client
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		miniRedis, err = miniredis.Run()
		Expect(err).ToNot(HaveOccurred())

		client = NewClient(&redis.Options{Addr: miniRedis.Addr()}, logr.Discard())
		Expect(client.EnsureConnection(ctx)).To(Succeed())
	})

	AfterEach(func() {
		_ = client.Close()
		miniRedis.Close()
	})

	It("should store and retrieve string values", func() {
		cache := NewCache[string](client, "strings", 5*time.Minute)
		value := "hello world"
		Expect(cache.Set(ctx, "key1", &value)).To(Succeed())

		retrieved, err := cache.Get(ctx, "key1")
		Expect(err).ToNot(HaveOccurred())
		Expect(*retrieved).To(Equal("hello world"))
	})

	It("should store and retrieve struct values", func() {
		type payload struct {
			Name  string
			Count int
		}
		cache := NewCache[payload](client, "structs", 10*time.Minute)
		value := payload{Name: "incident-1", Count: 3}
		Expect(cache.Set(ctx, "struct-key", &value)).To(Succeed())

		retrieved, err := cache.Get(ctx, "struct-key")
		Expect(err).ToNot(HaveOccurred())
		Expect(retrieved.Name).To(Equal("incident-1"))
		Expect(retrieved.Count).To(Equal(3))
	})

	It("should return ErrCacheMiss for absent keys", func() {
		cache := NewCache[string](client, "test", 5*time.Minute)
		retrieved, err := cache.Get(ctx, "missing")
		Expect(err).To(Equal(ErrCacheMiss))
		Expect(retrieved).To(BeNil())
	})

	It("should expire entries after TTL", func() {
		cache := NewCache[string](client, "ttl-test", time.Second)
		value := "expires soon"
		Expect(cache.Set(ctx, "ttl-key", &value)).To(Succeed())

		retrieved, err := cache.Get(ctx, "ttl-key")
		Expect(err).ToNot(HaveOccurred())
		Expect(*retrieved).To(Equal("expires soon"))

		miniRedis.FastForward(2 * time.Second)

		retrieved, err = cache.Get(ctx, "ttl-key")
		Expect(err).To(Equal(ErrCacheMiss))
		Expect(retrieved).To(BeNil())
	})

	It("should isolate identical keys by prefix", func() {
		cache1 := NewCache[string](client, "prefix1", 5*time.Minute)
		cache2 := NewCache[string](client, "prefix2", 5*time.Minute)

		v1, v2 := "cache1-value", "cache2-value"
		Expect(cache1.Set(ctx, "shared-key", &v1)).To(Succeed())
		Expect(cache2.Set(ctx, "shared-key", &v2)).To(Succeed())

		got1, err := cache1.Get(ctx, "shared-key")
		Expect(err).ToNot(HaveOccurred())
		Expect(*got1).To(Equal("cache1-value"))

		got2, err := cache2.Get(ctx, "shared-key")
		Expect(err).ToNot(HaveOccurred())
		Expect(*got2).To(Equal("cache2-value"))
	})

	It("should remove deleted keys", func() {
		cache := NewCache[string](client, "delete-test", 5*time.Minute)
		value := "to be deleted"
		Expect(cache.Set(ctx, "key", &value)).To(Succeed())
		Expect(cache.Delete(ctx, "key")).To(Succeed())

		_, err := cache.Get(ctx, "key")
		Expect(err).To(Equal(ErrCacheMiss))
	})

	Context("when redis is unavailable", func() {
		It("should return a wrapped error on Set and Get", func() {
			unavailable := NewClient(&redis.Options{Addr: "localhost:9999", DialTimeout: 100 * time.Millisecond}, logr.Discard())
			defer unavailable.Close()

			cache := NewCache[string](unavailable, "test", 5*time.Minute)
			value := "test"

			err := cache.Set(ctx, "key", &value)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("redis connection failed"))

			retrieved, err := cache.Get(ctx, "key")
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("redis connection failed"))
			Expect(retrieved).To(BeNil())
		})
	})
})
