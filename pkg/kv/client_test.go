package kv

import (
	"context"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
)

var _ = Describe("Client", func() {
	var (
		ctx       context.Context
		logger    logr.Logger
		miniRedis *miniredis.Miniredis
		redisAddr string
		client    *Client
	)

	BeforeEach(func() {
		ctx = context.Background()
		logger = logr.Discard()

		var err error
		miniRedis, err = miniredis.Run()
		Expect(err).ToNot(HaveOccurred())
		redisAddr = miniRedis.Addr()
	})

	AfterEach(func() {
		if client != nil {
			_ = client.Close()
		}
		if miniRedis != nil {
			miniRedis.Close()
		}
	})

	Describe("NewClient", func() {
		It("should create a client without connecting", func() {
			client = NewClient(&redis.Options{Addr: redisAddr}, logger)
			Expect(client).ToNot(BeNil())
			Expect(client.GetClient()).ToNot(BeNil())
		})
	})

	Describe("EnsureConnection", func() {
		Context("when redis is available", func() {
			It("should connect on first call and take a fast path after", func() {
				client = NewClient(&redis.Options{Addr: redisAddr}, logger)

				Expect(client.EnsureConnection(ctx)).To(Succeed())

				start := time.Now()
				Expect(client.EnsureConnection(ctx)).To(Succeed())
				Expect(time.Since(start)).To(BeNumerically("<", time.Millisecond))
			})
		})

		Context("when redis is unavailable", func() {
			It("should return a wrapped error", func() {
				client = NewClient(&redis.Options{Addr: "localhost:9999", DialTimeout: 100 * time.Millisecond}, logger)

				err := client.EnsureConnection(ctx)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to ping redis"))
			})
		})

		Context("when called concurrently", func() {
			It("should not race", func() {
				client = NewClient(&redis.Options{Addr: redisAddr}, logger)

				var wg sync.WaitGroup
				errs := make([]error, 10)
				for i := 0; i < 10; i++ {
					wg.Add(1)
					go func(idx int) {
						defer wg.Done()
						errs[idx] = client.EnsureConnection(ctx)
					}(i)
				}
				wg.Wait()

				for _, err := range errs {
					Expect(err).ToNot(HaveOccurred())
				}
			})
		})
	})

	Describe("Close", func() {
		It("should close the underlying connection", func() {
			client = NewClient(&redis.Options{Addr: redisAddr}, logger)
			Expect(client.EnsureConnection(ctx)).To(Succeed())
			Expect(client.Close()).To(Succeed())
		})
	})
})
