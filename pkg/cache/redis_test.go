package cache_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/fleet-dash/pkg/cache"
	"procodus.dev/fleet-dash/pkg/logger"
)

var _ = Describe("NewRedisCache", func() {
	ctx := context.Background()

	It("should reject a nil config", func() {
		c, err := cache.NewRedisCache(ctx, nil)
		Expect(err).To(MatchError("cache config cannot be nil"))
		Expect(c).To(BeNil())
	})

	It("should require a logger", func() {
		_, err := cache.NewRedisCache(ctx, &cache.Config{Addr: "localhost:6379"})
		Expect(err).To(MatchError("logger cannot be nil"))
	})

	It("should require an address", func() {
		_, err := cache.NewRedisCache(ctx, &cache.Config{Logger: logger.NewDiscard()})
		Expect(err).To(MatchError("redis address cannot be empty"))
	})

	It("should fail when Redis is unreachable", func() {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		_, err := cache.NewRedisCache(ctx, &cache.Config{
			Logger: logger.NewDiscard(),
			Addr:   "127.0.0.1:1",
		})
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("failed to connect to Redis"))
	})
})
