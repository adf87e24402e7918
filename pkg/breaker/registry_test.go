package breaker

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	apperrors "github.com/wp-autoheal/orchestrator/internal/errors"
)

var _ = Describe("Registry", func() {
	var (
		ctx context.Context
		reg *Registry
	)

	BeforeEach(func() {
		ctx = context.Background()
		reg = NewRegistry(Settings{
			FailureThreshold:  3,
			OpenDuration:      60 * time.Second,
			Window:            time.Minute,
			HalfOpenMaxProbes: 1,
		}, zap.NewNop())
	})

	It("should start closed and auto-register on first use", func() {
		_, ok := reg.Stats("state-fix_attempt")
		Expect(ok).To(BeFalse())

		result, err := reg.Execute(ctx, "state-fix_attempt", func(ctx context.Context) (interface{}, error) {
			return "ok", nil
		}, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(result).To(Equal("ok"))

		stats, ok := reg.Stats("state-fix_attempt")
		Expect(ok).To(BeTrue())
		Expect(stats.State).To(Equal(StateClosed))
	})

	It("should trip to open after consecutive failures reach the threshold", func() {
		for i := 0; i < 3; i++ {
			_, err := reg.Execute(ctx, "flaky-dep", func(ctx context.Context) (interface{}, error) {
				return nil, fmt.Errorf("boom")
			}, nil)
			Expect(err).To(HaveOccurred())
		}

		stats, ok := reg.Stats("flaky-dep")
		Expect(ok).To(BeTrue())
		Expect(stats.State).To(Equal(StateOpen))
	})

	It("should reject calls with a CircuitOpen error when no fallback is given", func() {
		for i := 0; i < 3; i++ {
			_, _ = reg.Execute(ctx, "dep", func(ctx context.Context) (interface{}, error) {
				return nil, fmt.Errorf("boom")
			}, nil)
		}

		called := false
		_, err := reg.Execute(ctx, "dep", func(ctx context.Context) (interface{}, error) {
			called = true
			return nil, nil
		}, nil)

		Expect(err).To(HaveOccurred())
		Expect(apperrors.IsType(err, apperrors.ErrorTypeCircuitOpen)).To(BeTrue())
		Expect(called).To(BeFalse())
	})

	It("should run the fallback instead of failing when the breaker is open", func() {
		for i := 0; i < 3; i++ {
			_, _ = reg.Execute(ctx, "dep-with-fallback", func(ctx context.Context) (interface{}, error) {
				return nil, fmt.Errorf("boom")
			}, nil)
		}

		result, err := reg.Execute(ctx, "dep-with-fallback",
			func(ctx context.Context) (interface{}, error) { return nil, fmt.Errorf("still broken") },
			func(ctx context.Context) (interface{}, error) { return "fallback-value", nil },
		)
		Expect(err).ToNot(HaveOccurred())
		Expect(result).To(Equal("fallback-value"))
	})

	It("should use per-key overrides configured before first use", func() {
		reg.Configure("strict-key", Settings{
			FailureThreshold:  1,
			OpenDuration:      time.Minute,
			Window:            time.Minute,
			HalfOpenMaxProbes: 1,
		})

		_, err := reg.Execute(ctx, "strict-key", func(ctx context.Context) (interface{}, error) {
			return nil, fmt.Errorf("boom")
		}, nil)
		Expect(err).To(HaveOccurred())

		stats, ok := reg.Stats("strict-key")
		Expect(ok).To(BeTrue())
		Expect(stats.State).To(Equal(StateOpen))
	})

	It("should report stats for every key that has been used", func() {
		_, _ = reg.Execute(ctx, "a", func(ctx context.Context) (interface{}, error) { return nil, nil }, nil)
		_, _ = reg.Execute(ctx, "b", func(ctx context.Context) (interface{}, error) { return nil, nil }, nil)

		all := reg.AllStats()
		Expect(all).To(HaveLen(2))
	})
})
