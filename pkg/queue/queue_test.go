package queue

import (
	"context"
	"errors"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
)

var _ = Describe("Queue", func() {
	var (
		ctx       context.Context
		miniRedis *miniredis.Miniredis
		rdb       *redis.Client
		q         *Queue
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		miniRedis, err = miniredis.Run()
		Expect(err).ToNot(HaveOccurred())

		rdb = redis.NewClient(&redis.Options{Addr: miniRedis.Addr()})
		q = New(rdb, "incident-processing", DefaultOptions())
	})

	AfterEach(func() {
		rdb.Close()
		miniRedis.Close()
	})

	It("dequeues a freshly enqueued job", func() {
		Expect(q.Enqueue(ctx, "job-1", "PROCESS_INCIDENT", map[string]string{"incidentId": "i1"}, EnqueueOptions{})).To(Succeed())

		job, err := q.Dequeue(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(job.ID).To(Equal("job-1"))
		Expect(job.Attempts).To(Equal(1))
	})

	It("returns ErrEmpty when nothing is ready", func() {
		_, err := q.Dequeue(ctx)
		Expect(err).To(Equal(ErrEmpty))
	})

	It("orders ready jobs by priority (lower value first)", func() {
		Expect(q.Enqueue(ctx, "low-priority", "T", nil, EnqueueOptions{Priority: 10})).To(Succeed())
		Expect(q.Enqueue(ctx, "high-priority", "T", nil, EnqueueOptions{Priority: 1})).To(Succeed())

		job, err := q.Dequeue(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(job.ID).To(Equal("high-priority"))
	})

	It("keeps FIFO order among equal-priority jobs", func() {
		Expect(q.Enqueue(ctx, "first", "T", nil, EnqueueOptions{})).To(Succeed())
		Expect(q.Enqueue(ctx, "second", "T", nil, EnqueueOptions{})).To(Succeed())

		job1, err := q.Dequeue(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(job1.ID).To(Equal("first"))

		job2, err := q.Dequeue(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(job2.ID).To(Equal("second"))
	})

	It("does not surface a delayed job until it is due", func() {
		clock := time.Now()
		delayed := NewWithClock(rdb, "incident-processing", DefaultOptions(), func() time.Time { return clock })

		Expect(delayed.Enqueue(ctx, "delayed-job", "T", nil, EnqueueOptions{Delay: time.Hour})).To(Succeed())

		_, err := delayed.Dequeue(ctx)
		Expect(err).To(Equal(ErrEmpty))

		clock = clock.Add(time.Hour + time.Minute)

		job, err := delayed.Dequeue(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(job.ID).To(Equal("delayed-job"))
	})

	It("refuses to dequeue while paused", func() {
		Expect(q.Enqueue(ctx, "job-1", "T", nil, EnqueueOptions{})).To(Succeed())
		Expect(q.Pause(ctx)).To(Succeed())

		_, err := q.Dequeue(ctx)
		Expect(err).To(Equal(ErrPaused))

		Expect(q.Resume(ctx)).To(Succeed())
		_, err = q.Dequeue(ctx)
		Expect(err).ToNot(HaveOccurred())
	})

	It("moves an acked job out of active and into completed", func() {
		Expect(q.Enqueue(ctx, "job-1", "T", nil, EnqueueOptions{})).To(Succeed())
		_, err := q.Dequeue(ctx)
		Expect(err).ToNot(HaveOccurred())

		Expect(q.Ack(ctx, "job-1")).To(Succeed())

		stats, err := q.Stats(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(stats.Active).To(Equal(int64(0)))
		Expect(stats.Completed).To(Equal(int64(1)))
	})

	It("reschedules a failed job with backoff while retries remain", func() {
		Expect(q.Enqueue(ctx, "job-1", "T", nil, EnqueueOptions{MaxRetries: 3, BackoffMS: 2000})).To(Succeed())
		job, err := q.Dequeue(ctx)
		Expect(err).ToNot(HaveOccurred())

		Expect(q.Fail(ctx, job.ID, errors.New("boom"))).To(Succeed())

		stats, err := q.Stats(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(stats.Delayed).To(Equal(int64(1)))
		Expect(stats.Failed).To(Equal(int64(0)))
	})

	It("moves a job to failed once retries are exhausted", func() {
		Expect(q.Enqueue(ctx, "job-1", "T", nil, EnqueueOptions{MaxRetries: 1})).To(Succeed())
		job, err := q.Dequeue(ctx)
		Expect(err).ToNot(HaveOccurred())

		Expect(q.Fail(ctx, job.ID, errors.New("boom"))).To(Succeed())

		stats, err := q.Stats(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(stats.Failed).To(Equal(int64(1)))
		Expect(stats.Delayed).To(Equal(int64(0)))
	})

	It("cleans completed entries past the grace period", func() {
		Expect(q.Enqueue(ctx, "job-1", "T", nil, EnqueueOptions{})).To(Succeed())
		_, err := q.Dequeue(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(q.Ack(ctx, "job-1")).To(Succeed())

		removed, err := q.Clean(ctx, "completed", -time.Second)
		Expect(err).ToNot(HaveOccurred())
		Expect(removed).To(Equal(1))

		stats, err := q.Stats(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(stats.Completed).To(Equal(int64(0)))
	})
})

var _ = Describe("NextBackoff", func() {
	It("doubles per attempt and caps at 30s", func() {
		Expect(NextBackoff(1000, 1)).To(Equal(1000 * time.Millisecond))
		Expect(NextBackoff(1000, 2)).To(Equal(2000 * time.Millisecond))
		Expect(NextBackoff(1000, 6)).To(Equal(30000 * time.Millisecond))
	})
})
