package incident

import (
	"context"
	"encoding/json"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wp-autoheal/orchestrator/pkg/breaker"
	"github.com/wp-autoheal/orchestrator/pkg/flapping"
	"github.com/wp-autoheal/orchestrator/pkg/idempotency"
	"github.com/wp-autoheal/orchestrator/pkg/kv"
	"github.com/wp-autoheal/orchestrator/pkg/loopguard"
	"github.com/wp-autoheal/orchestrator/pkg/queue"
)

func enqueueAndDequeue(ctx context.Context, q *queue.Queue, job Job) *queue.Job {
	raw, _ := json.Marshal(job)
	id := jobID(job.IncidentID, job.CurrentState, time.Now())
	ExpectWithOffset(1, q.Enqueue(ctx, id, "PROCESS_INCIDENT", json.RawMessage(raw), queue.EnqueueOptions{})).To(Succeed())
	dequeued, err := q.Dequeue(ctx)
	ExpectWithOffset(1, err).ToNot(HaveOccurred())
	return dequeued
}

// fakeClock lets tests fast-forward past a successor job's scheduling
// delay without sleeping in real time.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time       { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

var _ = Describe("Machine", func() {
	var (
		ctx       context.Context
		miniRedis *miniredis.Miniredis
		rdb       *redis.Client
		client    *kv.Client
		m         *Machine
		incidentQ *queue.Queue
		executors *ExecutorRegistry
		clock     *fakeClock
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		miniRedis, err = miniredis.Run()
		Expect(err).ToNot(HaveOccurred())

		rdb = redis.NewClient(&redis.Options{Addr: miniRedis.Addr()})
		client = kv.NewClient(&redis.Options{Addr: miniRedis.Addr()}, logr.Discard())
		Expect(client.EnsureConnection(ctx)).To(Succeed())

		clock = &fakeClock{now: time.Now()}
		incidentQ = queue.NewWithClock(rdb, "incident-processing", queue.DefaultOptions(), clock.Now)
		executors = NewExecutorRegistry()

		m = NewMachine(Dependencies{
			Logger:      zap.NewNop(),
			Breakers:    breaker.NewRegistry(breaker.DefaultSettings(), zap.NewNop()),
			Flapping:    flapping.New(client, time.Hour, 3, 30*time.Minute, 5),
			Idempotency: idempotency.NewStore(client, time.Hour),
			Checkpoints: idempotency.NewCheckpointStore(client, time.Hour),
			Loops:       loopguard.New(),
			LoopBounds:  loopguard.Bounds{MaxIterations: 50, MaxRetries: 10, MaxWallClock: 10 * time.Minute, MaxIdle: 2 * time.Minute},
			Executors:   executors,
			IncidentQ:   incidentQ,
		})
	})

	AfterEach(func() {
		rdb.Close()
		_ = client.Close()
		miniRedis.Close()
	})

	It("advances NEW to DISCOVERY on a successful executor", func() {
		executors.Register(StateNew, func(ctx context.Context, job Job) (PhaseResult, error) {
			return PhaseResult{Success: true}, nil
		})

		job := Job{IncidentID: "i1", SiteID: "site-1", CurrentState: StateNew, MaxFixAttempts: 3}
		raw := enqueueAndDequeue(ctx, incidentQ, job)

		Expect(m.Process(ctx, raw)).To(Succeed())

		clock.Advance(2 * time.Second)
		successor, err := incidentQ.Dequeue(ctx)
		Expect(err).ToNot(HaveOccurred())

		var successorJob Job
		Expect(json.Unmarshal(successor.Payload, &successorJob)).To(Succeed())
		Expect(successorJob.CurrentState).To(Equal(StateDiscovery))
		Expect(successorJob.Metadata["previousState"]).To(Equal("NEW"))
	})

	It("re-enqueues FIX_ATTEMPT with backoff when VERIFY fails and retries remain", func() {
		executors.Register(StateVerify, func(ctx context.Context, job Job) (PhaseResult, error) {
			return PhaseResult{Success: true, Data: map[string]interface{}{"verificationPassed": false}}, nil
		})

		job := Job{IncidentID: "i2", SiteID: "site-2", CurrentState: StateVerify, FixAttempts: 0, MaxFixAttempts: 3}
		raw := enqueueAndDequeue(ctx, incidentQ, job)

		Expect(m.Process(ctx, raw)).To(Succeed())

		clock.Advance(time.Minute)
		successor, err := incidentQ.Dequeue(ctx)
		Expect(err).ToNot(HaveOccurred())

		var successorJob Job
		Expect(json.Unmarshal(successor.Payload, &successorJob)).To(Succeed())
		Expect(successorJob.CurrentState).To(Equal(StateFixAttempt))
		Expect(successorJob.Metadata["previousState"]).To(Equal("VERIFY"))
	})

	It("escalates once FIX_ATTEMPT exhausts retries", func() {
		executors.Register(StateFixAttempt, func(ctx context.Context, job Job) (PhaseResult, error) {
			return PhaseResult{Success: false, Error: "ssh failed"}, nil
		})

		job := Job{IncidentID: "i3", SiteID: "site-3", CurrentState: StateFixAttempt, FixAttempts: 2, MaxFixAttempts: 3}
		raw := enqueueAndDequeue(ctx, incidentQ, job)

		Expect(m.Process(ctx, raw)).To(Succeed())

		clock.Advance(2 * time.Second)
		successor, err := incidentQ.Dequeue(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(successor.Type).To(Equal("ESCALATE_INCIDENT"))

		var successorJob Job
		Expect(json.Unmarshal(successor.Payload, &successorJob)).To(Succeed())
		Expect(successorJob.CurrentState).To(Equal(StateEscalated))
		Expect(successorJob.Metadata["escalationReason"]).To(Equal("max fix attempts exhausted"))
	})

	It("returns the cached result without re-running the executor on an idempotent hit", func() {
		var calls int
		executors.Register(StateNew, func(ctx context.Context, job Job) (PhaseResult, error) {
			calls++
			return PhaseResult{Success: true}, nil
		})

		job := Job{IncidentID: "i4", SiteID: "site-4", CurrentState: StateNew, MaxFixAttempts: 3}
		raw1 := enqueueAndDequeue(ctx, incidentQ, job)
		Expect(m.Process(ctx, raw1)).To(Succeed())
		Expect(calls).To(Equal(1))

		raw2 := enqueueAndDequeue(ctx, incidentQ, job)
		Expect(m.Process(ctx, raw2)).To(Succeed())
		Expect(calls).To(Equal(1))
	})

	It("does not progress a terminal-state job", func() {
		job := Job{IncidentID: "i5", SiteID: "site-5", CurrentState: StateFixed, MaxFixAttempts: 3}
		raw := enqueueAndDequeue(ctx, incidentQ, job)

		Expect(m.Process(ctx, raw)).To(Succeed())

		_, err := incidentQ.Dequeue(ctx)
		Expect(err).To(Equal(queue.ErrEmpty))
	})
})
