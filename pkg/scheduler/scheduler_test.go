package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wp-autoheal/orchestrator/pkg/audit"
	"github.com/wp-autoheal/orchestrator/pkg/idempotency"
	"github.com/wp-autoheal/orchestrator/pkg/kv"
	"github.com/wp-autoheal/orchestrator/pkg/probe"
	"github.com/wp-autoheal/orchestrator/pkg/queue"
)

type fakeAuditStore struct{ events []audit.Event }

func (f *fakeAuditStore) StoreAudit(ctx context.Context, event audit.Event) error {
	f.events = append(f.events, event)
	return nil
}

var _ = Describe("Scheduler", func() {
	var (
		ctx         context.Context
		miniRedis   *miniredis.Miniredis
		rdb         *redis.Client
		incidentQ   *queue.Queue
		retentionQ  *queue.Queue
		healthQ     *queue.Queue
		auditStore  *fakeAuditStore
		kvClient    *kv.Client
		idemStore   *idempotency.Store
		checkpoints *idempotency.CheckpointStore
		sched       *Scheduler
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		miniRedis, err = miniredis.Run()
		Expect(err).ToNot(HaveOccurred())
		rdb = redis.NewClient(&redis.Options{Addr: miniRedis.Addr()})

		incidentQ = queue.New(rdb, "incident-processing", queue.DefaultOptions())
		retentionQ = queue.New(rdb, "data-retention", queue.DefaultOptions())
		healthQ = queue.New(rdb, "health-checks", queue.DefaultOptions())

		kvClient = kv.NewClient(&redis.Options{Addr: miniRedis.Addr()}, logr.Discard())
		Expect(kvClient.EnsureConnection(ctx)).To(Succeed())
		idemStore = idempotency.NewStore(kvClient, time.Hour)
		checkpoints = idempotency.NewCheckpointStore(kvClient, time.Hour)

		auditStore = &fakeAuditStore{}
		sched = New(
			Queues{IncidentProcessing: incidentQ, DataRetention: retentionQ, HealthChecks: healthQ},
			nil, // retention coordinator not exercised by these trigger tests
			probe.New(5*time.Second),
			audit.NewClient(auditStore, logr.Discard()),
			nil,
			idemStore,
			checkpoints,
			zap.NewNop(),
			DefaultConfig(),
		)
	})

	AfterEach(func() {
		rdb.Close()
		_ = kvClient.Close()
		miniRedis.Close()
	})

	It("enqueues a system health check job", func() {
		sched.enqueueSystemHealthCheck()

		job, err := healthQ.Dequeue(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(job.Type).To(Equal("SYSTEM_HEALTH_CHECK"))

		var payload HealthCheckPayload
		Expect(json.Unmarshal(job.Payload, &payload)).To(Succeed())
		Expect(payload.TargetType).To(Equal("system"))
	})

	It("cleans a queue once completed entries exceed the threshold", func() {
		for i := 0; i < 101; i++ {
			id := jobID("job", time.Now().Add(time.Duration(i)))
			Expect(incidentQ.Enqueue(ctx, id, "T", nil, queue.EnqueueOptions{})).To(Succeed())
			job, err := incidentQ.Dequeue(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(incidentQ.Ack(ctx, job.ID)).To(Succeed())
		}

		sched.runQueueMaintenance()

		stats, err := incidentQ.Stats(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(stats.Completed).To(BeNumerically("<", 101))
	})

	It("resumes a paused queue that looks circuit-broken", func() {
		Expect(incidentQ.Enqueue(ctx, "job-1", "T", nil, queue.EnqueueOptions{MaxRetries: 1})).To(Succeed())
		job, err := incidentQ.Dequeue(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(incidentQ.Fail(ctx, job.ID, context.DeadlineExceeded)).To(Succeed())

		Expect(incidentQ.Pause(ctx)).To(Succeed())

		sched.probeStalledQueues()

		paused, err := incidentQ.IsPaused(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(paused).To(BeFalse())
	})

	It("sweeps idempotency records and checkpoints older than the configured threshold", func() {
		key, err := idempotency.Key("run-phase", map[string]interface{}{"siteId": "site-1"})
		Expect(err).ToNot(HaveOccurred())
		Expect(idemStore.Put(ctx, key, idempotency.Record{Success: true})).To(Succeed())
		Expect(checkpoints.Save(ctx, "incident-1", "BACKUP", 0, idempotency.CheckpointProgress{Phase: "BACKUP"})).To(Succeed())

		sched.runIdempotencySweep()

		// A fresh record is younger than the sweep's threshold, so it survives.
		_, err = idemStore.Get(ctx, key)
		Expect(err).ToNot(HaveOccurred())
		_, err = checkpoints.Load(ctx, "incident-1", "BACKUP", 0)
		Expect(err).ToNot(HaveOccurred())
	})

	It("probes a health check target and audits the result", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		payload, _ := json.Marshal(HealthCheckPayload{TargetType: "site", TargetID: "site-1", URL: srv.URL})
		job := &queue.Job{Payload: payload}

		Expect(sched.HandleHealthCheck(ctx, job)).To(Succeed())
		Expect(auditStore.events).To(HaveLen(1))
		Expect(auditStore.events[0].Details["ok"]).To(Equal(true))
	})
})
