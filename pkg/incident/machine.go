package incident

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wp-autoheal/orchestrator/pkg/breaker"
	"github.com/wp-autoheal/orchestrator/pkg/flapping"
	"github.com/wp-autoheal/orchestrator/pkg/idempotency"
	"github.com/wp-autoheal/orchestrator/pkg/loopguard"
	"github.com/wp-autoheal/orchestrator/pkg/metrics"
	"github.com/wp-autoheal/orchestrator/pkg/queue"
	"github.com/wp-autoheal/orchestrator/pkg/shared/logging"
)

// Machine drives one PROCESS_INCIDENT job through the phase executor for
// its current state and enqueues whatever follows — a successor job, a
// retry, or an escalation — per §4.6's processing algorithm.
type Machine struct {
	logger      *zap.Logger
	breakers    *breaker.Registry
	flapping    *flapping.Detector
	idempotency *idempotency.Store
	checkpoints *idempotency.CheckpointStore
	loops       *loopguard.Guard
	loopBounds  loopguard.Bounds
	executors   *ExecutorRegistry
	incidentQ   *queue.Queue
	notifier    Notifier
}

// Dependencies bundles the subsystems a Machine is wired against.
type Dependencies struct {
	Logger      *zap.Logger
	Breakers    *breaker.Registry
	Flapping    *flapping.Detector
	Idempotency *idempotency.Store
	Checkpoints *idempotency.CheckpointStore
	Loops       *loopguard.Guard
	LoopBounds  loopguard.Bounds
	Executors   *ExecutorRegistry
	IncidentQ   *queue.Queue
	// Notifier receives escalations. Defaults to NoopNotifier when nil.
	Notifier Notifier
}

// NewMachine builds a Machine from deps.
func NewMachine(deps Dependencies) *Machine {
	notifier := deps.Notifier
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &Machine{
		logger:      deps.Logger,
		breakers:    deps.Breakers,
		flapping:    deps.Flapping,
		idempotency: deps.Idempotency,
		checkpoints: deps.Checkpoints,
		loops:       deps.Loops,
		loopBounds:  deps.LoopBounds,
		executors:   deps.Executors,
		incidentQ:   deps.IncidentQ,
		notifier:    notifier,
	}
}

func loopID(job Job) string {
	return fmt.Sprintf("incident-%s-%s", job.IncidentID, job.CurrentState)
}

func jobID(incidentID string, state State, now time.Time) string {
	return fmt.Sprintf("%s-%s-%d", incidentID, state, now.UnixNano())
}

// Process runs §4.6's processing algorithm for one PROCESS_INCIDENT job.
// It is registered as the incident-processing queue's Handler.
func (m *Machine) Process(ctx context.Context, raw *queue.Job) error {
	var job Job
	if err := json.Unmarshal(raw.Payload, &job); err != nil {
		return fmt.Errorf("incident: decode job payload: %w", err)
	}

	if job.TraceID != "" {
		parentCtx := trace.ContextWithSpanContext(ctx, traceContextFor(job.TraceID))
		var span trace.Span
		ctx, span = tracer.Start(parentCtx, "incident.process."+string(job.CurrentState),
			trace.WithAttributes(
				attribute.String("incident.id", job.IncidentID),
				attribute.String("incident.site_id", job.SiteID),
				attribute.String("incident.state", string(job.CurrentState)),
			))
		defer span.End()
	}

	now := time.Now()
	loop := loopID(job)
	m.loops.Start(loop, m.loopBounds, now)

	if job.CurrentState.Terminal() {
		m.loops.Stop(loop)
		return nil
	}

	// Step 2: ask C2 whether this site may proceed.
	flapping, err := m.flapping.IsFlapping(ctx, job.SiteID)
	if err != nil {
		m.logger.Warn("flapping check failed, proceeding", zap.String("siteId", job.SiteID), zap.Error(err))
	}
	if flapping {
		m.loops.Stop(loop)
		shouldEscalate, _ := m.flapping.ShouldEscalate(ctx, job.SiteID)
		if shouldEscalate {
			return m.escalate(ctx, job, "site is flapping")
		}
		m.logger.Info("incident denied: site is flapping, non-retryable", zap.String("siteId", job.SiteID))
		return nil
	}

	// Step 3: idempotency check.
	idemKey, err := idempotency.Key("process-incident", map[string]interface{}{
		"incidentId": job.IncidentID, "state": job.CurrentState, "attempt": job.FixAttempts,
	})
	if err != nil {
		return fmt.Errorf("incident: compute idempotency key: %w", err)
	}
	if cached, err := m.idempotency.Get(ctx, idemKey); err == nil {
		fields := logging.WorkflowFields("idempotent-skip", job.IncidentID).Custom("state", string(job.CurrentState))
		m.logger.Info("idempotent hit, skipping re-execution", zap.Any("fields", fields.ToLogrus()))
		m.loops.Stop(loop)
		_ = cached
		return nil
	}

	// Step 4: checkpoint progress 10%.
	m.checkpoint(ctx, job, 10, nil)

	// Step 5: look up the phase executor. The transition target is not
	// resolved here: handleStateSuccess resolves it after the executor has
	// run, so a state with no valid transition is only detected once its
	// side effects have happened.
	executor, hasExecutor := m.executors.Get(job.CurrentState)
	if !hasExecutor {
		m.loops.Stop(loop)
		return fmt.Errorf("incident: no phase executor registered for state %s", job.CurrentState)
	}

	// Step 6: iteration accounting, progress 30%.
	if err := m.loops.Allow(loop, time.Now()); err != nil {
		m.loops.Stop(loop)
		return err
	}
	m.loops.RecordIteration(loop, time.Now())
	m.checkpoint(ctx, job, 30, nil)

	// Step 7: invoke the phase executor through the circuit breaker.
	if err := m.loops.Allow(loop, time.Now()); err != nil {
		m.loops.Stop(loop)
		return err
	}
	phaseStart := time.Now()
	result, err := m.runExecutor(ctx, job, executor)
	if err != nil {
		result = PhaseResult{Success: false, Error: err.Error()}
	}
	phaseElapsed := time.Since(phaseStart)

	// Step 8: progress 70%.
	m.checkpoint(ctx, job, 70, result.Data)

	var outcome error
	if result.Success {
		outcome = m.handleStateSuccess(ctx, job, result, phaseElapsed)
	} else {
		outcome = m.handleStateFailure(ctx, job, result)
	}

	// Step 11: progress 100%, store outcome, complete the loop.
	m.checkpoint(ctx, job, 100, result.Data)
	record := idempotency.Record{Success: result.Success, Data: result.Data, Error: result.Error}
	if putErr := m.idempotency.Put(ctx, idemKey, record); putErr != nil {
		m.logger.Warn("failed to store idempotency result", zap.Error(putErr))
	}
	m.loops.Stop(loop)

	if outcome != nil {
		trace.SpanFromContext(ctx).RecordError(outcome)
	}

	return outcome
}

func (m *Machine) runExecutor(ctx context.Context, job Job, executor PhaseExecutor) (PhaseResult, error) {
	op := func(ctx context.Context) (interface{}, error) {
		return executor(ctx, job)
	}
	fallback := func(ctx context.Context) (interface{}, error) {
		return PhaseResult{Success: false, Error: "Circuit breaker activated"}, nil
	}

	raw, err := m.breakers.Execute(ctx, breakerKey(job.CurrentState), op, fallback)
	if err != nil {
		return PhaseResult{Success: false, Error: err.Error()}, err
	}
	result, _ := raw.(PhaseResult)
	return result, nil
}

func (m *Machine) handleStateSuccess(ctx context.Context, job Job, result PhaseResult, phaseElapsed time.Duration) error {
	to, ok := resolveTransition(job, result)
	if !ok {
		return fmt.Errorf("incident: no valid transition from state %s", job.CurrentState)
	}
	metrics.RecordPhaseTransition(string(job.CurrentState), string(to), phaseElapsed)

	data := map[string]interface{}{}
	for k, v := range result.Data {
		data[k] = v
	}
	data["previousState"] = string(job.CurrentState)
	data["transitionTime"] = time.Now().UTC().Format(time.RFC3339)

	successor := job
	successor.CurrentState = to
	merged := successor.Metadata
	if merged == nil {
		merged = map[string]interface{}{}
	}
	for k, v := range data {
		merged[k] = v
	}
	successor.Metadata = merged

	if err := m.enqueueIncident(ctx, successor, transitionDelay(to)); err != nil {
		return err
	}

	if err := m.recordResolution(ctx, job.SiteID, true); err != nil {
		m.logger.Warn("failed to record successful resolution", zap.Error(err))
	}
	return nil
}

func (m *Machine) handleStateFailure(ctx context.Context, job Job, result PhaseResult) error {
	if err := m.recordResolution(ctx, job.SiteID, false); err != nil {
		m.logger.Warn("failed to record failed resolution", zap.Error(err))
	}
	m.loops.RecordRetry(loopID(job))

	if job.CurrentState != StateFixAttempt {
		return fmt.Errorf("incident: phase %s failed: %s", job.CurrentState, result.Error)
	}

	job.FixAttempts++
	if job.FixAttempts >= job.MaxFixAttempts {
		return m.escalate(ctx, job, "max fix attempts exhausted")
	}

	backoffMS := 1000 * pow2(job.FixAttempts)
	if backoffMS > 30000 {
		backoffMS = 30000
	}
	retry := job
	retry.CurrentState = StateFixAttempt
	return m.enqueueIncident(ctx, retry, time.Duration(backoffMS)*time.Millisecond)
}

func pow2(n int) int {
	result := 1
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}

func (m *Machine) escalate(ctx context.Context, job Job, reason string) error {
	escalated := job.WithMetadata("escalationReason", reason).WithMetadata("escalationTime", time.Now().UTC().Format(time.RFC3339))
	escalated.CurrentState = StateEscalated
	id := jobID(escalated.IncidentID, escalated.CurrentState, time.Now())
	metrics.RecordEscalation(reason)
	if err := m.notifier.NotifyEscalation(ctx, escalated, reason); err != nil {
		m.logger.Warn("escalation notification failed", zap.String("incidentId", escalated.IncidentID), zap.Error(err))
	}
	return m.incidentQ.Enqueue(ctx, id, "ESCALATE_INCIDENT", escalated, queue.EnqueueOptions{
		Delay: time.Second, Priority: PriorityOf(escalated),
	})
}

func (m *Machine) enqueueIncident(ctx context.Context, job Job, delay time.Duration) error {
	id := jobID(job.IncidentID, job.CurrentState, time.Now())
	return m.incidentQ.Enqueue(ctx, id, "PROCESS_INCIDENT", job, queue.EnqueueOptions{
		Delay: delay, Priority: PriorityOf(job),
	})
}

// PriorityOf maps job.Metadata["priority"] to the queue priority value per
// §4.5's priority map (critical=1, high=2, medium=3 default, low=4).
func PriorityOf(job Job) int {
	p, _ := job.Metadata["priority"].(string)
	switch p {
	case "critical":
		return 1
	case "high":
		return 2
	case "low":
		return 4
	default:
		return 3
	}
}

func (m *Machine) recordResolution(ctx context.Context, siteID string, successful bool) error {
	return m.flapping.RecordResolution(ctx, siteID, successful)
}

func (m *Machine) checkpoint(ctx context.Context, job Job, progress int, data map[string]interface{}) {
	err := m.checkpoints.Save(ctx, job.IncidentID, string(job.CurrentState), job.FixAttempts, idempotency.CheckpointProgress{
		Phase:       string(job.CurrentState),
		CompletedAt: time.Now().Unix(),
		Data:        mergeProgress(progress, data),
	})
	if err != nil {
		m.logger.Warn("checkpoint write failed", zap.String("incidentId", job.IncidentID), zap.Error(err))
	}
}

func mergeProgress(progress int, data map[string]interface{}) map[string]interface{} {
	merged := map[string]interface{}{"progress": progress}
	for k, v := range data {
		merged[k] = v
	}
	return merged
}
