package incident

import "context"

// PhaseResult is what a phase executor returns: whether the phase
// succeeded, any data to merge into the successor job's metadata (notably
// VERIFY's "verificationPassed"), and the failure detail when it did not.
type PhaseResult struct {
	Success bool
	Data    map[string]interface{}
	Error   string
}

// PhaseExecutor runs one incident state's work (discovery, baseline
// snapshot, backup, observability sweep, fix attempt, verification probe,
// rollback). Implementations live outside this package (SSH execution,
// fix scripts, and HTTP probes are named external collaborators, not part
// of the core) and are registered by state.
type PhaseExecutor func(ctx context.Context, job Job) (PhaseResult, error)

// ExecutorRegistry maps each non-terminal state to its PhaseExecutor.
type ExecutorRegistry struct {
	executors map[State]PhaseExecutor
}

// NewExecutorRegistry builds an empty registry. Register each non-terminal
// state before running a Machine against it.
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{executors: make(map[State]PhaseExecutor)}
}

// Register attaches executor as state's phase implementation, overwriting
// any prior registration.
func (r *ExecutorRegistry) Register(state State, executor PhaseExecutor) {
	r.executors[state] = executor
}

// Get returns state's executor, or ok=false if none is registered.
func (r *ExecutorRegistry) Get(state State) (PhaseExecutor, bool) {
	executor, ok := r.executors[state]
	return executor, ok
}

// breakerKey is the circuit breaker key for state, per §4.6: "wrapped in a
// circuit breaker keyed state-<lowercase>".
func breakerKey(state State) string {
	return "state-" + toLower(state)
}

func toLower(s State) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
