package incident

// Guard evaluates whether a transition may fire given the job's current
// state (fixAttempts) and the phase executor's result metadata.
type Guard func(job Job, result PhaseResult) bool

func verificationPassed(job Job, result PhaseResult) bool {
	v, _ := result.Data["verificationPassed"].(bool)
	return v
}

func verificationFailedWithRetriesLeft(job Job, result PhaseResult) bool {
	v, _ := result.Data["verificationPassed"].(bool)
	return !v && job.FixAttempts < job.MaxFixAttempts
}

func verificationFailedRetriesExhausted(job Job, result PhaseResult) bool {
	v, _ := result.Data["verificationPassed"].(bool)
	return !v && job.FixAttempts >= job.MaxFixAttempts
}

func always(Job, PhaseResult) bool { return true }

// transition is one row of the table in §4.6, evaluated in declaration
// order: the first row whose From matches the job's current state and
// whose Guard passes wins.
type transition struct {
	From  State
	To    State
	Guard Guard
}

// table is the deterministic transition table. Rows are evaluated
// top-to-bottom; the first matching, guard-passing row wins.
var table = []transition{
	{StateNew, StateDiscovery, always},
	{StateDiscovery, StateBaseline, always},
	{StateBaseline, StateBackup, always},
	{StateBackup, StateObservability, always},
	{StateObservability, StateFixAttempt, always},
	{StateFixAttempt, StateVerify, always},
	{StateVerify, StateFixed, verificationPassed},
	{StateVerify, StateFixAttempt, verificationFailedWithRetriesLeft},
	{StateVerify, StateRollback, verificationFailedRetriesExhausted},
	{StateRollback, StateEscalated, always},
}

// resolveTransition returns the next state for job given its current state
// and the phase executor's result, or ok=false if no row matches (§4.6
// step 5, "no valid transition").
func resolveTransition(job Job, result PhaseResult) (State, bool) {
	for _, row := range table {
		if row.From != job.CurrentState {
			continue
		}
		if row.Guard(job, result) {
			return row.To, true
		}
	}
	return "", false
}
