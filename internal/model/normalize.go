package model

// CoarseState is the queue-level view of a submitted task, reported by the
// status endpoint alongside the photo's own domain status.
type CoarseState string

const (
	CoarsePending CoarseState = "PENDING"
	CoarseStarted CoarseState = "STARTED"
	CoarseSuccess CoarseState = "SUCCESS"
	CoarseFailure CoarseState = "FAILURE"
)

// NormalizedState is the single authoritative view clients act on.
type NormalizedState string

const (
	StateSuccess    NormalizedState = "SUCCESS"
	StateFailed     NormalizedState = "FAILED"
	StateInProgress NormalizedState = "IN_PROGRESS"
)

// DomainStatus values reported by the status endpoint.
const (
	DomainProcessing = "processing"
	DomainSuccess    = "success"
	DomainFailed     = "failed"
)

// Normalize reconciles the coarse queue state with the photo's domain status.
// The two raw fields may transiently disagree (the queue marks a task done
// before the poller re-reads the row, or the worker's write races a poll);
// only the value returned here is authoritative. The domain status wins
// whenever it is terminal, since it is what the finalize transaction
// committed.
func Normalize(coarse CoarseState, domain string) NormalizedState {
	switch domain {
	case DomainSuccess:
		return StateSuccess
	case DomainFailed:
		return StateFailed
	}
	if coarse == CoarseFailure {
		return StateFailed
	}
	return StateInProgress
}
