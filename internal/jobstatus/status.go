package jobstatus

// Status is the lifecycle state of a thread job.
type Status string

// Thread job statuses
const (
	StatusPending           Status = "PENDING"
	StatusPendingCrawl      Status = "PENDING_CRAWL"
	StatusPendingParseEmail Status = "PENDING_PARSE_EMAIL"
	StatusPendingSyncDrive  Status = "PENDING_SYNC_TO_GDRIVE"
	StatusInProgress        Status = "IN_PROGRESS"
	StatusSuccess           Status = "SUCCESS"
	StatusSkipped           Status = "SKIPPED"
	StatusErrorGeneric      Status = "ERROR_GENERIC"
	StatusErrorCrawl        Status = "ERROR_CRAWL"
	StatusErrorNotFound     Status = "ERROR_THREAD_NOT_FOUND"
	StatusErrorTimeout      Status = "ERROR_TIMEOUT"
)

// String implements fmt.Stringer.
func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether no further automatic transition happens from s.
// Terminal jobs only move again through the explicit restart action.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusSkipped, StatusErrorGeneric, StatusErrorCrawl,
		StatusErrorNotFound, StatusErrorTimeout:
		return true
	}
	return false
}

// IsError reports whether s is one of the error statuses.
func (s Status) IsError() bool {
	switch s {
	case StatusErrorGeneric, StatusErrorCrawl, StatusErrorNotFound, StatusErrorTimeout:
		return true
	}
	return false
}

// transitions lists the statuses reachable from each status through normal
// processing. The restart action is intentionally absent: it bypasses this
// table and re-derives membership from persisted status.
var transitions = map[Status][]Status{
	StatusPending:      {StatusPendingCrawl, StatusSkipped},
	StatusPendingCrawl: {StatusInProgress},
	StatusInProgress: {
		StatusSuccess,
		StatusErrorTimeout,
		StatusErrorNotFound,
		StatusErrorCrawl,
		StatusErrorGeneric,
	},
	StatusSuccess:           {StatusPendingSyncDrive},
	StatusPendingParseEmail: {StatusInProgress},
	StatusPendingSyncDrive:  {},
}

// CanTransition reports whether moving from one status to another is a legal
// forward transition.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanApply reports whether the router may persist a change from one status
// to another. Beyond the forward transitions it allows re-applying the
// current status, claiming any job as IN_PROGRESS, and resetting back to a
// PENDING_* stage (restart, reconciliation, manual enqueue).
func CanApply(from, to Status) bool {
	if from == to || to == StatusInProgress || CanTransition(from, to) {
		return true
	}
	switch to {
	case StatusPending, StatusPendingCrawl, StatusPendingParseEmail, StatusPendingSyncDrive:
		return true
	}
	return false
}

// RestartTarget returns the PENDING_* status an error status is reset to by
// the operator restart action, and false for statuses that restart does not
// touch.
func RestartTarget(s Status) (Status, bool) {
	switch s {
	case StatusErrorCrawl, StatusErrorTimeout, StatusErrorGeneric:
		return StatusPendingCrawl, true
	case StatusErrorNotFound:
		// Not-found is terminal for the id; the provider has nothing for it.
		return "", false
	}
	return "", false
}

// PrecedingPending returns the PENDING_* status a stuck IN_PROGRESS job is
// reset to by the reconciliation sweep.
func PrecedingPending(s Status) (Status, bool) {
	if s == StatusInProgress {
		return StatusPendingCrawl, true
	}
	return "", false
}
