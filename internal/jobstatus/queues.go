package jobstatus

// Queue is the name of a set-store set holding thread ids for one pipeline
// stage.
type Queue string

// Pipeline stage queues
const (
	QueueAllKnown     Queue = "queue:all_known"
	QueuePendingCrawl Queue = "queue:pending_crawl"
	QueuePendingParse Queue = "queue:pending_parse_email"
	QueueReadyToSync  Queue = "queue:pending_sync_to_gdrive"
	QueueInProgress   Queue = "queue:in_progress"
	QueueSuccess      Queue = "queue:success"
	QueueSkipped      Queue = "queue:skipped"
	QueueErrorGeneric Queue = "queue:error_generic"
	QueueErrorCrawl   Queue = "queue:error_crawl"
	QueueErrorTimeout Queue = "queue:error_timeout"
	QueueNotFound     Queue = "queue:error_thread_not_found"
)

// String implements fmt.Stringer.
func (q Queue) String() string {
	return string(q)
}

// Routing describes how a status change rewrites queue membership: the id is
// removed from every stale queue and added to every target queue in one
// multi-op transaction.
type Routing struct {
	AddTo []Queue
	// AddToIfLast is applied only when the status change covers the last
	// message of the thread (maximum provider timestamp).
	AddToIfLast []Queue
	RemoveFrom  []Queue
}

// activeQueues are the queues a single id may occupy while not terminal.
// Every routing removes from all of them except its own targets, which keeps
// ApplyStatus idempotent and tolerant of corrupted membership after a crash.
var activeQueues = []Queue{
	QueuePendingCrawl,
	QueuePendingParse,
	QueueInProgress,
	QueueSuccess,
	QueueSkipped,
	QueueErrorGeneric,
	QueueErrorCrawl,
	QueueErrorTimeout,
	QueueNotFound,
}

// routingTable maps each status to its queue rewrites. This is the explicit
// replacement for dispatching on status strings at every call site.
var routingTable = map[Status]Routing{
	StatusPending:           {AddTo: []Queue{QueuePendingCrawl}},
	StatusPendingCrawl:      {AddTo: []Queue{QueuePendingCrawl}},
	StatusPendingParseEmail: {AddTo: []Queue{QueuePendingParse}},
	StatusInProgress:        {AddTo: []Queue{QueueInProgress}},
	StatusSuccess: {
		AddTo:       []Queue{QueueSuccess},
		AddToIfLast: []Queue{QueueReadyToSync},
	},
	StatusPendingSyncDrive: {AddTo: []Queue{QueueReadyToSync}},
	StatusSkipped:          {AddTo: []Queue{QueueSkipped}},
	StatusErrorGeneric:     {AddTo: []Queue{QueueErrorGeneric}},
	StatusErrorCrawl:       {AddTo: []Queue{QueueErrorCrawl}},
	StatusErrorTimeout:     {AddTo: []Queue{QueueErrorTimeout}},
	StatusErrorNotFound:    {AddTo: []Queue{QueueNotFound}},
}

// RoutingFor returns the queue rewrites implied by a status, with RemoveFrom
// expanded to every active queue that is not also a target.
func RoutingFor(s Status) (Routing, bool) {
	r, ok := routingTable[s]
	if !ok {
		return Routing{}, false
	}

	targets := make(map[Queue]bool, len(r.AddTo)+len(r.AddToIfLast))
	for _, q := range r.AddTo {
		targets[q] = true
	}
	for _, q := range r.AddToIfLast {
		targets[q] = true
	}

	remove := make([]Queue, 0, len(activeQueues))
	for _, q := range activeQueues {
		if !targets[q] {
			remove = append(remove, q)
		}
	}
	r.RemoveFrom = remove

	return r, true
}

// QueueForStatus returns the primary queue a status places an id into, used
// by the supervisor to pick which queue to sweep for a given action.
func QueueForStatus(s Status) (Queue, bool) {
	r, ok := routingTable[s]
	if !ok || len(r.AddTo) == 0 {
		return "", false
	}
	return r.AddTo[0], true
}
