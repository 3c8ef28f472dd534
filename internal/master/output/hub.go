package output

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// sendBufferSize bounds each attached subscriber's outbound queue. A
// subscriber that can't keep up is dropped rather than allowed to stall
// the hub — mirrors the slow-client-drop policy of a single-writer
// broadcast loop.
const sendBufferSize = 64

// Subscriber receives chunks and a final exit notice for one job's
// output stream. History holds the ring's replay tail as of the attach,
// consistent with the live channel: a chunk appears in History or on
// Chunks, never both.
type Subscriber struct {
	ID      string
	History []Chunk
	send    chan Chunk
	done    chan ExitNotice
}

// ExitNotice carries a job's terminal exit status to attached subscribers.
type ExitNotice struct {
	Code   int
	Signal string
}

// Chunks returns the channel a subscriber should range over for output.
func (s *Subscriber) Chunks() <-chan Chunk { return s.send }

// Done returns the channel that receives exactly one ExitNotice when the
// job's stream ends, then closes.
func (s *Subscriber) Done() <-chan ExitNotice { return s.done }

// Job is one running (or recently completed) job's output hub: a ring
// buffer of recent history plus the live set of attached subscribers.
type Job struct {
	jobID string
	ring  *Ring

	mu      sync.Mutex
	subs    map[string]*Subscriber
	exited  bool
	exit    ExitNotice
	closing chan struct{}

	logger *zap.Logger
}

// newJob creates a fresh per-job output hub with the given ring capacity.
func newJob(jobID string, ringCapacityBytes int, logger *zap.Logger) *Job {
	return &Job{
		jobID:   jobID,
		ring:    NewRing(ringCapacityBytes),
		subs:    make(map[string]*Subscriber),
		closing: make(chan struct{}),
		logger:  logger,
	}
}

// Publish appends a chunk to history and fans it out to every attached
// subscriber, dropping (and unregistering) any that can't keep up. Ring
// append and fan-out happen under the same lock as Attach's snapshot,
// so an attacher sees each chunk exactly once: in its replayed history
// or on its live channel.
func (j *Job) Publish(c Chunk) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ring.Push(c)
	for id, sub := range j.subs {
		select {
		case sub.send <- c:
		default:
			j.logger.Warn("dropping slow output subscriber", zap.String("job_id", j.jobID), zap.String("subscriber_id", id))
			j.unlockedRemove(id)
		}
	}
}

// Exit marks the job's stream ended, notifies all current subscribers,
// and causes every future Attach to receive the exit notice immediately
// (with no further chunks).
func (j *Job) Exit(notice ExitNotice) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.exited {
		return
	}
	j.exited = true
	j.exit = notice
	for id, sub := range j.subs {
		sub.done <- notice
		close(sub.done)
		close(sub.send)
		delete(j.subs, id)
	}
}

// Attach registers a new subscriber. The caller drains History first,
// then the live channels. If the job already exited, History carries
// the full replay and Done yields the exit notice immediately.
func (j *Job) Attach(id string) *Subscriber {
	sub := &Subscriber{ID: id, send: make(chan Chunk, sendBufferSize), done: make(chan ExitNotice, 1)}

	j.mu.Lock()
	defer j.mu.Unlock()
	sub.History = j.ring.Snapshot()
	if j.exited {
		close(sub.send)
		sub.done <- j.exit
		close(sub.done)
		return sub
	}
	j.subs[id] = sub
	return sub
}

// Detach removes a subscriber before the job has exited (client
// disconnected early).
func (j *Job) Detach(id string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.unlockedRemove(id)
}

func (j *Job) unlockedRemove(id string) {
	sub, ok := j.subs[id]
	if !ok {
		return
	}
	delete(j.subs, id)
	close(sub.send)
	close(sub.done)
}

// Hub owns one output Job per active job ID, created on first use and
// retained until explicitly discarded.
type Hub struct {
	mu                sync.Mutex
	jobs              map[string]*Job
	ringCapacityBytes int
	logger            *zap.Logger
}

// NewHub creates an empty output hub. ringCapacityBytes bounds each job's
// replay-tail buffer; 0 selects DefaultCapacityBytes.
func NewHub(ringCapacityBytes int, logger *zap.Logger) *Hub {
	return &Hub{jobs: make(map[string]*Job), ringCapacityBytes: ringCapacityBytes, logger: logger.Named("output")}
}

// retireDelay is how long a terminal job's output hub is retained for
// late attachers before its ring and subscriber state are discarded.
const retireDelay = 2 * time.Minute

// Job returns (creating if necessary) the output hub for jobID.
func (h *Hub) Job(jobID string) *Job {
	h.mu.Lock()
	defer h.mu.Unlock()
	j, ok := h.jobs[jobID]
	if !ok {
		j = newJob(jobID, h.ringCapacityBytes, h.logger)
		h.jobs[jobID] = j
	}
	return j
}

// Lookup returns jobID's hub if one exists, without creating it.
func (h *Hub) Lookup(jobID string) (*Job, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	j, ok := h.jobs[jobID]
	return j, ok
}

// Retire marks jobID's stream ended, delivering notice to current and
// late attachers, and schedules the hub's discard once the retention
// window for late attachers has passed. Every path that makes a job
// terminal goes through here so hubs don't accumulate for the master's
// lifetime.
func (h *Hub) Retire(jobID string, notice ExitNotice) {
	h.Job(jobID).Exit(notice)
	time.AfterFunc(retireDelay, func() { h.Discard(jobID) })
}

// Discard drops a job's output hub entirely, freeing its ring buffer.
// An attach after this point is answered with not-running-and-no-history.
func (h *Hub) Discard(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.jobs, jobID)
}
