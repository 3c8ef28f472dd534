// Package jobqueue holds the master's job table: the Job record, its
// status state machine, and a concurrency-safe table the scheduler,
// connection handlers, and queue snapshot all read and mutate.
package jobqueue

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/mgpu-io/mgpu/internal/protocol"
)

// Status is a job's position in its lifecycle state machine.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusRunning    Status = "running"
	StatusCancelling Status = "cancelling"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is a terminal status — once reached, a job
// never transitions again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// DistributedKind mirrors protocol.DistributedConfig.Kind.
type DistributedKind string

const (
	DistributedNone  DistributedKind = "none"
	DistributedTorch DistributedKind = "torch-distributed"
	DistributedMPI   DistributedKind = "mpi"
)

// Assignment is one node's share of a running job's GPUs.
type Assignment struct {
	NodeID      string
	LocalGPUIDs []int
	PID         int
}

// Job is the master's in-memory record for one submitted command.
// All fields are only ever mutated while the owning Table's mutex is held.
type Job struct {
	ID                 string
	Owner              string
	Command            string
	RequestedGPUs      int
	NodeGPUPins        []protocol.NodePin
	Priority           int
	DistributedKind    DistributedKind
	Interactive        bool
	CancelOnDisconnect bool
	MemMB              int
	SubmittedAt        time.Time

	Status     Status
	Assignment []Assignment
	ExitCode   *int
	FailReason string
	RetryCount int
}

// GPUCount returns the total number of GPUs this job needs, whether
// expressed as a count or as explicit pins.
func (j *Job) GPUCount() int {
	if len(j.NodeGPUPins) > 0 {
		n := 0
		for _, p := range j.NodeGPUPins {
			n += len(p.LocalGPUIDs)
		}
		return n
	}
	return j.RequestedGPUs
}

// clone returns a copy of j safe to read after the table lock is
// released. Pin and assignment slices are copied; their element contents
// are never mutated in place, only replaced wholesale under Mutate.
func (j *Job) clone() *Job {
	c := *j
	c.NodeGPUPins = append([]protocol.NodePin(nil), j.NodeGPUPins...)
	c.Assignment = append([]Assignment(nil), j.Assignment...)
	if j.ExitCode != nil {
		code := *j.ExitCode
		c.ExitCode = &code
	}
	return &c
}

// AssignmentViews renders the job's assignment as "node:gpu,gpu" strings
// for the queue snapshot.
func (j *Job) AssignmentViews() []string {
	views := make([]string, 0, len(j.Assignment))
	for _, a := range j.Assignment {
		s := a.NodeID + ":"
		for i, g := range a.LocalGPUIDs {
			if i > 0 {
				s += ","
			}
			s += fmt.Sprintf("%d", g)
		}
		views = append(views, s)
	}
	return views
}

// newJobID generates an 8-hex-character identifier for which existing
// reports false.
// Collisions are vanishingly unlikely (32 bits of randomness) but are
// checked and retried so uniqueness is guaranteed, not merely probable.
func newJobID(existing func(string) bool) (string, error) {
	for attempt := 0; attempt < 16; attempt++ {
		buf := make([]byte, 4)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("jobqueue: generate id: %w", err)
		}
		id := hex.EncodeToString(buf)
		if !existing(id) {
			return id, nil
		}
	}
	return "", fmt.Errorf("jobqueue: failed to allocate a unique job id after 16 attempts")
}

// Table is the master's concurrency-safe job registry. Accessors return
// snapshot copies — connection handlers and the scheduler run on
// different goroutines, so the live records never escape the lock. All
// mutation goes through Mutate.
type Table struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewTable creates an empty job table.
func NewTable() *Table {
	return &Table{jobs: make(map[string]*Job)}
}

// Create allocates a new job ID, inserts the job as StatusQueued, and
// returns it.
func (t *Table) Create(spec protocol.JobSpec, now time.Time) (*Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, err := newJobID(func(candidate string) bool {
		_, exists := t.jobs[candidate]
		return exists
	})
	if err != nil {
		return nil, err
	}

	kind := DistributedKind(spec.DistributedKind)
	if kind == "" {
		kind = DistributedNone
	}

	job := &Job{
		ID:                 id,
		Owner:              spec.Owner,
		Command:            spec.Command,
		RequestedGPUs:      spec.RequestedGPUs,
		NodeGPUPins:        spec.NodeGPUPins,
		Priority:           spec.Priority,
		DistributedKind:    kind,
		Interactive:        spec.Interactive,
		CancelOnDisconnect: spec.CancelOnDisconnect,
		MemMB:              spec.MemMB,
		SubmittedAt:        now,
		Status:             StatusQueued,
	}
	t.jobs[id] = job
	return job.clone(), nil
}

// Get returns a snapshot of the job with the given ID, or false if it
// is unknown.
func (t *Table) Get(id string) (*Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.jobs[id]
	if !ok {
		return nil, false
	}
	return j.clone(), true
}

// Queued returns a snapshot of all queued jobs ordered by (priority
// desc, submitted_at asc) — the scheduler's placement order.
func (t *Table) Queued() []*Job {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*Job
	for _, j := range t.jobs {
		if j.Status == StatusQueued {
			out = append(out, j.clone())
		}
	}
	sortByPriorityThenSubmission(out)
	return out
}

// Running returns a snapshot of all jobs currently in StatusRunning or
// StatusCancelling.
func (t *Table) Running() []*Job {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*Job
	for _, j := range t.jobs {
		if j.Status == StatusRunning || j.Status == StatusCancelling {
			out = append(out, j.clone())
		}
	}
	return out
}

// All returns a snapshot of every job in the table, for queue views.
func (t *Table) All() []*Job {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		out = append(out, j.clone())
	}
	return out
}

// Mutate runs fn with exclusive access to the job identified by id — the
// caller is responsible for preserving the state-machine invariants
// inside fn (e.g. Assignment non-empty iff Status==running).
// Returns false if the job does not exist.
func (t *Table) Mutate(id string, fn func(*Job)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	if !ok {
		return false
	}
	fn(j)
	return true
}

func sortByPriorityThenSubmission(jobs []*Job) {
	// Simple insertion sort — queues are small (hundreds, not millions of
	// jobs) and this keeps the comparator trivially readable.
	for i := 1; i < len(jobs); i++ {
		for j := i; j > 0 && less(jobs[j], jobs[j-1]); j-- {
			jobs[j], jobs[j-1] = jobs[j-1], jobs[j]
		}
	}
}

// less reports whether a should be scheduled before b: higher priority
// first, then earlier submission time as the FIFO tie-break.
func less(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.SubmittedAt.Before(b.SubmittedAt)
}
