package jobqueue

import (
	"testing"
	"time"

	"github.com/mgpu-io/mgpu/internal/protocol"
)

func TestTableCreateAssignsUniqueIDAndQueuedStatus(t *testing.T) {
	tbl := NewTable()
	job, err := tbl.Create(protocol.JobSpec{Owner: "alice", Command: "echo hi", RequestedGPUs: 1}, time.Now())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if job.ID == "" {
		t.Fatal("expected a non-empty job id")
	}
	if job.Status != StatusQueued {
		t.Fatalf("expected status %q, got %q", StatusQueued, job.Status)
	}

	got, ok := tbl.Get(job.ID)
	if !ok || got.ID != job.ID || got.Command != job.Command {
		t.Fatalf("Get(%q) did not return the created job", job.ID)
	}
	// Accessors hand out snapshots; mutating one must not leak back.
	got.Status = StatusFailed
	fresh, _ := tbl.Get(job.ID)
	if fresh.Status != StatusQueued {
		t.Fatal("expected Get to return an independent copy of the job")
	}
}

func TestTableQueuedOrdersByPriorityThenSubmission(t *testing.T) {
	tbl := NewTable()
	now := time.Now()

	low, _ := tbl.Create(protocol.JobSpec{Command: "low", Priority: 1}, now)
	high, _ := tbl.Create(protocol.JobSpec{Command: "high", Priority: 5}, now.Add(time.Second))
	earlierSamePriority, _ := tbl.Create(protocol.JobSpec{Command: "earlier", Priority: 5}, now.Add(-time.Second))

	queued := tbl.Queued()
	if len(queued) != 3 {
		t.Fatalf("expected 3 queued jobs, got %d", len(queued))
	}
	want := []*Job{earlierSamePriority, high, low}
	for i, j := range want {
		if queued[i].ID != j.ID {
			t.Fatalf("position %d: expected job %q, got %q", i, j.ID, queued[i].ID)
		}
	}
}

func TestTableQueuedExcludesNonQueuedJobs(t *testing.T) {
	tbl := NewTable()
	job, _ := tbl.Create(protocol.JobSpec{Command: "x"}, time.Now())
	tbl.Mutate(job.ID, func(j *Job) { j.Status = StatusRunning })

	if queued := tbl.Queued(); len(queued) != 0 {
		t.Fatalf("expected no queued jobs after transitioning to running, got %d", len(queued))
	}
}

func TestTableMutateReturnsFalseForUnknownJob(t *testing.T) {
	tbl := NewTable()
	if tbl.Mutate("does-not-exist", func(*Job) {}) {
		t.Fatal("expected Mutate to report false for an unknown job id")
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %q to be terminal", s)
		}
	}
	nonTerminal := []Status{StatusQueued, StatusRunning, StatusCancelling}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("expected %q to not be terminal", s)
		}
	}
}

func TestJobGPUCountPrefersPinsOverRequestedCount(t *testing.T) {
	j := &Job{
		RequestedGPUs: 2,
		NodeGPUPins: []protocol.NodePin{
			{NodeID: "n1", LocalGPUIDs: []int{0, 1}},
			{NodeID: "n2", LocalGPUIDs: []int{2}},
		},
	}
	if got := j.GPUCount(); got != 3 {
		t.Fatalf("expected GPUCount 3, got %d", got)
	}
}

func TestJobGPUCountFallsBackToRequestedGPUs(t *testing.T) {
	j := &Job{RequestedGPUs: 4}
	if got := j.GPUCount(); got != 4 {
		t.Fatalf("expected GPUCount 4, got %d", got)
	}
}

func TestJobAssignmentViews(t *testing.T) {
	j := &Job{Assignment: []Assignment{
		{NodeID: "n1", LocalGPUIDs: []int{0, 1}},
		{NodeID: "n2", LocalGPUIDs: []int{2}},
	}}
	views := j.AssignmentViews()
	want := []string{"n1:0,1", "n2:2"}
	if len(views) != len(want) {
		t.Fatalf("expected %d views, got %d", len(want), len(views))
	}
	for i := range want {
		if views[i] != want[i] {
			t.Errorf("view %d: expected %q, got %q", i, want[i], views[i])
		}
	}
}

func TestTableCreateIDsAreUnique(t *testing.T) {
	tbl := NewTable()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		job, err := tbl.Create(protocol.JobSpec{Command: "x"}, time.Now())
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if seen[job.ID] {
			t.Fatalf("duplicate job id generated: %s", job.ID)
		}
		seen[job.ID] = true
	}
}
