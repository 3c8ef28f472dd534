// Package scheduler places queued jobs onto node GPUs and dispatches
// them to agents. Unlike a cron-driven policy scheduler, placement here
// reacts to discrete events — a submission, a completion, a node join or
// loss — coalesced through a wake channel, with a slow ticker as a
// backstop so nothing waits forever on a missed wakeup.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mgpu-io/mgpu/internal/master/jobqueue"
	"github.com/mgpu-io/mgpu/internal/master/output"
	"github.com/mgpu-io/mgpu/internal/master/registry"
	"github.com/mgpu-io/mgpu/internal/metrics"
	"github.com/mgpu-io/mgpu/internal/protocol"
)

// MaxDispatchRetries bounds how many times the scheduler will retry
// placing a job after a transient dispatch failure (agent unreachable at
// the moment of the start RPC) before giving up and failing the job.
const MaxDispatchRetries = 5

// tickInterval is the backstop period: even with no wake signal, the
// scheduler re-evaluates placement this often.
const tickInterval = 1 * time.Second

// Dispatcher sends a start/cancel instruction to a node agent. Separated
// from the Scheduler so placement logic can be tested without a network.
type Dispatcher interface {
	Start(ctx context.Context, node *registry.Node, msg protocol.StartMsg) error
	Cancel(ctx context.Context, node *registry.Node, jobID string) error
}

// Scheduler owns the placement loop.
type Scheduler struct {
	jobs       *jobqueue.Table
	nodes      *registry.Registry
	dispatch   Dispatcher
	out        *output.Hub
	streamAddr protocol.NodeAddress
	logger     *zap.Logger

	wake chan struct{}
}

// New creates a Scheduler. streamAddr is the master's own listener
// address, advertised to agents in every start message as where to dial
// back with the job's output stream. out is notified when the scheduler
// itself makes a job terminal, so attached clients waiting on a queued
// job aren't left hanging. Call Run to start its loop.
func New(jobs *jobqueue.Table, nodes *registry.Registry, dispatch Dispatcher, out *output.Hub, streamAddr protocol.NodeAddress, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		jobs:       jobs,
		nodes:      nodes,
		dispatch:   dispatch,
		out:        out,
		streamAddr: streamAddr,
		logger:     logger.Named("scheduler"),
		wake:       make(chan struct{}, 1),
	}
}

// Wake schedules a placement pass as soon as possible. Safe to call from
// any goroutine; non-blocking.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the placement loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	s.placeOnce(ctx, "initial")
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			s.placeOnce(ctx, "wake")
		case <-ticker.C:
			s.placeOnce(ctx, "tick")
		}
	}
}

// placeOnce makes one pass over the queued jobs in priority order,
// attempting to place each against the current free-GPU snapshot, then
// refreshes the cluster-wide occupancy gauges.
func (s *Scheduler) placeOnce(ctx context.Context, reason string) {
	metrics.SchedulerTicks.WithLabelValues(reason).Inc()

	for _, job := range s.jobs.Queued() {
		plan, failReason, ok := s.plan(job)
		if failReason != "" {
			s.jobs.Mutate(job.ID, func(j *jobqueue.Job) {
				if j.Status.Terminal() {
					return
				}
				j.Status = jobqueue.StatusFailed
				j.FailReason = failReason
			})
			s.out.Retire(job.ID, output.ExitNotice{Code: -1, Signal: failReason})
			s.logger.Warn("job unplaceable, failing", zap.String("job_id", job.ID), zap.String("reason", failReason))
			continue
		}
		if !ok {
			continue
		}
		s.dispatchPlan(ctx, job, plan)
	}

	s.refreshGauges()
}

// refreshGauges recomputes the job/GPU/node occupancy gauges from the
// current table snapshots — cheap enough to do on every placement pass
// and simpler than threading incremental updates through every mutation
// site.
func (s *Scheduler) refreshGauges() {
	statusCounts := map[jobqueue.Status]int{}
	for _, job := range s.jobs.All() {
		statusCounts[job.Status]++
	}
	for _, status := range []jobqueue.Status{
		jobqueue.StatusQueued, jobqueue.StatusRunning, jobqueue.StatusCancelling,
		jobqueue.StatusCompleted, jobqueue.StatusFailed, jobqueue.StatusCancelled,
	} {
		metrics.JobsByStatus.WithLabelValues(string(status)).Set(float64(statusCounts[status]))
	}

	var totalGPUs, freeGPUs int
	nodeStatusCounts := map[registry.Status]int{}
	for _, node := range s.nodes.All() {
		totalGPUs += node.TotalGPUs()
		if node.Status == registry.StatusOnline {
			freeGPUs += len(node.FreeGPUIndices())
		}
		nodeStatusCounts[node.Status]++
	}
	metrics.GPUsTotal.Set(float64(totalGPUs))
	metrics.GPUsFree.Set(float64(freeGPUs))
	for _, status := range []registry.Status{registry.StatusOnline, registry.StatusDegraded, registry.StatusOffline} {
		metrics.NodesByStatus.WithLabelValues(string(status)).Set(float64(nodeStatusCounts[status]))
	}
}

// placement is one node's share of a job's GPU assignment, resolved
// against the current registry snapshot.
type placement struct {
	node        *registry.Node
	localGPUIDs []int
}

// plan resolves a queued job's GPU request into a concrete set of node
// placements. ok=false with an empty failReason means the request cannot
// currently be satisfied (the job stays queued and is retried on the
// next pass); a non-empty failReason means it never will be (a pinned
// node has gone offline) and the caller must fail the job.
func (s *Scheduler) plan(job *jobqueue.Job) (plans []placement, failReason string, ok bool) {
	if len(job.NodeGPUPins) > 0 {
		return s.planPinned(job)
	}
	plans, ok = s.planFreePool(job)
	return plans, "", ok
}

// planPinned resolves a job that named specific nodes and GPU indices.
// All pins must be simultaneously satisfiable or the job stays queued —
// except a pin against an offline node, which fails the job outright
// rather than letting it wait on a host that may never come back.
func (s *Scheduler) planPinned(job *jobqueue.Job) ([]placement, string, bool) {
	plans := make([]placement, 0, len(job.NodeGPUPins))
	for _, pin := range job.NodeGPUPins {
		node, ok := s.nodes.Get(pin.NodeID)
		if !ok {
			return nil, "", false
		}
		if node.Status == registry.StatusOffline {
			return nil, "pinned-node-offline", false
		}
		if node.Status != registry.StatusOnline {
			return nil, "", false
		}
		freeSet := make(map[int]bool)
		for _, idx := range node.FreeGPUIndices() {
			freeSet[idx] = true
		}
		for _, want := range pin.LocalGPUIDs {
			if !freeSet[want] {
				return nil, "", false
			}
		}
		plans = append(plans, placement{node: node, localGPUIDs: pin.LocalGPUIDs})
	}
	return plans, "", true
}

// planFreePool resolves a job that only specified a GPU count. A single
// node that can satisfy the whole request is preferred, with ties broken
// by lowest failure_count then lexicographic node_id. Failing that, it
// falls back to greedily spanning online nodes ordered by free-GPU
// count, descending, until the request is covered. A caller-supplied
// mem_mb is an advisory placement filter: it excludes any GPU whose
// total_memory_mb falls short, but is never subtracted from a running
// total.
func (s *Scheduler) planFreePool(job *jobqueue.Job) ([]placement, bool) {
	nodes := s.nodes.Online()
	need := job.GPUCount()

	sortByFailureThenID(nodes)
	for _, node := range nodes {
		free := eligibleFreeGPUs(node, job.MemMB)
		if len(free) >= need {
			return []placement{{node: node, localGPUIDs: free[:need]}}, true
		}
	}

	sortByFreeGPUsDesc(nodes)
	var plans []placement
	remaining := need
	for _, node := range nodes {
		if remaining <= 0 {
			break
		}
		free := eligibleFreeGPUs(node, job.MemMB)
		if len(free) == 0 {
			continue
		}
		take := free
		if len(take) > remaining {
			take = take[:remaining]
		}
		plans = append(plans, placement{node: node, localGPUIDs: take})
		remaining -= len(take)
	}
	if remaining > 0 {
		return nil, false
	}
	return plans, true
}

// eligibleFreeGPUs returns node's free GPU indices whose total_memory_mb
// meets minMemMB. minMemMB <= 0 means no filter (the field is optional).
func eligibleFreeGPUs(node *registry.Node, minMemMB int) []int {
	if minMemMB <= 0 {
		return node.FreeGPUIndices()
	}
	var out []int
	for _, g := range node.GPUs {
		if !g.Assigned && g.Info.TotalMemoryMB >= minMemMB {
			out = append(out, g.Info.LocalIndex)
		}
	}
	return out
}

// dispatchPlan marks the job running, reserves the chosen GPUs, and
// sends a start message to each placed node. A dispatch failure releases
// the reservation and either re-queues the job (if under the retry
// budget) or fails it permanently.
func (s *Scheduler) dispatchPlan(ctx context.Context, job *jobqueue.Job, plans []placement) {
	assignments := make([]jobqueue.Assignment, 0, len(plans))
	for _, p := range plans {
		assignments = append(assignments, jobqueue.Assignment{NodeID: p.node.ID, LocalGPUIDs: p.localGPUIDs})
		s.nodes.Mutate(p.node.ID, func(n *registry.Node) {
			reserve(n, job.ID, p.localGPUIDs)
		})
	}

	s.jobs.Mutate(job.ID, func(j *jobqueue.Job) {
		j.Status = jobqueue.StatusRunning
		j.Assignment = assignments
	})

	rank0Host := plans[0].node.Address.Host
	for i, p := range plans {
		msg := s.buildStartMsg(job, p, i, len(plans), rank0Host)
		if err := s.dispatch.Start(ctx, p.node, msg); err != nil {
			s.logger.Warn("dispatch failed", zap.String("job_id", job.ID), zap.String("node_id", p.node.ID), zap.Error(err))
			s.handleDispatchFailure(job, plans)
			return
		}
	}
	s.logger.Info("job dispatched", zap.String("job_id", job.ID), zap.Int("nodes", len(plans)))
}

// handleDispatchFailure releases all GPU reservations from a failed
// dispatch attempt, bumps each involved node's failure_count (a
// transient node fault, not a job failure), and either re-queues the job
// for another placement pass or fails it once MaxDispatchRetries is
// exhausted.
func (s *Scheduler) handleDispatchFailure(job *jobqueue.Job, plans []placement) {
	for _, p := range plans {
		s.nodes.Mutate(p.node.ID, func(n *registry.Node) {
			release(n, job.ID)
			n.FailureCount++
			if n.FailureCount >= 3 {
				n.Status = registry.StatusDegraded
			}
		})
	}

	var failed bool
	s.jobs.Mutate(job.ID, func(j *jobqueue.Job) {
		j.RetryCount++
		j.Assignment = nil
		if j.RetryCount > MaxDispatchRetries {
			j.Status = jobqueue.StatusFailed
			j.FailReason = fmt.Sprintf("dispatch failed after %d attempts", j.RetryCount)
			failed = true
		} else {
			j.Status = jobqueue.StatusQueued
		}
	})
	if failed {
		s.out.Retire(job.ID, output.ExitNotice{Code: -1, Signal: "dispatch-failed"})
	}
}

// buildStartMsg constructs the start message for one node's share of a
// (possibly multi-node distributed) job. Node 0 in placement order is
// always the distributed-training rank-0 / rendezvous endpoint, so
// rank0Host is its dialable address host, not its node ID.
func (s *Scheduler) buildStartMsg(job *jobqueue.Job, p placement, rank, worldSize int, rank0Host string) protocol.StartMsg {
	dist := protocol.DistributedConfig{Kind: string(job.DistributedKind)}
	if job.DistributedKind != jobqueue.DistributedNone {
		dist.Rank = rank
		dist.WorldSize = worldSize
		dist.MasterHost = rank0Host
		dist.MasterPort = 29500
	}

	return protocol.StartMsg{
		Type:              protocol.TypeStart,
		JobID:             job.ID,
		NodeID:            p.node.ID,
		Command:           job.Command,
		AssignedLocalGPUs: p.localGPUIDs,
		EnvExtras:         map[string]string{},
		Distributed:       dist,
		StreamAddr:        s.streamAddr,
	}
}

func reserve(n *registry.Node, jobID string, localGPUIDs []int) {
	want := make(map[int]bool, len(localGPUIDs))
	for _, idx := range localGPUIDs {
		want[idx] = true
	}
	for i := range n.GPUs {
		if want[n.GPUs[i].Info.LocalIndex] {
			n.GPUs[i].Assigned = true
			n.GPUs[i].JobID = jobID
		}
	}
}

func release(n *registry.Node, jobID string) {
	for i := range n.GPUs {
		if n.GPUs[i].JobID == jobID {
			n.GPUs[i].Assigned = false
			n.GPUs[i].JobID = ""
		}
	}
}

// sortByFailureThenID orders nodes by ascending failure_count, then
// lexicographic node_id — the single-node placement tie-break.
func sortByFailureThenID(nodes []*registry.Node) {
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0 && failureLess(nodes[j], nodes[j-1]); j-- {
			nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
		}
	}
}

func failureLess(a, b *registry.Node) bool {
	if a.FailureCount != b.FailureCount {
		return a.FailureCount < b.FailureCount
	}
	return a.ID < b.ID
}

// sortByFreeGPUsDesc orders nodes by descending free GPU count, the
// greedy-spanning order for multi-node placement.
func sortByFreeGPUsDesc(nodes []*registry.Node) {
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0 && len(nodes[j].FreeGPUIndices()) > len(nodes[j-1].FreeGPUIndices()); j-- {
			nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
		}
	}
}
