// Package registry tracks node agents connected to the master: their
// advertised GPUs, liveness, and the command address used to reach
// them. It is the master-side analog of the GPU fleet's membership list.
package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mgpu-io/mgpu/internal/protocol"
)

// Status is a node's liveness state: online, degraded, or offline.
type Status string

const (
	StatusOnline   Status = "online"
	StatusDegraded Status = "degraded"
	StatusOffline  Status = "offline"
)

// GPUState tracks one physical GPU's static description plus whether it
// is currently assigned to a job.
type GPUState struct {
	Info     protocol.GPUInfo
	Assigned bool
	JobID    string
}

// Node is the master's record of one connected (or formerly connected)
// agent.
type Node struct {
	ID      string
	Address protocol.NodeAddress
	GPUs    []GPUState

	Status          Status
	RegisteredAt    time.Time
	LastHeartbeatAt time.Time
	FailureCount    int
	Host            protocol.HostInfo
}

// TotalGPUs returns the node's physical GPU count.
func (n *Node) TotalGPUs() int {
	return len(n.GPUs)
}

// FreeGPUIndices returns the local indices of GPUs not currently assigned.
func (n *Node) FreeGPUIndices() []int {
	var free []int
	for _, g := range n.GPUs {
		if !g.Assigned {
			free = append(free, g.Info.LocalIndex)
		}
	}
	return free
}

// clone returns a deep copy of n, safe to read after the registry lock
// is released.
func (n *Node) clone() *Node {
	c := *n
	c.GPUs = make([]GPUState, len(n.GPUs))
	copy(c.GPUs, n.GPUs)
	return &c
}

// Registry is the concurrency-safe table of known nodes, grounded on the
// connected-agent map pattern used for tracking live agent sessions.
// Accessors return snapshot copies: the heartbeat handler and liveness
// sweeper mutate node state under the registry lock, so handing out the
// live pointers would let the scheduler read them torn. All mutation
// goes through Mutate.
type Registry struct {
	mu     sync.RWMutex
	nodes  map[string]*Node
	logger *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		nodes:  make(map[string]*Node),
		logger: logger.Named("registry"),
	}
}

// Register inserts or replaces a node's record on receipt of a register
// message. A re-register (agent reconnect after a dropped control
// session) resets FailureCount but carries over per-GPU assignments the
// master still holds for jobs on this node — those are released through
// the normal exit or node-lost paths, never by the reconnect itself.
func (r *Registry) Register(msg protocol.RegisterMsg, now time.Time) *Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	gpus := make([]GPUState, len(msg.GPUs))
	for i, g := range msg.GPUs {
		gpus[i] = GPUState{Info: g}
	}
	if prev, ok := r.nodes[msg.NodeID]; ok {
		held := make(map[int]GPUState, len(prev.GPUs))
		for _, g := range prev.GPUs {
			if g.Assigned && g.JobID != "" {
				held[g.Info.LocalIndex] = g
			}
		}
		for i := range gpus {
			if g, ok := held[gpus[i].Info.LocalIndex]; ok {
				gpus[i].Assigned = true
				gpus[i].JobID = g.JobID
			}
		}
	}

	n := &Node{
		ID:              msg.NodeID,
		Address:         msg.Address,
		GPUs:            gpus,
		Status:          StatusOnline,
		RegisteredAt:    now,
		LastHeartbeatAt: now,
		Host:            msg.Host,
	}
	r.nodes[msg.NodeID] = n
	r.logger.Info("node registered", zap.String("node_id", msg.NodeID), zap.Int("gpus", len(gpus)))
	return n.clone()
}

// Heartbeat updates a node's liveness timestamp and GPU assignment view
// from the agent's self-reported free list. Returns false if the node is
// unknown (the agent must register first).
func (r *Registry) Heartbeat(msg protocol.HeartbeatMsg, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[msg.NodeID]
	if !ok {
		return false
	}
	n.LastHeartbeatAt = now
	if n.Status != StatusOnline {
		r.logger.Info("node recovered", zap.String("node_id", msg.NodeID), zap.String("from_status", string(n.Status)))
	}
	n.Status = StatusOnline
	n.Host = msg.Host

	// The master's own reservations (JobID set) are authoritative — a
	// heartbeat sent between dispatch and the agent actually spawning the
	// job would otherwise report the GPU free and reopen it for
	// double-allocation. The agent's view is only taken for GPUs the
	// master never assigned (e.g. held by adopted orphan jobs).
	free := make(map[int]bool, len(msg.FreeGPUs))
	for _, idx := range msg.FreeGPUs {
		free[idx] = true
	}
	for i := range n.GPUs {
		if n.GPUs[i].JobID != "" {
			continue
		}
		n.GPUs[i].Assigned = !free[n.GPUs[i].Info.LocalIndex]
	}
	return true
}

// Get returns a snapshot of the node with the given ID, or false if
// unknown.
func (r *Registry) Get(id string) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil, false
	}
	return n.clone(), true
}

// All returns a snapshot of every known node, for queue views.
func (r *Registry) All() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.clone())
	}
	return out
}

// Online returns a snapshot of every node currently in StatusOnline,
// the only status eligible to receive new job placements.
func (r *Registry) Online() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Node
	for _, n := range r.nodes {
		if n.Status == StatusOnline {
			out = append(out, n.clone())
		}
	}
	return out
}

// Mutate runs fn with exclusive access to the node identified by id.
// Returns false if the node does not exist.
func (r *Registry) Mutate(id string, fn func(*Node)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return false
	}
	fn(n)
	return true
}

// SweepLiveness transitions nodes whose heartbeat has lapsed: degraded
// once heartbeatTimeout passes with no heartbeat, offline after a
// further offlineTimeout on top of that. It returns the IDs of nodes
// that just crossed into offline this sweep, so the caller can fail
// their running jobs and release their GPUs.
func (r *Registry) SweepLiveness(now time.Time, heartbeatTimeout, offlineTimeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var justOffline []string
	for _, n := range r.nodes {
		since := now.Sub(n.LastHeartbeatAt)
		switch {
		case since >= heartbeatTimeout+offlineTimeout:
			if n.Status != StatusOffline {
				n.Status = StatusOffline
				n.FailureCount++
				for i := range n.GPUs {
					n.GPUs[i].Assigned = false
					n.GPUs[i].JobID = ""
				}
				justOffline = append(justOffline, n.ID)
				r.logger.Warn("node went offline", zap.String("node_id", n.ID), zap.Duration("since_heartbeat", since))
			}
		case since >= heartbeatTimeout:
			if n.Status == StatusOnline {
				n.Status = StatusDegraded
				r.logger.Warn("node degraded", zap.String("node_id", n.ID), zap.Duration("since_heartbeat", since))
			}
		}
	}
	return justOffline
}
