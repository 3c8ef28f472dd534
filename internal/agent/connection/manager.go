// Package connection owns the agent's two network roles: the persistent
// outbound session to the master carrying register and heartbeat
// messages (with exponential-backoff-and-jitter reconnect), and the
// agent's own inbound listener answering the master's fresh-connection
// start/cancel/query-resources commands.
package connection

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mgpu-io/mgpu/internal/agent/executor"
	"github.com/mgpu-io/mgpu/internal/agent/gpu"
	"github.com/mgpu-io/mgpu/internal/agent/hostinfo"
	"github.com/mgpu-io/mgpu/internal/agent/supervisor"
	"github.com/mgpu-io/mgpu/internal/protocol"
)

// Backoff parameters for the reconnect loop to the master.
const (
	backoffInitial  = 1 * time.Second
	backoffMax      = 60 * time.Second
	backoffFactor   = 2.0
	jitterFraction  = 0.2
	heartbeatPeriod = 10 * time.Second
)

// Manager drives both of an agent's connections to the rest of the
// cluster.
type Manager struct {
	nodeID      string
	masterAddr  protocol.NodeAddress
	commandAddr protocol.NodeAddress // this agent's own listen address, advertised at register time
	sup         *supervisor.Supervisor
	exec        *executor.Executor
	logger      *zap.Logger
	heartbeat   time.Duration

	mu         sync.Mutex
	streamAddr protocol.NodeAddress // where to dial for per-job output streams, set by each start message
}

// New creates a Manager. commandAddr is the host:port this agent listens
// on for master-issued commands — it is sent in the register message so
// the master knows how to reach back. exec may be nil at construction
// time (the executor's own constructor needs a StreamDialer, which this
// Manager provides via DialStream, so callers typically build the
// Manager first and call SetExecutor once the Executor exists).
func New(nodeID string, masterAddr, commandAddr protocol.NodeAddress, sup *supervisor.Supervisor, exec *executor.Executor, heartbeat time.Duration, logger *zap.Logger) *Manager {
	if heartbeat <= 0 {
		heartbeat = heartbeatPeriod
	}
	return &Manager{
		nodeID:      nodeID,
		masterAddr:  masterAddr,
		commandAddr: commandAddr,
		sup:         sup,
		exec:        exec,
		heartbeat:   heartbeat,
		logger:      logger.Named("connection"),
	}
}

// SetExecutor wires the Executor in after construction, breaking the
// Manager/Executor constructor cycle (Executor.New needs a StreamDialer,
// which *Manager implements). Must be called before Run/ServeCommands.
func (m *Manager) SetExecutor(exec *executor.Executor) {
	m.exec = exec
}

// Run drives the persistent register+heartbeat session, reconnecting
// with backoff and jitter whenever it drops, until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	backoff := backoffInitial
	for {
		if ctx.Err() != nil {
			return
		}
		err := m.session(ctx)
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("master session ended, reconnecting", zap.Error(err), zap.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(backoff)):
		}
		backoff = nextBackoff(backoff)
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := time.Duration(float64(cur) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

func jitter(d time.Duration) time.Duration {
	delta := time.Duration(float64(d) * jitterFraction)
	if delta <= 0 {
		return d
	}
	return d - delta + time.Duration(rand.Int63n(int64(2*delta)))
}

// session dials the master, registers, and runs the heartbeat loop until
// the connection breaks or ctx is cancelled.
func (m *Manager) session(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", m.masterAddr.Host, m.masterAddr.Port)
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connection: dial master: %w", err)
	}
	defer conn.Close()

	w := protocol.NewWriter(conn)
	r := protocol.NewReader(conn)

	gpus := gpu.Detect(ctx, m.logger)
	snap := hostinfo.Collect(ctx, m.logger)
	reg := protocol.RegisterMsg{
		Type:          protocol.TypeRegister,
		NodeID:        m.nodeID,
		Address:       m.commandAddr,
		GPUs:          gpus,
		Host:          toHostInfo(snap),
		RunningJobIDs: m.sup.RunningJobIDs(),
	}
	if err := w.WriteMessage(reg); err != nil {
		return fmt.Errorf("connection: send register: %w", err)
	}
	typ, raw, err := r.ReadMessage()
	if err != nil {
		return fmt.Errorf("connection: read register ack: %w", err)
	}
	if typ != protocol.TypeAck {
		return fmt.Errorf("connection: register rejected (type=%s)", typ)
	}
	var ack protocol.AckMsg
	if err := protocol.Decode(raw, &ack); err != nil || !ack.Ok {
		return fmt.Errorf("connection: register rejected")
	}
	m.logger.Info("registered with master", zap.Int("gpus", len(gpus)))

	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			hb := protocol.HeartbeatMsg{
				Type:       protocol.TypeHeartbeat,
				NodeID:     m.nodeID,
				FreeGPUs:   freeIndices(gpus, m.exec),
				RunningIDs: m.sup.RunningJobIDs(),
				Ts:         time.Now().Unix(),
				Host:       toHostInfo(hostinfo.Collect(ctx, m.logger)),
			}
			if err := w.WriteMessage(hb); err != nil {
				return fmt.Errorf("connection: send heartbeat: %w", err)
			}
		}
	}
}

// freeIndices computes which of the node's GPUs are not currently held
// by a running job, derived from the executor's live assignment table
// rather than kept as separate bookkeeping — the executor is the single
// source of truth for what's actually running on this host.
func freeIndices(gpus []protocol.GPUInfo, exec *executor.Executor) []int {
	held := make(map[int]bool)
	for _, idx := range exec.AssignedLocalGPUs() {
		held[idx] = true
	}
	indices := make([]int, 0, len(gpus))
	for _, g := range gpus {
		if !held[g.LocalIndex] {
			indices = append(indices, g.LocalIndex)
		}
	}
	return indices
}

// toHostInfo adapts a hostinfo.Snapshot to the wire HostInfo shape.
func toHostInfo(snap hostinfo.Snapshot) protocol.HostInfo {
	return protocol.HostInfo{
		Hostname:      snap.Hostname,
		CPUCount:      snap.CPUCount,
		TotalMemoryMB: snap.TotalMemoryMB,
		UsedMemoryMB:  snap.UsedMemoryMB,
		UptimeSeconds: snap.UptimeSeconds,
	}
}

// DialStream implements executor.StreamDialer by opening a fresh
// connection to wherever the most recent start message told this agent
// to send output.
func (m *Manager) DialStream(ctx context.Context) (net.Conn, error) {
	m.mu.Lock()
	addr := m.streamAddr
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var d net.Dialer
	return d.DialContext(dialCtx, "tcp", fmt.Sprintf("%s:%d", addr.Host, addr.Port))
}

// SetStreamAddr records the master's advertised stream endpoint from the
// most recently received start message.
func (m *Manager) SetStreamAddr(addr protocol.NodeAddress) {
	m.mu.Lock()
	m.streamAddr = addr
	m.mu.Unlock()
}

// ServeCommands listens on the agent's own command port and answers each
// inbound start/cancel/query-resources request as a fresh connection —
// every logical exchange is its own TCP session, never a reused control
// socket.
func (m *Manager) ServeCommands(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("connection: accept: %w", err)
			}
		}
		go m.handleCommand(conn)
	}
}

func (m *Manager) handleCommand(conn net.Conn) {
	defer conn.Close()
	r := protocol.NewReader(conn)
	w := protocol.NewWriter(conn)

	typ, raw, err := r.ReadMessage()
	if err != nil {
		return
	}

	switch typ {
	case protocol.TypeStart:
		var msg protocol.StartMsg
		if err := protocol.Decode(raw, &msg); err != nil {
			w.WriteMessage(protocol.ErrorMsg{Type: protocol.TypeError, Ok: false, Reason: protocol.ReasonInvalidSpec})
			return
		}
		m.SetStreamAddr(msg.StreamAddr)
		if !m.exec.Enqueue(msg) {
			w.WriteMessage(protocol.ErrorMsg{Type: protocol.TypeError, Ok: false, Reason: "agent-queue-full"})
			return
		}
		w.WriteMessage(protocol.AckMsg{Type: protocol.TypeAck, Ok: true})

	case protocol.TypeCancel:
		var msg protocol.CancelMsg
		if err := protocol.Decode(raw, &msg); err != nil {
			w.WriteMessage(protocol.ErrorMsg{Type: protocol.TypeError, Ok: false, Reason: protocol.ReasonInvalidSpec})
			return
		}
		go m.exec.Cancel(msg.JobID)
		w.WriteMessage(protocol.AckMsg{Type: protocol.TypeAck, Ok: true})

	case protocol.TypeQueryResources:
		gpus := gpu.Detect(context.Background(), m.logger)
		w.WriteMessage(protocol.ResourcesMsg{
			Type:     protocol.TypeResources,
			GPUs:     gpus,
			FreeGPUs: freeIndices(gpus, m.exec),
		})

	default:
		w.WriteMessage(protocol.ErrorMsg{Type: protocol.TypeError, Ok: false, Reason: "unknown-request-type"})
	}
}
