// Package server implements the master's single TCP listening surface.
// Every inbound connection — an agent's persistent heartbeat session, an
// agent's per-job output stream, or a client's one-shot RPC — arrives on
// the same port; the handler looks at the first message's type to decide
// how to route it.
package server

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mgpu-io/mgpu/internal/master/jobqueue"
	"github.com/mgpu-io/mgpu/internal/master/output"
	"github.com/mgpu-io/mgpu/internal/master/registry"
	"github.com/mgpu-io/mgpu/internal/master/scheduler"
	"github.com/mgpu-io/mgpu/internal/protocol"
)

// CancelGrace is how long the master waits for an agent's exit report
// after sending cancel before force-retiring the job.
const CancelGrace = 10 * time.Second

// Default liveness thresholds for heartbeat-driven node state.
const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultHeartbeatTimeout  = 30 * time.Second
	DefaultOfflineTimeout    = 60 * time.Second
)

const livenessSweepPeriod = 1 * time.Second

// OrphanPolicy governs what the master does when an agent's register
// message reports job IDs it still has running that the master's own
// (freshly restarted, state-free) job table knows nothing about.
type OrphanPolicy string

const (
	// OrphanAdopt leaves orphaned jobs running untracked on the agent;
	// the master does not interfere with them. They will not appear in
	// `queue` and their eventual exit report is simply discarded.
	OrphanAdopt OrphanPolicy = "adopt"
	// OrphanKill sends a cancel for every orphaned job ID on register.
	OrphanKill OrphanPolicy = "kill"
)

// Server accepts and routes all master-facing connections.
type Server struct {
	addr         protocol.NodeAddress
	jobs         *jobqueue.Table
	nodes        *registry.Registry
	out          *output.Hub
	sched        *scheduler.Scheduler
	dialer       canceler
	orphanPolicy OrphanPolicy
	logger       *zap.Logger
}

// canceler is the subset of dispatch.Dialer the server needs to send
// cancel RPCs directly (outside the scheduler's placement loop).
type canceler interface {
	Cancel(ctx context.Context, node *registry.Node, jobID string) error
}

// New creates a Server. addr is advertised to agents as the stream
// endpoint to dial back for job output. orphanPolicy selects what
// happens to jobs an agent reports running at register time that this
// master instance has no record of (see OrphanPolicy); "" defaults to
// OrphanAdopt.
func New(addr protocol.NodeAddress, jobs *jobqueue.Table, nodes *registry.Registry, out *output.Hub, sched *scheduler.Scheduler, dialer canceler, orphanPolicy OrphanPolicy, logger *zap.Logger) *Server {
	if orphanPolicy == "" {
		orphanPolicy = OrphanAdopt
	}
	return &Server{
		addr:         addr,
		jobs:         jobs,
		nodes:        nodes,
		out:          out,
		sched:        sched,
		dialer:       dialer,
		orphanPolicy: orphanPolicy,
		logger:       logger.Named("server"),
	}
}

// StreamAddr returns the address agents should dial to open a job's
// output stream — the same listener this Server serves everything on.
func (s *Server) StreamAddr() protocol.NodeAddress { return s.addr }

// RunLivenessSweeper periodically demotes nodes whose heartbeat has
// lapsed and fails any job still assigned to a node that just went
// offline, failing them with reason node-lost. Runs until ctx is
// cancelled.
func (s *Server) RunLivenessSweeper(ctx context.Context, heartbeatTimeout, offlineTimeout time.Duration) {
	ticker := time.NewTicker(livenessSweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			offline := s.nodes.SweepLiveness(time.Now(), heartbeatTimeout, offlineTimeout)
			if len(offline) == 0 {
				continue
			}
			for _, nodeID := range offline {
				s.failJobsOnNode(nodeID)
			}
			s.sched.Wake()
		}
	}
}

// failJobsOnNode marks every running/cancelling job assigned (even
// partially, for a multi-node job) to nodeID as failed with reason
// node-lost, and releases whatever GPUs it still held on other nodes.
func (s *Server) failJobsOnNode(nodeID string) {
	for _, j := range s.jobs.Running() {
		involved := false
		for _, a := range j.Assignment {
			if a.NodeID == nodeID {
				involved = true
				break
			}
		}
		if !involved {
			continue
		}
		id := j.ID
		s.jobs.Mutate(id, func(job *jobqueue.Job) {
			if job.Status.Terminal() {
				return
			}
			job.Status = jobqueue.StatusFailed
			job.FailReason = "node-lost"
			s.releaseJobGPUs(job)
		})
		s.out.Retire(id, output.ExitNotice{Code: -1, Signal: "node-lost"})
		s.logger.Warn("job failed due to node loss", zap.String("job_id", id), zap.String("node_id", nodeID))
	}
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
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
				return fmt.Errorf("server: accept: %w", err)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	r := protocol.NewReader(conn)
	w := protocol.NewWriter(conn)

	typ, raw, err := r.ReadMessage()
	if err != nil {
		return
	}

	switch typ {
	case protocol.TypeRegister:
		s.handleAgentControl(ctx, conn, r, w, raw)
	case protocol.TypeOut, protocol.TypeExit:
		s.handleAgentStream(r, raw)
	case protocol.TypeSubmit:
		s.handleSubmit(w, raw)
	case protocol.TypeQueue:
		s.handleQueue(w)
	case protocol.TypeCancel:
		s.handleClientCancel(ctx, w, raw)
	case protocol.TypeAttach:
		s.handleAttach(conn, w, raw)
	default:
		w.WriteMessage(protocol.ErrorMsg{Type: protocol.TypeError, Ok: false, Reason: "unknown-request-type"})
	}
}

// handleAgentControl owns an agent's persistent register+heartbeat
// connection for its entire lifetime. When it returns (EOF or error) the
// agent is presumed gone for now — liveness sweeping still governs the
// transition to offline, since a dropped TCP connection and a genuinely
// dead host look identical from here.
func (s *Server) handleAgentControl(ctx context.Context, conn net.Conn, r *protocol.Reader, w *protocol.Writer, firstRaw []byte) {
	var reg protocol.RegisterMsg
	if err := protocol.Decode(firstRaw, &reg); err != nil {
		w.WriteMessage(protocol.ErrorMsg{Type: protocol.TypeError, Ok: false, Reason: protocol.ReasonInvalidSpec})
		return
	}

	s.nodes.Register(reg, time.Now())
	w.WriteMessage(protocol.AckMsg{Type: protocol.TypeAck, Ok: true})
	s.reconcileOrphans(ctx, reg)
	s.sched.Wake()
	s.logger.Info("agent control session opened", zap.String("node_id", reg.NodeID), zap.String("remote", conn.RemoteAddr().String()))

	for {
		typ, raw, err := r.ReadMessage()
		if err != nil {
			s.logger.Info("agent control session closed", zap.String("node_id", reg.NodeID), zap.Error(err))
			return
		}
		if typ != protocol.TypeHeartbeat {
			continue
		}
		var hb protocol.HeartbeatMsg
		if err := protocol.Decode(raw, &hb); err != nil {
			continue
		}
		if s.nodes.Heartbeat(hb, time.Now()) {
			s.sched.Wake()
		}
	}
}

// reconcileOrphans applies s.orphanPolicy to any job IDs an agent
// reports running that this master instance has no job-table record of
// — the signature of a master restart that wiped in-memory state while
// the agent kept working. Jobs the master already knows about (a normal
// reconnect, not a restart) are left untouched either way.
func (s *Server) reconcileOrphans(ctx context.Context, reg protocol.RegisterMsg) {
	if len(reg.RunningJobIDs) == 0 {
		return
	}
	node, ok := s.nodes.Get(reg.NodeID)
	if !ok {
		return
	}
	for _, jobID := range reg.RunningJobIDs {
		if _, known := s.jobs.Get(jobID); known {
			continue
		}
		switch s.orphanPolicy {
		case OrphanKill:
			s.logger.Info("killing orphaned job on register (orphan-policy=kill)", zap.String("job_id", jobID), zap.String("node_id", reg.NodeID))
			go func(id string) {
				if err := s.dialer.Cancel(ctx, node, id); err != nil {
					s.logger.Warn("orphan cancel rpc failed", zap.String("job_id", id), zap.String("node_id", reg.NodeID), zap.Error(err))
				}
			}(jobID)
		default:
			s.logger.Info("adopting orphaned job on register (orphan-policy=adopt), leaving it untracked", zap.String("job_id", jobID), zap.String("node_id", reg.NodeID))
		}
	}
}

// handleAgentStream consumes a dedicated per-job output connection: a
// sequence of "out" messages terminated by one "exit" message. The
// connection is opened by the agent, so the master only ever reads here.
func (s *Server) handleAgentStream(r *protocol.Reader, firstRaw []byte) {
	typ, raw := peekType(firstRaw)
	jobID := s.consumeStreamMessage(typ, raw)
	if jobID == "" {
		return
	}

	for {
		t, raw, err := r.ReadMessage()
		if err != nil {
			return
		}
		if id := s.consumeStreamMessage(t, raw); id == "" {
			return
		}
	}
}

// peekType re-derives the envelope type for a message already read as
// the connection's first line (ReadMessage already gave us the type
// alongside it, but this keeps handleAgentStream's loop body uniform).
func peekType(raw []byte) (string, []byte) {
	var env protocol.Envelope
	_ = protocol.Decode(raw, &env)
	return env.Type, raw
}

// consumeStreamMessage applies one out/exit message to the job's output
// hub and job table, returning the job ID on success or "" if the
// message was malformed or unrecognized (signaling the caller to close).
func (s *Server) consumeStreamMessage(typ string, raw []byte) string {
	switch typ {
	case protocol.TypeOut:
		var m protocol.OutMsg
		if err := protocol.Decode(raw, &m); err != nil {
			return ""
		}
		data, err := base64.StdEncoding.DecodeString(m.Data)
		if err != nil {
			return ""
		}
		s.out.Job(m.JobID).Publish(output.Chunk{Stream: m.Stream, Data: data})
		return m.JobID
	case protocol.TypeExit:
		var m protocol.ExitMsg
		if err := protocol.Decode(raw, &m); err != nil {
			return ""
		}
		s.finishJob(m)
		sig := ""
		if m.Signal != nil {
			sig = *m.Signal
		}
		s.out.Retire(m.JobID, output.ExitNotice{Code: m.Code, Signal: sig})
		return m.JobID
	default:
		return ""
	}
}

// finishJob transitions a running/cancelling job to its terminal status
// on receipt of the agent's exit report, and releases its GPUs.
func (s *Server) finishJob(m protocol.ExitMsg) {
	s.jobs.Mutate(m.JobID, func(j *jobqueue.Job) {
		if j.Status.Terminal() {
			return
		}
		code := m.Code
		j.ExitCode = &code
		if j.Status == jobqueue.StatusCancelling {
			j.Status = jobqueue.StatusCancelled
		} else if m.Code == 0 && m.Signal == nil {
			j.Status = jobqueue.StatusCompleted
		} else {
			j.Status = jobqueue.StatusFailed
			if m.Signal != nil {
				j.FailReason = "signaled:" + *m.Signal
			} else {
				j.FailReason = "nonzero-exit"
			}
		}
		s.releaseJobGPUs(j)
	})
	s.sched.Wake()
}

func (s *Server) releaseJobGPUs(j *jobqueue.Job) {
	for _, a := range j.Assignment {
		s.nodes.Mutate(a.NodeID, func(n *registry.Node) {
			for i := range n.GPUs {
				if n.GPUs[i].JobID == j.ID {
					n.GPUs[i].Assigned = false
					n.GPUs[i].JobID = ""
				}
			}
		})
	}
}

func (s *Server) handleSubmit(w *protocol.Writer, raw []byte) {
	var msg protocol.SubmitMsg
	if err := protocol.Decode(raw, &msg); err != nil {
		w.WriteMessage(protocol.SubmitResponse{Type: protocol.TypeSubmit, Ok: false, Reason: protocol.ReasonInvalidSpec})
		return
	}
	if reason, ok := validateSpec(msg.Spec); !ok {
		w.WriteMessage(protocol.SubmitResponse{Type: protocol.TypeSubmit, Ok: false, Reason: reason})
		return
	}
	if reason, ok := s.feasible(msg.Spec); !ok {
		w.WriteMessage(protocol.SubmitResponse{Type: protocol.TypeSubmit, Ok: false, Reason: reason})
		return
	}

	job, err := s.jobs.Create(msg.Spec, time.Now())
	if err != nil {
		w.WriteMessage(protocol.SubmitResponse{Type: protocol.TypeSubmit, Ok: false, Reason: protocol.ReasonInvalidSpec})
		return
	}
	s.sched.Wake()

	resp := protocol.SubmitResponse{Type: protocol.TypeSubmit, Ok: true, JobID: job.ID}
	if msg.Spec.Interactive {
		resp.AttachEndpoint = fmt.Sprintf("%s:%d", s.addr.Host, s.addr.Port)
	}
	w.WriteMessage(resp)
}

func validateSpec(spec protocol.JobSpec) (string, bool) {
	if spec.Command == "" {
		return protocol.ReasonInvalidSpec, false
	}
	if len(spec.NodeGPUPins) == 0 && spec.RequestedGPUs <= 0 {
		return protocol.ReasonInvalidSpec, false
	}
	switch spec.DistributedKind {
	case "", "none", "torch-distributed", "mpi":
	default:
		return protocol.ReasonInvalidSpec, false
	}
	return "", true
}

// feasible rejects a submission outright when it can never be satisfied
// by the known cluster (a pin naming an unknown node or a GPU index that
// node does not have, or a pool request larger than the cluster's total
// GPU count), rather than leaving it queued forever. A pin on a known but
// offline node is accepted here; the scheduler fails that job.
func (s *Server) feasible(spec protocol.JobSpec) (string, bool) {
	if len(spec.NodeGPUPins) > 0 {
		for _, pin := range spec.NodeGPUPins {
			node, ok := s.nodes.Get(pin.NodeID)
			if !ok {
				return protocol.ReasonResourceUnsatisfiable, false
			}
			for _, want := range pin.LocalGPUIDs {
				found := false
				for _, g := range node.GPUs {
					if g.Info.LocalIndex == want {
						found = true
						break
					}
				}
				if !found {
					return protocol.ReasonResourceUnsatisfiable, false
				}
			}
		}
		return "", true
	}

	total := 0
	for _, n := range s.nodes.All() {
		total += n.TotalGPUs()
	}
	if total > 0 && spec.RequestedGPUs > total {
		return protocol.ReasonResourceUnsatisfiable, false
	}
	return "", true
}

func (s *Server) handleQueue(w *protocol.Writer) {
	resp := protocol.QueueResponse{Type: protocol.TypeQueue}
	for _, j := range s.jobs.All() {
		view := protocol.JobView{
			ID:              j.ID,
			Owner:           j.Owner,
			Command:         j.Command,
			Priority:        j.Priority,
			Status:          string(j.Status),
			RequestedGPUs:   j.RequestedGPUs,
			AssignmentDesc:  j.AssignmentViews(),
			SubmittedAtUnix: j.SubmittedAt.Unix(),
			ExitCode:        j.ExitCode,
			RetryCount:      j.RetryCount,
		}
		resp.Jobs = append(resp.Jobs, view)
	}
	for _, n := range s.nodes.All() {
		resp.Nodes = append(resp.Nodes, protocol.NodeView{
			ID:            n.ID,
			Status:        string(n.Status),
			TotalGPUs:     n.TotalGPUs(),
			FreeGPUs:      len(n.FreeGPUIndices()),
			FailureCount:  n.FailureCount,
			LastHeartbeat: n.LastHeartbeatAt.Unix(),
			Host:          n.Host,
		})
	}
	w.WriteMessage(resp)
}

func (s *Server) handleClientCancel(ctx context.Context, w *protocol.Writer, raw []byte) {
	var msg protocol.CancelClientMsg
	if err := protocol.Decode(raw, &msg); err != nil {
		w.WriteMessage(protocol.CancelResponse{Type: protocol.TypeCancel, Ok: false, Reason: protocol.ReasonInvalidSpec})
		return
	}

	job, ok := s.jobs.Get(msg.JobID)
	if !ok {
		w.WriteMessage(protocol.CancelResponse{Type: protocol.TypeCancel, Ok: false, Reason: protocol.ReasonUnknownJob})
		return
	}

	prior := job.Status
	switch prior {
	case jobqueue.StatusQueued:
		s.jobs.Mutate(msg.JobID, func(j *jobqueue.Job) { j.Status = jobqueue.StatusCancelled })
		s.out.Retire(msg.JobID, output.ExitNotice{Code: -1, Signal: "cancelled"})
	case jobqueue.StatusRunning:
		s.jobs.Mutate(msg.JobID, func(j *jobqueue.Job) { j.Status = jobqueue.StatusCancelling })
		go s.driveCancel(ctx, msg.JobID)
	default:
		// cancelling, or already terminal: cancel is idempotent.
	}
	w.WriteMessage(protocol.CancelResponse{Type: protocol.TypeCancel, Ok: true, PriorStatus: string(prior)})
}

// driveCancel sends cancel to every node in the job's assignment, waits
// for the agents' exit reports, and force-retires the job if none
// arrives within CancelGrace.
func (s *Server) driveCancel(ctx context.Context, jobID string) {
	job, ok := s.jobs.Get(jobID)
	if !ok {
		return
	}
	for _, a := range job.Assignment {
		node, ok := s.nodes.Get(a.NodeID)
		if !ok {
			continue
		}
		if err := s.dialer.Cancel(ctx, node, jobID); err != nil {
			s.logger.Warn("cancel rpc failed", zap.String("job_id", jobID), zap.String("node_id", a.NodeID), zap.Error(err))
		}
	}

	deadline := time.NewTimer(CancelGrace)
	defer deadline.Stop()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if j, ok := s.jobs.Get(jobID); ok && j.Status.Terminal() {
				return
			}
		case <-deadline.C:
			s.jobs.Mutate(jobID, func(j *jobqueue.Job) {
				if j.Status.Terminal() {
					return
				}
				j.Status = jobqueue.StatusCancelled
				s.releaseJobGPUs(j)
			})
			s.out.Retire(jobID, output.ExitNotice{Code: -1, Signal: "cancelled"})
			s.sched.Wake()
			return
		}
	}
}

func (s *Server) handleAttach(conn net.Conn, w *protocol.Writer, raw []byte) {
	var msg protocol.AttachMsg
	if err := protocol.Decode(raw, &msg); err != nil {
		w.WriteMessage(protocol.ErrorMsg{Type: protocol.TypeError, Ok: false, Reason: protocol.ReasonInvalidSpec})
		return
	}

	job, ok := s.jobs.Get(msg.JobID)
	if !ok {
		w.WriteMessage(protocol.ErrorMsg{Type: protocol.TypeError, Ok: false, Reason: protocol.ReasonUnknownJob})
		return
	}
	// A queued job is attachable: an interactive submit attaches
	// immediately, racing the scheduler, and a pinned or low-priority job
	// may legitimately wait a long time for resources. The subscription
	// just waits on the hub until output (or a terminal notice) arrives.
	// Only a terminal job whose retained output has already been
	// discarded is turned away.
	if job.Status.Terminal() {
		if _, live := s.out.Lookup(msg.JobID); !live {
			w.WriteMessage(protocol.ErrorMsg{Type: protocol.TypeError, Ok: false, Reason: protocol.ReasonNotRunningNoHistory})
			return
		}
	}

	subID := uuid.NewString()
	sub := s.out.Job(msg.JobID).Attach(subID)
	defer s.out.Job(msg.JobID).Detach(subID)

	// The client sends nothing after the attach message, so a read
	// returning is the disconnect signal — needed to honor the
	// cancel-on-disconnect tie even for a job producing no output.
	clientGone := make(chan struct{})
	go func() {
		buf := make([]byte, 1)
		for {
			if _, err := conn.Read(buf); err != nil {
				close(clientGone)
				return
			}
		}
	}()

	writeChunk := func(chunk output.Chunk) error {
		return w.WriteMessage(protocol.OutMsg{
			Type:   protocol.TypeOut,
			JobID:  msg.JobID,
			Stream: chunk.Stream,
			Data:   base64.StdEncoding.EncodeToString(chunk.Data),
		})
	}

	for _, chunk := range sub.History {
		if err := writeChunk(chunk); err != nil {
			s.cancelOnDisconnect(msg.JobID)
			return
		}
	}

	chunks := sub.Chunks()
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				// Closed at exit too; the exit notice still waits on Done.
				chunks = nil
				continue
			}
			if err := writeChunk(chunk); err != nil {
				s.cancelOnDisconnect(msg.JobID)
				return
			}
		case notice, ok := <-sub.Done():
			if !ok {
				return
			}
			for chunk := range sub.Chunks() {
				if err := writeChunk(chunk); err != nil {
					return
				}
			}
			var sig *string
			if notice.Signal != "" {
				sig = &notice.Signal
			}
			w.WriteMessage(protocol.ExitMsg{Type: protocol.TypeExit, JobID: msg.JobID, Code: notice.Code, Signal: sig})
			return
		case <-clientGone:
			s.cancelOnDisconnect(msg.JobID)
			return
		}
	}
}

// cancelOnDisconnect enforces the interactive tie: a job submitted with
// cancel_on_disconnect set is cancelled when its attached client's
// stream drops. Jobs without the flag just lose the attachment.
func (s *Server) cancelOnDisconnect(jobID string) {
	job, ok := s.jobs.Get(jobID)
	if !ok || !job.CancelOnDisconnect {
		return
	}
	switch job.Status {
	case jobqueue.StatusQueued:
		s.jobs.Mutate(jobID, func(j *jobqueue.Job) {
			if j.Status == jobqueue.StatusQueued {
				j.Status = jobqueue.StatusCancelled
			}
		})
		s.out.Retire(jobID, output.ExitNotice{Code: -1, Signal: "cancelled"})
		s.logger.Info("cancelled queued job after client disconnect", zap.String("job_id", jobID))
	case jobqueue.StatusRunning:
		s.jobs.Mutate(jobID, func(j *jobqueue.Job) {
			if j.Status == jobqueue.StatusRunning {
				j.Status = jobqueue.StatusCancelling
			}
		})
		s.logger.Info("cancelling running job after client disconnect", zap.String("job_id", jobID))
		go s.driveCancel(context.Background(), jobID)
	}
}
