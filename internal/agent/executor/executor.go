// Package executor turns a master's start message into a running,
// streamed, and eventually reported job: building the job's environment
// and debug banner, handing the command to the supervisor, and relaying
// output plus the final exit report back over a dedicated connection.
package executor

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mgpu-io/mgpu/internal/agent/supervisor"
	"github.com/mgpu-io/mgpu/internal/protocol"
)

// queueSize bounds how many start requests can be pending dispatch
// before the agent starts rejecting new ones — a node only has so many
// GPUs, so an unbounded backlog here would just mask a placement bug.
const queueSize = 16

// StreamDialer opens the dedicated per-job output connection to the
// master and returns it ready for writing out/exit messages.
type StreamDialer interface {
	DialStream(ctx context.Context) (net.Conn, error)
}

// Executor runs jobs assigned by the master, one goroutine per job.
type Executor struct {
	nodeID     string
	hostname   string
	resolvedIP string
	sup        *supervisor.Supervisor
	dialer     StreamDialer
	logger     *zap.Logger

	queue chan protocol.StartMsg

	mu       sync.Mutex
	assigned map[string][]int // job id -> local GPU indices held while running
}

// New creates an Executor. hostname/resolvedIP feed the contractual
// debug banner prepended to every job command.
func New(nodeID, hostname, resolvedIP string, sup *supervisor.Supervisor, dialer StreamDialer, logger *zap.Logger) *Executor {
	return &Executor{
		nodeID:     nodeID,
		hostname:   hostname,
		resolvedIP: resolvedIP,
		sup:        sup,
		dialer:     dialer,
		logger:     logger.Named("executor"),
		queue:      make(chan protocol.StartMsg, queueSize),
		assigned:   make(map[string][]int),
	}
}

// Enqueue accepts a start request for asynchronous execution. Returns
// false if the queue is full — the caller should answer the start RPC
// with an error rather than blocking the agent's command handler.
func (e *Executor) Enqueue(msg protocol.StartMsg) bool {
	select {
	case e.queue <- msg:
		return true
	default:
		return false
	}
}

// Run drains the queue, launching each job in its own goroutine, until
// ctx is cancelled.
func (e *Executor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-e.queue:
			wg.Add(1)
			go func(m protocol.StartMsg) {
				defer wg.Done()
				e.execute(ctx, m)
			}(msg)
		}
	}
}

// Cancel forwards a cancellation to the supervisor for jobID.
func (e *Executor) Cancel(jobID string) {
	e.sup.Cancel(jobID)
}

// AssignedLocalGPUs returns the local GPU indices currently held by jobs
// this executor is running — the agent-side source of truth for which
// GPUs are free to report in a heartbeat or resources reply.
func (e *Executor) AssignedLocalGPUs() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []int
	for _, gpus := range e.assigned {
		out = append(out, gpus...)
	}
	return out
}

func (e *Executor) execute(ctx context.Context, msg protocol.StartMsg) {
	e.mu.Lock()
	e.assigned[msg.JobID] = msg.AssignedLocalGPUs
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.assigned, msg.JobID)
		e.mu.Unlock()
	}()

	// Output delivery is best-effort: a stream that can't be opened (or
	// drops mid-job) never prevents the job itself from running — the
	// sink redials a bounded number of times and drops chunks in between.
	sink := newStreamSink(ctx, msg.JobID, e.dialer, e.logger)
	defer sink.close()
	if err := sink.connect(); err != nil {
		e.logger.Warn("output stream unavailable at job start, continuing without it", zap.String("job_id", msg.JobID), zap.Error(err))
	}

	command := e.buildCommand(msg)
	env := e.buildEnv(msg)

	e.logger.Info("starting job", zap.String("job_id", msg.JobID), zap.Ints("gpus", msg.AssignedLocalGPUs))
	result, err := e.sup.Run(msg.JobID, command, env, sink)
	if err != nil {
		e.logger.Error("job failed to start", zap.String("job_id", msg.JobID), zap.Error(err))
		result = supervisor.Result{ExitCode: -1}
	}

	var sig *string
	if result.Signal != "" {
		sig = &result.Signal
	}
	if err := sink.writeExit(protocol.ExitMsg{Type: protocol.TypeExit, JobID: msg.JobID, Code: result.ExitCode, Signal: sig}); err != nil {
		e.logger.Error("failed to report job exit to master", zap.String("job_id", msg.JobID), zap.Error(err))
	}
}

// buildCommand prepends the contractual debug banner to the user's
// command — clients and logs rely on this prologue.
func (e *Executor) buildCommand(msg protocol.StartMsg) string {
	banner := fmt.Sprintf(
		"echo '[mgpu] job=%s node=%s host=%s ip=%s'",
		msg.JobID, msg.NodeID, e.hostname, e.resolvedIP,
	)
	return banner + "; " + msg.Command
}

// buildEnv constructs the child process's environment: the agent's own
// environment plus CUDA_VISIBLE_DEVICES, any caller-supplied extras, and
// (for distributed jobs) the torch-distributed rendezvous variables.
func (e *Executor) buildEnv(msg protocol.StartMsg) []string {
	env := os.Environ()

	indices := make([]string, len(msg.AssignedLocalGPUs))
	for i, g := range msg.AssignedLocalGPUs {
		indices[i] = strconv.Itoa(g)
	}
	env = append(env, "CUDA_VISIBLE_DEVICES="+strings.Join(indices, ","))

	for k, v := range msg.EnvExtras {
		env = append(env, k+"="+v)
	}

	if msg.Distributed.Kind == "torch-distributed" {
		env = append(env,
			fmt.Sprintf("MASTER_ADDR=%s", msg.Distributed.MasterHost),
			fmt.Sprintf("MASTER_PORT=%d", msg.Distributed.MasterPort),
			fmt.Sprintf("WORLD_SIZE=%d", msg.Distributed.WorldSize),
			fmt.Sprintf("RANK=%d", msg.Distributed.Rank),
			// One shell process per node carries all of that node's assigned
			// GPUs (see CUDA_VISIBLE_DEVICES above), so the local rank within
			// the node is always 0 — there is no second process to be rank 1.
			"LOCAL_RANK=0",
		)
	}
	return env
}

// redialBudget bounds how many times a job's output stream is re-opened
// after the initial connect — the stream is best-effort and must never
// hold the job hostage, but a transient master restart shouldn't
// permanently silence a long-running job either.
const redialBudget = 5

// streamSink adapts supervisor.Sink to write out messages to the job's
// dedicated master connection, base64-encoding each chunk. It owns the
// connection: both pipe goroutines (stdout and stderr) write through it
// concurrently, and a failed write triggers a redial from the remaining
// budget. Chunks produced while no connection is up are dropped.
type streamSink struct {
	ctx    context.Context
	jobID  string
	dialer StreamDialer
	logger *zap.Logger

	mu          sync.Mutex
	conn        net.Conn
	w           *protocol.Writer
	redialsLeft int
}

func newStreamSink(ctx context.Context, jobID string, dialer StreamDialer, logger *zap.Logger) *streamSink {
	return &streamSink{ctx: ctx, jobID: jobID, dialer: dialer, logger: logger, redialsLeft: redialBudget}
}

// connect opens the initial stream connection.
func (s *streamSink) connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureConn()
}

// ensureConn dials if no connection is up, consuming one redial from the
// budget on failure. Callers hold s.mu.
func (s *streamSink) ensureConn() error {
	if s.w != nil {
		return nil
	}
	if s.redialsLeft <= 0 {
		return fmt.Errorf("executor: stream redial budget exhausted for job %s", s.jobID)
	}
	conn, err := s.dialer.DialStream(s.ctx)
	if err != nil {
		s.redialsLeft--
		return fmt.Errorf("executor: dial stream: %w", err)
	}
	s.conn = conn
	s.w = protocol.NewWriter(conn)
	return nil
}

// dropConn discards a connection whose write just failed. Callers hold s.mu.
func (s *streamSink) dropConn() {
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = nil
	s.w = nil
	s.redialsLeft--
}

func (s *streamSink) Write(stream string, data []byte) {
	msg := protocol.OutMsg{
		Type:   protocol.TypeOut,
		JobID:  s.jobID,
		Stream: stream,
		Data:   base64.StdEncoding.EncodeToString(data),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureConn(); err != nil {
		return
	}
	if err := s.w.WriteMessage(msg); err != nil {
		s.logger.Warn("output stream write failed, reconnecting", zap.String("job_id", s.jobID), zap.Error(err))
		s.dropConn()
		if err := s.ensureConn(); err != nil {
			return
		}
		if err := s.w.WriteMessage(msg); err != nil {
			s.dropConn()
		}
	}
}

// writeExit delivers the terminal exit report, redialing if the stream
// is down — this is the one message worth spending the whole remaining
// budget on, since the master retires the job on it.
func (s *streamSink) writeExit(msg protocol.ExitMsg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if err := s.ensureConn(); err != nil {
			if s.redialsLeft <= 0 {
				return err
			}
			continue
		}
		if err := s.w.WriteMessage(msg); err != nil {
			s.dropConn()
			if s.redialsLeft <= 0 {
				return err
			}
			continue
		}
		return nil
	}
}

func (s *streamSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
		s.w = nil
	}
}
