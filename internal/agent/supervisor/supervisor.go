// Package supervisor owns the agent's process-group lifecycle: spawning
// a job's command as a session leader so the whole process tree can be
// signaled as a unit, streaming its combined output, and tearing it down
// on cancel with a SIGTERM-then-SIGKILL escalation followed by a
// process-tree sweep for stragglers.
package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// chunkSize bounds each output write forwarded to the caller.
const chunkSize = 64 * 1024

// terminationGrace is how long the supervisor waits after SIGTERM before
// escalating to SIGKILL.
const terminationGrace = 10 * time.Second

// Sink receives a running job's output chunks as they are produced.
type Sink interface {
	Write(stream string, data []byte)
}

// Result describes how a supervised process ended.
type Result struct {
	ExitCode int
	Signal   string // empty unless the process was killed by a signal
}

// Record is the agent's bookkeeping entry for one running job.
type Record struct {
	JobID     string
	PGID      int
	Tag       string // correlation id for this run, stable across log lines
	StartedAt time.Time
}

// entry is the supervisor's internal handle on a running process, kept
// only long enough to service a cancel.
type entry struct {
	cmd       *exec.Cmd
	pgid      int
	tag       string
	startedAt time.Time
	canceled  bool
}

// Supervisor tracks the agent's currently running job processes.
type Supervisor struct {
	mu     sync.Mutex
	procs  map[string]*entry
	logger *zap.Logger
}

// New creates an empty Supervisor.
func New(logger *zap.Logger) *Supervisor {
	return &Supervisor{procs: make(map[string]*entry), logger: logger.Named("supervisor")}
}

// Run spawns command as a new process-group leader, streams its combined
// stdout/stderr to sink in chunkSize pieces, and blocks until it exits.
// Run takes no context — cancellation is driven exclusively through
// Cancel.
func (s *Supervisor) Run(jobID, command string, env []string, sink Sink) (Result, error) {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("supervisor: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("supervisor: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("supervisor: start: %w", err)
	}
	pgid := cmd.Process.Pid
	tag := uuid.NewString()

	s.mu.Lock()
	s.procs[jobID] = &entry{cmd: cmd, pgid: pgid, tag: tag, startedAt: time.Now()}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.procs, jobID)
		s.mu.Unlock()
	}()

	s.logger.Info("process group started", zap.String("job_id", jobID), zap.String("tag", tag), zap.Int("pgid", pgid))

	var wg sync.WaitGroup
	wg.Add(2)
	go streamPipe(&wg, stdout, "stdout", sink)
	go streamPipe(&wg, stderr, "stderr", sink)
	wg.Wait()

	err = cmd.Wait()
	return interpretWaitError(err), nil
}

// streamPipe copies r to sink in chunkSize pieces until EOF.
func streamPipe(wg *sync.WaitGroup, r io.Reader, stream string, sink Sink) {
	defer wg.Done()
	buf := make([]byte, chunkSize)
	reader := bufio.NewReaderSize(r, chunkSize)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			sink.Write(stream, chunk)
		}
		if err != nil {
			return
		}
	}
}

// interpretWaitError turns exec.Cmd.Wait's error (or nil) into a Result.
func interpretWaitError(err error) Result {
	if err == nil {
		return Result{ExitCode: 0}
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return Result{ExitCode: -1}
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return Result{ExitCode: exitErr.ExitCode()}
	}
	if status.Signaled() {
		return Result{ExitCode: -1, Signal: status.Signal().String()}
	}
	return Result{ExitCode: status.ExitStatus()}
}

// Cancel terminates the job's process group: SIGTERM, wait up to
// terminationGrace, SIGKILL if still alive, then a process-tree sweep to
// reap any descendants that escaped the group. Idempotent and safe to
// call on a job that has already exited or was never started here.
func (s *Supervisor) Cancel(jobID string) {
	s.mu.Lock()
	e, ok := s.procs[jobID]
	if !ok || e.canceled {
		s.mu.Unlock()
		return
	}
	e.canceled = true
	pgid := e.pgid
	s.mu.Unlock()

	s.logger.Info("cancelling job", zap.String("job_id", jobID), zap.Int("pgid", pgid))
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	deadline := time.After(terminationGrace)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !groupAlive(pgid) {
			break
		}
		select {
		case <-deadline:
			s.logger.Warn("job did not exit after SIGTERM, sending SIGKILL", zap.String("job_id", jobID), zap.Int("pgid", pgid))
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
			goto sweep
		case <-ticker.C:
		}
	}
sweep:
	sweepStragglers(pgid, s.logger)
}

// groupAlive reports whether any process in pgid's group still exists,
// by checking whether signal 0 can be delivered.
func groupAlive(pgid int) bool {
	return syscall.Kill(-pgid, syscall.Signal(0)) == nil
}

// sweepStragglers walks the full process table after the kill signals
// were sent and force-kills anything the group signal could have
// missed: every process still in pgid's group, plus every process whose
// parent chain roots at the group leader or at any process in the group
// — the latter catches descendants that re-grouped themselves via
// setsid while their parent was still alive. A straggler that already
// reparented to init before the sweep has no traceable ancestry and is
// out of reach. Orphaned descendants are treated as a correctness bug,
// not cosmetic cleanup.
func sweepStragglers(pgid int, logger *zap.Logger) {
	procs, err := process.Processes()
	if err != nil {
		logger.Warn("process sweep: failed to list processes", zap.Error(err))
		return
	}

	children := make(map[int32][]int32, len(procs))
	for _, p := range procs {
		ppid, err := p.Ppid()
		if err != nil {
			continue
		}
		children[ppid] = append(children[ppid], p.Pid)
	}

	doomed := map[int32]bool{int32(pgid): true}
	for _, p := range procs {
		if actual, err := syscall.Getpgid(int(p.Pid)); err == nil && actual == pgid {
			doomed[p.Pid] = true
		}
	}
	queue := make([]int32, 0, len(doomed))
	for pid := range doomed {
		queue = append(queue, pid)
	}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		for _, child := range children[pid] {
			if !doomed[child] {
				doomed[child] = true
				queue = append(queue, child)
			}
		}
	}

	for pid := range doomed {
		if syscall.Kill(int(pid), syscall.Signal(0)) != nil {
			continue
		}
		logger.Warn("killing straggler process after cancel", zap.Int32("pid", pid), zap.Int("pgid", pgid))
		_ = syscall.Kill(int(pid), syscall.SIGKILL)
	}
}

// Record returns the process record for jobID, if it is currently
// running under this supervisor.
func (s *Supervisor) Record(jobID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.procs[jobID]
	if !ok {
		return Record{}, false
	}
	return Record{JobID: jobID, PGID: e.pgid, Tag: e.tag, StartedAt: e.startedAt}, true
}

// RunningJobIDs returns the IDs of jobs currently supervised, for
// heartbeat reporting.
func (s *Supervisor) RunningJobIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	return ids
}
