package supervisor

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// collectingSink records every chunk it receives, safe for concurrent use
// since Run streams stdout and stderr from separate goroutines.
type collectingSink struct {
	mu     sync.Mutex
	chunks map[string][]byte
}

func newCollectingSink() *collectingSink {
	return &collectingSink{chunks: make(map[string][]byte)}
}

func (s *collectingSink) Write(stream string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[stream] = append(s.chunks[stream], data...)
}

func (s *collectingSink) get(stream string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.chunks[stream])
}

func TestRunStreamsStdoutAndReportsZeroExit(t *testing.T) {
	sup := New(zap.NewNop())
	sink := newCollectingSink()

	result, err := sup.Run("job-1", "echo hello", nil, sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", result.ExitCode)
	}
	if sink.get("stdout") != "hello\n" {
		t.Fatalf("expected stdout %q, got %q", "hello\n", sink.get("stdout"))
	}
}

func TestRunReportsNonZeroExitCode(t *testing.T) {
	sup := New(zap.NewNop())
	sink := newCollectingSink()

	result, err := sup.Run("job-1", "exit 7", nil, sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 7 {
		t.Fatalf("expected exit code 7, got %d", result.ExitCode)
	}
	if result.Signal != "" {
		t.Fatalf("expected no signal for a plain exit, got %q", result.Signal)
	}
}

func TestRunPropagatesEnv(t *testing.T) {
	sup := New(zap.NewNop())
	sink := newCollectingSink()

	_, err := sup.Run("job-1", `echo "$FOO"`, []string{"FOO=bar"}, sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sink.get("stdout") != "bar\n" {
		t.Fatalf("expected stdout %q, got %q", "bar\n", sink.get("stdout"))
	}
}

func TestRecordAndRunningJobIDsReflectLiveProcess(t *testing.T) {
	sup := New(zap.NewNop())
	sink := newCollectingSink()
	started := make(chan struct{})
	done := make(chan struct{})

	go func() {
		close(started)
		sup.Run("job-long", "sleep 0.3", nil, sink)
		close(done)
	}()
	<-started

	deadline := time.Now().Add(time.Second)
	var rec Record
	var ok bool
	for time.Now().Before(deadline) {
		rec, ok = sup.Record("job-long")
		if ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !ok {
		t.Fatal("expected a process record while the job is running")
	}
	if rec.Tag == "" {
		t.Fatal("expected a non-empty correlation tag")
	}
	if rec.PGID <= 0 {
		t.Fatalf("expected a positive pgid, got %d", rec.PGID)
	}

	ids := sup.RunningJobIDs()
	if len(ids) != 1 || ids[0] != "job-long" {
		t.Fatalf("expected RunningJobIDs == [job-long], got %v", ids)
	}

	<-done
	if _, ok := sup.Record("job-long"); ok {
		t.Fatal("expected no record once the job has exited")
	}
}

func TestCancelTerminatesProcessViaSIGTERM(t *testing.T) {
	sup := New(zap.NewNop())
	sink := newCollectingSink()
	started := make(chan struct{})
	resultCh := make(chan Result, 1)

	go func() {
		close(started)
		// trap() makes the shell exit 0 on SIGTERM instead of the
		// default signal-kill behavior, so this exercises the
		// graceful side of Cancel rather than the SIGKILL escalation.
		result, _ := sup.Run("job-cancel", "trap 'exit 0' TERM; sleep 5 & wait", nil, sink)
		resultCh <- result
	}()
	<-started
	time.Sleep(50 * time.Millisecond)

	cancelDone := make(chan struct{})
	go func() {
		sup.Cancel("job-cancel")
		close(cancelDone)
	}()

	select {
	case <-cancelDone:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Cancel to return well before the 10s SIGKILL grace period")
	}

	select {
	case result := <-resultCh:
		if result.Signal != "" {
			t.Fatalf("expected a clean exit after trapping SIGTERM, got signal %q", result.Signal)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Run to return after Cancel")
	}
}

func TestCancelOnUnknownJobIsANoop(t *testing.T) {
	sup := New(zap.NewNop())
	sup.Cancel("never-started")
}

func TestInterpretWaitErrorNilIsCleanExit(t *testing.T) {
	result := interpretWaitError(nil)
	if result.ExitCode != 0 || result.Signal != "" {
		t.Fatalf("expected a clean zero exit, got %+v", result)
	}
}
