package executor

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mgpu-io/mgpu/internal/agent/supervisor"
	"github.com/mgpu-io/mgpu/internal/protocol"
)

func TestBuildEnvSetsCudaVisibleDevicesAndExtras(t *testing.T) {
	e := New("node-1", "host-1", "10.0.0.1", supervisor.New(zap.NewNop()), nil, zap.NewNop())
	msg := protocol.StartMsg{
		AssignedLocalGPUs: []int{0, 2},
		EnvExtras:         map[string]string{"FOO": "bar"},
	}
	env := e.buildEnv(msg)

	if !containsEnv(env, "CUDA_VISIBLE_DEVICES=0,2") {
		t.Fatalf("expected CUDA_VISIBLE_DEVICES=0,2 in %v", env)
	}
	if !containsEnv(env, "FOO=bar") {
		t.Fatalf("expected FOO=bar in %v", env)
	}
}

func TestBuildEnvDistributedAlwaysSetsLocalRankZero(t *testing.T) {
	e := New("node-1", "host-1", "10.0.0.1", supervisor.New(zap.NewNop()), nil, zap.NewNop())
	msg := protocol.StartMsg{
		AssignedLocalGPUs: []int{0},
		Distributed: protocol.DistributedConfig{
			Kind:       "torch-distributed",
			MasterHost: "node-0",
			MasterPort: 29500,
			WorldSize:  2,
			Rank:       1,
		},
	}
	env := e.buildEnv(msg)

	if !containsEnv(env, "LOCAL_RANK=0") {
		t.Fatalf("expected LOCAL_RANK=0 regardless of global RANK, got %v", env)
	}
	if !containsEnv(env, "RANK=1") {
		t.Fatalf("expected RANK=1 preserved, got %v", env)
	}
	if !containsEnv(env, "WORLD_SIZE=2") {
		t.Fatalf("expected WORLD_SIZE=2, got %v", env)
	}
}

func TestBuildCommandPrependsDebugBanner(t *testing.T) {
	e := New("node-1", "my-host", "10.0.0.5", supervisor.New(zap.NewNop()), nil, zap.NewNop())
	cmd := e.buildCommand(protocol.StartMsg{JobID: "job-42", NodeID: "node-1", Command: "python train.py"})

	if !strings.Contains(cmd, "job=job-42") || !strings.Contains(cmd, "node=node-1") {
		t.Fatalf("expected debug banner with job/node ids, got %q", cmd)
	}
	if !strings.Contains(cmd, "my-host") || !strings.Contains(cmd, "10.0.0.5") {
		t.Fatalf("expected debug banner with hostname/ip, got %q", cmd)
	}
	if !strings.HasSuffix(cmd, "python train.py") {
		t.Fatalf("expected the original command to still run, got %q", cmd)
	}
}

func TestAssignedLocalGPUsTracksRunningJobs(t *testing.T) {
	e := New("node-1", "host", "ip", supervisor.New(zap.NewNop()), &loopbackStreamDialer{}, zap.NewNop())
	done := make(chan struct{})

	go func() {
		e.execute(context.Background(), protocol.StartMsg{
			JobID:             "job-1",
			Command:           "sleep 0.2",
			AssignedLocalGPUs: []int{0, 1},
		})
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if gpus := e.AssignedLocalGPUs(); len(gpus) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if gpus := e.AssignedLocalGPUs(); len(gpus) != 2 {
		t.Fatalf("expected GPUs [0 1] held while the job runs, got %v", gpus)
	}

	<-done
	if gpus := e.AssignedLocalGPUs(); len(gpus) != 0 {
		t.Fatalf("expected no GPUs held after the job finishes, got %v", gpus)
	}
}

func containsEnv(env []string, want string) bool {
	for _, e := range env {
		if e == want {
			return true
		}
	}
	return false
}

// flakyDialer fails its first failures dials, then behaves like
// loopbackStreamDialer.
type flakyDialer struct {
	failures int
	attempts int
	loopback loopbackStreamDialer
}

func (d *flakyDialer) DialStream(ctx context.Context) (net.Conn, error) {
	d.attempts++
	if d.attempts <= d.failures {
		return nil, context.DeadlineExceeded
	}
	return d.loopback.DialStream(ctx)
}

func TestStreamSinkWriteExitRedialsAfterInitialFailure(t *testing.T) {
	d := &flakyDialer{failures: 2}
	sink := newStreamSink(context.Background(), "job-1", d, zap.NewNop())

	if err := sink.connect(); err == nil {
		t.Fatal("expected the first connect to fail")
	}
	defer sink.close()

	if err := sink.writeExit(protocol.ExitMsg{Type: protocol.TypeExit, JobID: "job-1", Code: 0}); err != nil {
		t.Fatalf("expected writeExit to succeed after redialing, got %v", err)
	}
	if d.attempts != 3 {
		t.Fatalf("expected 3 dial attempts (2 failures + 1 success), got %d", d.attempts)
	}
}

func TestStreamSinkGivesUpAfterRedialBudget(t *testing.T) {
	d := &flakyDialer{failures: redialBudget + 10}
	sink := newStreamSink(context.Background(), "job-1", d, zap.NewNop())

	// Writes while the stream is down are dropped, never blocking.
	for i := 0; i < redialBudget+3; i++ {
		sink.Write("stdout", []byte("chunk"))
	}
	if err := sink.writeExit(protocol.ExitMsg{Type: protocol.TypeExit, JobID: "job-1", Code: 0}); err == nil {
		t.Fatal("expected writeExit to fail once the redial budget is exhausted")
	}
	if d.attempts > redialBudget {
		t.Fatalf("expected at most %d dial attempts, got %d", redialBudget, d.attempts)
	}
}

// loopbackStreamDialer satisfies StreamDialer by connecting to an
// in-process listener that immediately discards whatever it's sent —
// enough to let execute() run to completion without a real master.
type loopbackStreamDialer struct{}

func (loopbackStreamDialer) DialStream(ctx context.Context) (net.Conn, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		discard := make([]byte, 4096)
		for {
			if _, err := conn.Read(discard); err != nil {
				return
			}
		}
	}()

	var d net.Dialer
	return d.DialContext(ctx, "tcp", ln.Addr().String())
}
