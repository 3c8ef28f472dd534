package connection

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mgpu-io/mgpu/internal/agent/executor"
	"github.com/mgpu-io/mgpu/internal/agent/hostinfo"
	"github.com/mgpu-io/mgpu/internal/agent/supervisor"
	"github.com/mgpu-io/mgpu/internal/protocol"
)

func TestFreeIndicesExcludesHeldGPUs(t *testing.T) {
	gpus := []protocol.GPUInfo{{LocalIndex: 0}, {LocalIndex: 1}, {LocalIndex: 2}}

	// freeIndices reads AssignedLocalGPUs(), which only reflects jobs the
	// executor has started running via execute(), not merely enqueued —
	// so drive it through Run with a dialer that never completes the
	// stream, just long enough to observe the assignment.
	exec := executor.New("n1", "host", "ip", supervisor.New(zap.NewNop()), &blockingDialer{}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go exec.Run(ctx)
	exec.Enqueue(protocol.StartMsg{JobID: "held", AssignedLocalGPUs: []int{1}})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(exec.AssignedLocalGPUs()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	free := freeIndices(gpus, exec)
	if len(free) != 2 || free[0] != 0 || free[1] != 2 {
		t.Fatalf("expected free indices [0 2], got %v", free)
	}
}

// blockingDialer's DialStream blocks until ctx is cancelled, holding the
// job "running" (and its GPU assigned) for the duration of a test.
type blockingDialer struct{}

func (blockingDialer) DialStream(ctx context.Context) (net.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestToHostInfoMapsAllFields(t *testing.T) {
	snap := hostinfo.Snapshot{
		Hostname:      "h1",
		CPUCount:      8,
		TotalMemoryMB: 16000,
		UsedMemoryMB:  4000,
		UptimeSeconds: 3600,
	}
	info := toHostInfo(snap)
	if info.Hostname != "h1" || info.CPUCount != 8 || info.TotalMemoryMB != 16000 || info.UsedMemoryMB != 4000 || info.UptimeSeconds != 3600 {
		t.Fatalf("unexpected mapping: %+v", info)
	}
}

func TestNextBackoffDoublesUntilCap(t *testing.T) {
	cur := backoffInitial
	for i := 0; i < 10; i++ {
		cur = nextBackoff(cur)
		if cur > backoffMax {
			t.Fatalf("backoff exceeded cap: %v", cur)
		}
	}
	if cur != backoffMax {
		t.Fatalf("expected backoff to have reached the cap %v after repeated doubling, got %v", backoffMax, cur)
	}
}

func TestJitterStaysWithinFractionBounds(t *testing.T) {
	d := 10 * time.Second
	lower := d - time.Duration(float64(d)*jitterFraction)
	upper := d + time.Duration(float64(d)*jitterFraction)
	for i := 0; i < 50; i++ {
		got := jitter(d)
		if got < lower || got > upper {
			t.Fatalf("jitter(%v) = %v, outside [%v, %v]", d, got, lower, upper)
		}
	}
}

func TestHandleCommandStartEnqueuesAndAcks(t *testing.T) {
	sup := supervisor.New(zap.NewNop())
	exec := executor.New("n1", "host", "ip", sup, &blockingDialer{}, zap.NewNop())
	m := &Manager{nodeID: "n1", sup: sup, exec: exec, logger: zap.NewNop()}

	client, server := net.Pipe()
	defer client.Close()
	go m.handleCommand(server)

	w := protocol.NewWriter(client)
	r := protocol.NewReader(client)
	if err := w.WriteMessage(protocol.StartMsg{
		Type:              protocol.TypeStart,
		JobID:             "job-1",
		AssignedLocalGPUs: []int{0},
		StreamAddr:        protocol.NodeAddress{Host: "127.0.0.1", Port: 1},
	}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	typ, raw, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if typ != protocol.TypeAck {
		t.Fatalf("expected ack, got %q", typ)
	}
	var ack protocol.AckMsg
	if err := protocol.Decode(raw, &ack); err != nil || !ack.Ok {
		t.Fatalf("expected Ok ack, got %+v err=%v", ack, err)
	}
}

func TestHandleCommandUnknownTypeRespondsError(t *testing.T) {
	sup := supervisor.New(zap.NewNop())
	exec := executor.New("n1", "host", "ip", sup, &blockingDialer{}, zap.NewNop())
	m := &Manager{nodeID: "n1", sup: sup, exec: exec, logger: zap.NewNop()}

	client, server := net.Pipe()
	defer client.Close()
	go m.handleCommand(server)

	w := protocol.NewWriter(client)
	r := protocol.NewReader(client)
	if err := w.WriteMessage(map[string]string{"type": "something-else"}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	typ, _, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if typ != protocol.TypeError {
		t.Fatalf("expected error response for unknown type, got %q", typ)
	}
}
