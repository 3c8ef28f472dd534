package dispatch

import (
	"context"
	"net"
	"testing"

	"go.uber.org/zap"

	"github.com/mgpu-io/mgpu/internal/master/registry"
	"github.com/mgpu-io/mgpu/internal/protocol"
)

// fakeAgent accepts exactly one connection and hands it to handle.
func fakeAgent(t *testing.T, handle func(conn net.Conn)) *registry.Node {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port := 0
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}
	return &registry.Node{ID: "n1", Address: protocol.NodeAddress{Host: host, Port: port}}
}

func TestDialerStartSucceedsOnAck(t *testing.T) {
	node := fakeAgent(t, func(conn net.Conn) {
		r := protocol.NewReader(conn)
		w := protocol.NewWriter(conn)
		typ, _, _ := r.ReadMessage()
		if typ != protocol.TypeStart {
			t.Errorf("expected start message, got %q", typ)
		}
		w.WriteMessage(protocol.AckMsg{Type: protocol.TypeAck, Ok: true})
	})

	d := New(zap.NewNop())
	if err := d.Start(context.Background(), node, protocol.StartMsg{Type: protocol.TypeStart, JobID: "job-1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestDialerStartFailsOnNegativeAck(t *testing.T) {
	node := fakeAgent(t, func(conn net.Conn) {
		r := protocol.NewReader(conn)
		w := protocol.NewWriter(conn)
		r.ReadMessage()
		w.WriteMessage(protocol.AckMsg{Type: protocol.TypeAck, Ok: false})
	})

	d := New(zap.NewNop())
	if err := d.Start(context.Background(), node, protocol.StartMsg{JobID: "job-1"}); err == nil {
		t.Fatal("expected an error on a negative ack")
	}
}

func TestDialerStartFailsOnErrorReply(t *testing.T) {
	node := fakeAgent(t, func(conn net.Conn) {
		r := protocol.NewReader(conn)
		w := protocol.NewWriter(conn)
		r.ReadMessage()
		w.WriteMessage(protocol.ErrorMsg{Type: protocol.TypeError, Ok: false, Reason: "agent-queue-full"})
	})

	d := New(zap.NewNop())
	if err := d.Start(context.Background(), node, protocol.StartMsg{JobID: "job-1"}); err == nil {
		t.Fatal("expected an error on an error-typed reply")
	}
}

func TestDialerCancelSendsCancelMessage(t *testing.T) {
	var gotJobID string
	node := fakeAgent(t, func(conn net.Conn) {
		r := protocol.NewReader(conn)
		w := protocol.NewWriter(conn)
		_, raw, _ := r.ReadMessage()
		var msg protocol.CancelMsg
		protocol.Decode(raw, &msg)
		gotJobID = msg.JobID
		w.WriteMessage(protocol.AckMsg{Type: protocol.TypeAck, Ok: true})
	})

	d := New(zap.NewNop())
	if err := d.Cancel(context.Background(), node, "job-7"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if gotJobID != "job-7" {
		t.Fatalf("expected cancel for job-7, agent saw %q", gotJobID)
	}
}

func TestDialerQueryResourcesReturnsAgentSnapshot(t *testing.T) {
	node := fakeAgent(t, func(conn net.Conn) {
		r := protocol.NewReader(conn)
		w := protocol.NewWriter(conn)
		r.ReadMessage()
		w.WriteMessage(protocol.ResourcesMsg{
			Type:     protocol.TypeResources,
			GPUs:     []protocol.GPUInfo{{LocalIndex: 0, TotalMemoryMB: 16000}},
			FreeGPUs: []int{0},
		})
	})

	d := New(zap.NewNop())
	resp, err := d.QueryResources(context.Background(), node)
	if err != nil {
		t.Fatalf("QueryResources: %v", err)
	}
	if len(resp.GPUs) != 1 || resp.GPUs[0].TotalMemoryMB != 16000 {
		t.Fatalf("unexpected GPUs in response: %+v", resp.GPUs)
	}
	if len(resp.FreeGPUs) != 1 || resp.FreeGPUs[0] != 0 {
		t.Fatalf("unexpected FreeGPUs: %v", resp.FreeGPUs)
	}
}

func TestDialerDialFailureReturnsError(t *testing.T) {
	node := &registry.Node{ID: "ghost", Address: protocol.NodeAddress{Host: "127.0.0.1", Port: 1}}
	d := New(zap.NewNop())
	if err := d.Start(context.Background(), node, protocol.StartMsg{JobID: "job-1"}); err == nil {
		t.Fatal("expected a dial error against a closed port")
	}
}
