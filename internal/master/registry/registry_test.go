package registry

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mgpu-io/mgpu/internal/protocol"
)

func TestRegisterInsertsOnlineNode(t *testing.T) {
	r := New(zap.NewNop())
	now := time.Now()

	node := r.Register(protocol.RegisterMsg{
		NodeID:  "n1",
		Address: protocol.NodeAddress{Host: "10.0.0.1", Port: 7781},
		GPUs: []protocol.GPUInfo{
			{LocalIndex: 0, TotalMemoryMB: 24000},
			{LocalIndex: 1, TotalMemoryMB: 24000},
		},
	}, now)

	if node.Status != StatusOnline {
		t.Fatalf("expected new node to be online, got %q", node.Status)
	}
	if node.TotalGPUs() != 2 {
		t.Fatalf("expected 2 GPUs, got %d", node.TotalGPUs())
	}
	got, ok := r.Get("n1")
	if !ok || got.ID != node.ID || got.TotalGPUs() != node.TotalGPUs() {
		t.Fatal("Get did not return the registered node")
	}
	// Accessors hand out snapshots; mutating one must not leak back.
	got.GPUs[0].Assigned = true
	fresh, _ := r.Get("n1")
	if fresh.GPUs[0].Assigned {
		t.Fatal("expected Get to return an independent copy of the node")
	}
}

func TestHeartbeatUnknownNodeReturnsFalse(t *testing.T) {
	r := New(zap.NewNop())
	if r.Heartbeat(protocol.HeartbeatMsg{NodeID: "ghost"}, time.Now()) {
		t.Fatal("expected heartbeat for an unregistered node to fail")
	}
}

func TestHeartbeatUpdatesFreeGPUsAndRecoversDegraded(t *testing.T) {
	r := New(zap.NewNop())
	now := time.Now()
	r.Register(protocol.RegisterMsg{
		NodeID: "n1",
		GPUs:   []protocol.GPUInfo{{LocalIndex: 0}, {LocalIndex: 1}},
	}, now)

	r.Mutate("n1", func(n *Node) { n.Status = StatusDegraded })

	ok := r.Heartbeat(protocol.HeartbeatMsg{NodeID: "n1", FreeGPUs: []int{1}}, now.Add(time.Second))
	if !ok {
		t.Fatal("expected heartbeat to succeed for a known node")
	}

	node, _ := r.Get("n1")
	if node.Status != StatusOnline {
		t.Fatalf("expected heartbeat to recover node to online, got %q", node.Status)
	}
	free := node.FreeGPUIndices()
	if len(free) != 1 || free[0] != 1 {
		t.Fatalf("expected only GPU 1 free, got %v", free)
	}
}

func TestOnlineExcludesDegradedAndOffline(t *testing.T) {
	r := New(zap.NewNop())
	now := time.Now()
	r.Register(protocol.RegisterMsg{NodeID: "online"}, now)
	r.Register(protocol.RegisterMsg{NodeID: "degraded"}, now)
	r.Register(protocol.RegisterMsg{NodeID: "offline"}, now)
	r.Mutate("degraded", func(n *Node) { n.Status = StatusDegraded })
	r.Mutate("offline", func(n *Node) { n.Status = StatusOffline })

	online := r.Online()
	if len(online) != 1 || online[0].ID != "online" {
		t.Fatalf("expected only the online node, got %v", online)
	}
}

func TestSweepLivenessDegradesThenOfflines(t *testing.T) {
	r := New(zap.NewNop())
	base := time.Now()
	r.Register(protocol.RegisterMsg{
		NodeID: "n1",
		GPUs:   []protocol.GPUInfo{{LocalIndex: 0}},
	}, base)
	r.Mutate("n1", func(n *Node) {
		n.GPUs[0].Assigned = true
		n.GPUs[0].JobID = "job-1"
	})

	heartbeatTimeout := 10 * time.Second
	offlineTimeout := 30 * time.Second

	justOffline := r.SweepLiveness(base.Add(15*time.Second), heartbeatTimeout, offlineTimeout)
	if len(justOffline) != 0 {
		t.Fatalf("expected no node to go offline yet, got %v", justOffline)
	}
	node, _ := r.Get("n1")
	if node.Status != StatusDegraded {
		t.Fatalf("expected node to be degraded after heartbeat_timeout elapses, got %q", node.Status)
	}

	// Offline requires a further offline_timeout on top of heartbeat_timeout.
	justOffline = r.SweepLiveness(base.Add(35*time.Second), heartbeatTimeout, offlineTimeout)
	if len(justOffline) != 0 {
		t.Fatalf("expected the node to still be degraded before heartbeat+offline timeouts elapse, got %v", justOffline)
	}

	justOffline = r.SweepLiveness(base.Add(41*time.Second), heartbeatTimeout, offlineTimeout)
	if len(justOffline) != 1 || justOffline[0] != "n1" {
		t.Fatalf("expected n1 to be reported as just-offline, got %v", justOffline)
	}
	node, _ = r.Get("n1")
	if node.Status != StatusOffline {
		t.Fatalf("expected node offline, got %q", node.Status)
	}
	if node.GPUs[0].Assigned {
		t.Fatal("expected GPU assignment to be released when a node goes offline")
	}

	// A later sweep must not re-report the node.
	justOffline = r.SweepLiveness(base.Add(50*time.Second), heartbeatTimeout, offlineTimeout)
	if len(justOffline) != 0 {
		t.Fatalf("expected no repeat offline notifications, got %v", justOffline)
	}
}

func TestHeartbeatDoesNotClobberMasterAssignments(t *testing.T) {
	r := New(zap.NewNop())
	now := time.Now()
	r.Register(protocol.RegisterMsg{
		NodeID: "n1",
		GPUs:   []protocol.GPUInfo{{LocalIndex: 0}, {LocalIndex: 1}},
	}, now)
	r.Mutate("n1", func(n *Node) {
		n.GPUs[0].Assigned = true
		n.GPUs[0].JobID = "job-1"
	})

	// An agent that hasn't spawned job-1 yet still reports GPU 0 free; the
	// master's reservation must survive that.
	r.Heartbeat(protocol.HeartbeatMsg{NodeID: "n1", FreeGPUs: []int{0, 1}}, now.Add(time.Second))

	node, _ := r.Get("n1")
	if !node.GPUs[0].Assigned || node.GPUs[0].JobID != "job-1" {
		t.Fatalf("expected the master's reservation on GPU 0 to survive the heartbeat, got %+v", node.GPUs[0])
	}
	if node.GPUs[1].Assigned {
		t.Fatal("expected GPU 1 to stay free")
	}
}

func TestReRegisterPreservesHeldAssignments(t *testing.T) {
	r := New(zap.NewNop())
	now := time.Now()
	msg := protocol.RegisterMsg{
		NodeID: "n1",
		GPUs:   []protocol.GPUInfo{{LocalIndex: 0}, {LocalIndex: 1}},
	}
	r.Register(msg, now)
	r.Mutate("n1", func(n *Node) {
		n.GPUs[1].Assigned = true
		n.GPUs[1].JobID = "job-1"
		n.FailureCount = 2
	})

	node := r.Register(msg, now.Add(time.Minute))
	if !node.GPUs[1].Assigned || node.GPUs[1].JobID != "job-1" {
		t.Fatalf("expected GPU 1's assignment to survive the reconnect, got %+v", node.GPUs[1])
	}
	if node.GPUs[0].Assigned {
		t.Fatal("expected GPU 0 to come back free")
	}
	if node.FailureCount != 0 {
		t.Fatalf("expected a re-register to reset the failure count, got %d", node.FailureCount)
	}
}

func TestMutateReturnsFalseForUnknownNode(t *testing.T) {
	r := New(zap.NewNop())
	if r.Mutate("ghost", func(*Node) {}) {
		t.Fatal("expected Mutate to report false for an unknown node")
	}
}
