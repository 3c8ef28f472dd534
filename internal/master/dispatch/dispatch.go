// Package dispatch implements the master's outbound side of the control
// protocol: opening a fresh TCP connection to a node agent's command
// listener for each start, cancel, or query-resources exchange.
package dispatch

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/mgpu-io/mgpu/internal/master/registry"
	"github.com/mgpu-io/mgpu/internal/metrics"
	"github.com/mgpu-io/mgpu/internal/protocol"
)

// dialTimeout bounds how long the master waits to connect to an agent's
// command port before treating it as a transient dispatch failure.
const dialTimeout = 5 * time.Second

// Dialer opens fresh TCP connections to agent command listeners and
// exchanges single request/response control messages. It implements
// scheduler.Dispatcher.
type Dialer struct {
	logger *zap.Logger
}

// New creates a Dialer.
func New(logger *zap.Logger) *Dialer {
	return &Dialer{logger: logger.Named("dispatch")}
}

// Start sends a start message to node and waits for its ack.
func (d *Dialer) Start(ctx context.Context, node *registry.Node, msg protocol.StartMsg) error {
	if err := d.exchange(ctx, node, msg); err != nil {
		metrics.DispatchFailures.WithLabelValues("start").Inc()
		return err
	}
	return nil
}

// Cancel sends a cancel message to node and waits for its ack.
func (d *Dialer) Cancel(ctx context.Context, node *registry.Node, jobID string) error {
	if err := d.exchange(ctx, node, protocol.CancelMsg{Type: protocol.TypeCancel, JobID: jobID}); err != nil {
		metrics.DispatchFailures.WithLabelValues("cancel").Inc()
		return err
	}
	return nil
}

// QueryResources asks node for its current GPU state, returning the
// agent's self-reported snapshot. The scheduler and server do not call
// it; placement works from the registry's heartbeat-fed view.
func (d *Dialer) QueryResources(ctx context.Context, node *registry.Node) (protocol.ResourcesMsg, error) {
	conn, err := d.dial(ctx, node)
	if err != nil {
		return protocol.ResourcesMsg{}, err
	}
	defer conn.Close()

	w := protocol.NewWriter(conn)
	if err := w.WriteMessage(protocol.QueryResourcesMsg{Type: protocol.TypeQueryResources}); err != nil {
		return protocol.ResourcesMsg{}, err
	}

	r := protocol.NewReader(conn)
	typ, raw, err := r.ReadMessage()
	if err != nil {
		return protocol.ResourcesMsg{}, fmt.Errorf("dispatch: query-resources: %w", err)
	}
	if typ != protocol.TypeResources {
		return protocol.ResourcesMsg{}, fmt.Errorf("dispatch: query-resources: unexpected reply type %q", typ)
	}
	var resp protocol.ResourcesMsg
	if err := protocol.Decode(raw, &resp); err != nil {
		return protocol.ResourcesMsg{}, err
	}
	return resp, nil
}

// exchange dials node, writes msg, and requires a positive ack in reply.
func (d *Dialer) exchange(ctx context.Context, node *registry.Node, msg any) error {
	conn, err := d.dial(ctx, node)
	if err != nil {
		return err
	}
	defer conn.Close()

	w := protocol.NewWriter(conn)
	if err := w.WriteMessage(msg); err != nil {
		return fmt.Errorf("dispatch: write %T: %w", msg, err)
	}

	r := protocol.NewReader(conn)
	typ, raw, err := r.ReadMessage()
	if err != nil {
		return fmt.Errorf("dispatch: read reply to %T: %w", msg, err)
	}
	switch typ {
	case protocol.TypeAck:
		var ack protocol.AckMsg
		if err := protocol.Decode(raw, &ack); err != nil {
			return err
		}
		if !ack.Ok {
			return fmt.Errorf("dispatch: agent declined %T", msg)
		}
		return nil
	case protocol.TypeError:
		var e protocol.ErrorMsg
		if err := protocol.Decode(raw, &e); err != nil {
			return err
		}
		return fmt.Errorf("dispatch: agent rejected %T: %s", msg, e.Reason)
	default:
		return fmt.Errorf("dispatch: unexpected reply type %q to %T", typ, msg)
	}
}

func (d *Dialer) dial(ctx context.Context, node *registry.Node) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	addr := fmt.Sprintf("%s:%d", node.Address.Host, node.Address.Port)
	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dispatch: dial %s: %w", addr, err)
	}
	return conn, nil
}
