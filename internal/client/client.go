// Package client is the thin RPC library the CLI adapter (cmd/mgpu) is
// built on: one net.Dial per command, nothing shared between calls.
// Rendering and flag parsing are left to the caller — this package only
// speaks the protocol and returns typed results.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/mgpu-io/mgpu/internal/protocol"
)

// Config holds the client's four independently-configurable timeouts
// plus the master's address. Every duration is zero-value "unbounded"
// by default — long training jobs must not be aborted by the client.
type Config struct {
	MasterAddr protocol.NodeAddress

	// ConnectionTimeout bounds the initial TCP connect. Zero: no limit.
	ConnectionTimeout time.Duration
	// SessionTimeout bounds an Attach call's whole lifetime. Zero: no limit.
	SessionTimeout time.Duration
	// MaxWaitTime bounds each individual read while attached. Zero: no limit.
	MaxWaitTime time.Duration
	// MaxConsecutiveTimeouts is how many back-to-back MaxWaitTime reads may
	// time out before Attach gives up. Zero: unlimited retries.
	MaxConsecutiveTimeouts int
}

// Client is a thin, stateless RPC handle — every method opens and closes
// its own connection, matching the teacher's per-exchange dial pattern
// used throughout the agent control protocol (no shared "control
// socket").
type Client struct {
	cfg Config
}

// New creates a Client against cfg.MasterAddr.
func New(cfg Config) *Client {
	return &Client{cfg: cfg}
}

// Chunk is one piece of a job's combined output, decoded and handed to
// Attach's callback.
type Chunk struct {
	Stream string // "stdout" or "stderr"
	Data   []byte
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialCtx := ctx
	if c.cfg.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.ConnectionTimeout)
		defer cancel()
	}
	var d net.Dialer
	addr := fmt.Sprintf("%s:%d", c.cfg.MasterAddr.Host, c.cfg.MasterAddr.Port)
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial master %s: %w", addr, err)
	}
	return conn, nil
}

// Submit sends spec to the master and returns its response. If the
// response reports ok=false, the error is a *ReasonError carrying the
// sentinel reason string (protocol.ReasonInvalidSpec /
// ReasonResourceUnsatisfiable) so callers can branch on its Reason.
func (c *Client) Submit(ctx context.Context, spec protocol.JobSpec) (protocol.SubmitResponse, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return protocol.SubmitResponse{}, err
	}
	defer conn.Close()

	w := protocol.NewWriter(conn)
	if err := w.WriteMessage(protocol.SubmitMsg{Type: protocol.TypeSubmit, Spec: spec}); err != nil {
		return protocol.SubmitResponse{}, err
	}

	r := protocol.NewReader(conn)
	_, raw, err := r.ReadMessage()
	if err != nil {
		return protocol.SubmitResponse{}, fmt.Errorf("client: read submit response: %w", err)
	}
	var resp protocol.SubmitResponse
	if err := protocol.Decode(raw, &resp); err != nil {
		return protocol.SubmitResponse{}, err
	}
	if !resp.Ok {
		return resp, newReasonError(resp.Reason)
	}
	return resp, nil
}

// Queue requests a snapshot of the cluster's jobs and nodes.
func (c *Client) Queue(ctx context.Context) (protocol.QueueResponse, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return protocol.QueueResponse{}, err
	}
	defer conn.Close()

	w := protocol.NewWriter(conn)
	if err := w.WriteMessage(protocol.QueueMsg{Type: protocol.TypeQueue}); err != nil {
		return protocol.QueueResponse{}, err
	}

	r := protocol.NewReader(conn)
	_, raw, err := r.ReadMessage()
	if err != nil {
		return protocol.QueueResponse{}, fmt.Errorf("client: read queue response: %w", err)
	}
	var resp protocol.QueueResponse
	if err := protocol.Decode(raw, &resp); err != nil {
		return protocol.QueueResponse{}, err
	}
	return resp, nil
}

// Cancel requests termination of jobID on a fresh connection — safe to
// call repeatedly (the master's cancel handling is idempotent).
func (c *Client) Cancel(ctx context.Context, jobID string) (protocol.CancelResponse, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return protocol.CancelResponse{}, err
	}
	defer conn.Close()

	w := protocol.NewWriter(conn)
	if err := w.WriteMessage(protocol.CancelClientMsg{Type: protocol.TypeCancel, JobID: jobID}); err != nil {
		return protocol.CancelResponse{}, err
	}

	r := protocol.NewReader(conn)
	_, raw, err := r.ReadMessage()
	if err != nil {
		return protocol.CancelResponse{}, fmt.Errorf("client: read cancel response: %w", err)
	}
	var resp protocol.CancelResponse
	if err := protocol.Decode(raw, &resp); err != nil {
		return protocol.CancelResponse{}, err
	}
	if !resp.Ok {
		return resp, newReasonError(resp.Reason)
	}
	return resp, nil
}

// AttachResult is Attach's terminal outcome, mirroring the wire exit
// message.
type AttachResult struct {
	ExitCode int
	Signal   string // empty unless the job was signaled
}

// Attach opens the job's output stream and calls onChunk for every
// output chunk as it arrives, in order, until the exit message arrives
// or a configured timeout gives up. ctx is checked before each read, so
// its cancellation ends the drain once the current read returns; a read
// already blocked is not interrupted by it. Cancelling the job (e.g. the
// CLI's SIGINT handler firing a Cancel elsewhere) is not ordered with
// respect to in-flight output, so
// callers that want a job's exit code should keep draining
// rather than abandoning Attach the instant they send cancel.
func (c *Client) Attach(ctx context.Context, jobID string, onChunk func(Chunk)) (AttachResult, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return AttachResult{}, err
	}
	defer conn.Close()

	var sessionDeadline time.Time
	if c.cfg.SessionTimeout > 0 {
		sessionDeadline = time.Now().Add(c.cfg.SessionTimeout)
		conn.SetDeadline(sessionDeadline)
	}

	w := protocol.NewWriter(conn)
	if err := w.WriteMessage(protocol.AttachMsg{Type: protocol.TypeAttach, JobID: jobID}); err != nil {
		return AttachResult{}, err
	}

	lr := &lineReader{conn: conn}
	consecutiveTimeouts := 0
	for {
		select {
		case <-ctx.Done():
			return AttachResult{}, ctx.Err()
		default:
		}

		line, err := lr.ReadLine(c.cfg.MaxWaitTime)
		if err != nil {
			if isTimeout(err) {
				if !sessionDeadline.IsZero() && !time.Now().Before(sessionDeadline) {
					return AttachResult{}, fmt.Errorf("client: attach %s: exceeded session-timeout (%s)", jobID, c.cfg.SessionTimeout)
				}
				consecutiveTimeouts++
				if c.cfg.MaxConsecutiveTimeouts > 0 && consecutiveTimeouts >= c.cfg.MaxConsecutiveTimeouts {
					return AttachResult{}, fmt.Errorf("client: attach %s: exceeded max-consecutive-timeouts (%d)", jobID, c.cfg.MaxConsecutiveTimeouts)
				}
				continue
			}
			return AttachResult{}, fmt.Errorf("client: attach %s: %w", jobID, err)
		}
		consecutiveTimeouts = 0

		var env protocol.Envelope
		if err := protocol.Decode(line, &env); err != nil {
			continue
		}

		switch env.Type {
		case protocol.TypeOut:
			var m protocol.OutMsg
			if err := protocol.Decode(line, &m); err != nil {
				continue
			}
			data, err := decodeBase64(m.Data)
			if err != nil {
				continue
			}
			onChunk(Chunk{Stream: m.Stream, Data: data})
		case protocol.TypeExit:
			var m protocol.ExitMsg
			if err := protocol.Decode(line, &m); err != nil {
				return AttachResult{}, err
			}
			res := AttachResult{ExitCode: m.Code}
			if m.Signal != nil {
				res.Signal = *m.Signal
			}
			return res, nil
		case protocol.TypeError:
			var m protocol.ErrorMsg
			if err := protocol.Decode(line, &m); err != nil {
				return AttachResult{}, err
			}
			return AttachResult{}, newReasonError(m.Reason)
		}
	}
}

// lineReader reads newline-delimited messages directly off the
// connection, accumulating partial data across reads. A per-read
// deadline that expires surfaces the timeout to the caller and leaves
// the partial line buffered, so the next ReadLine resumes where the
// last one stopped — a bufio.Scanner can't do this: once Scan returns a
// non-EOF error it stays failed, which would turn the first max-wait
// timeout into a permanent one.
type lineReader struct {
	conn    net.Conn
	pending []byte
}

// ReadLine returns the next newline-terminated message (without the
// newline). A maxWait > 0 bounds each underlying read; the returned
// timeout error satisfies net.Error.
func (lr *lineReader) ReadLine(maxWait time.Duration) ([]byte, error) {
	buf := make([]byte, 32*1024)
	for {
		if i := bytes.IndexByte(lr.pending, '\n'); i >= 0 {
			line := make([]byte, i)
			copy(line, lr.pending[:i])
			lr.pending = lr.pending[i+1:]
			return line, nil
		}
		if len(lr.pending) > protocol.MaxLineBytes {
			return nil, fmt.Errorf("client: wire message exceeds %d bytes", protocol.MaxLineBytes)
		}

		if maxWait > 0 {
			lr.conn.SetReadDeadline(time.Now().Add(maxWait))
		}
		n, err := lr.conn.Read(buf)
		if n > 0 {
			lr.pending = append(lr.pending, buf[:n]...)
		}
		if err != nil {
			return nil, err
		}
	}
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ReasonError wraps one of protocol's sentinel reason strings so callers
// can branch on it (type-assert to *ReasonError and compare Reason with
// the protocol.Reason* constants).
type ReasonError struct {
	Reason string
}

func (e *ReasonError) Error() string { return "client: request rejected: " + e.Reason }

func newReasonError(reason string) error {
	return &ReasonError{Reason: reason}
}
