// Package main is the mgpu CLI adapter: a thin wrapper around
// internal/client exposing the submit, queue, cancel, and monitor verbs.
// Rendering and flag parsing live entirely here — the client library
// only speaks the wire protocol.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mgpu-io/mgpu/internal/client"
	"github.com/mgpu-io/mgpu/internal/protocol"
)

// Exit codes per the CLI surface contract.
const (
	exitOK            = 0
	exitMalformedArgs = 2
	exitNoSuchJob     = 3
	exitUnreachable   = 4
)

func main() {
	os.Exit(runMain())
}

func runMain() int {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	return exitOK
}

// exitCodeFor maps a returned error to the CLI's documented exit codes.
func exitCodeFor(err error) int {
	var rerr *client.ReasonError
	if e, ok := err.(*client.ReasonError); ok {
		rerr = e
	}
	if rerr != nil {
		switch rerr.Reason {
		case protocol.ReasonUnknownJob, protocol.ReasonNotRunningNoHistory:
			return exitNoSuchJob
		case protocol.ReasonInvalidSpec:
			return exitMalformedArgs
		}
		return exitNoSuchJob
	}
	if isUnreachable(err) {
		return exitUnreachable
	}
	return exitMalformedArgs
}

func isUnreachable(err error) bool {
	return strings.Contains(err.Error(), "dial") || strings.Contains(err.Error(), "connection refused") || strings.Contains(err.Error(), "no such host")
}

type globalFlags struct {
	masterHost             string
	masterPort             int
	connectionTimeout      time.Duration
	sessionTimeout         time.Duration
	maxWaitTime            time.Duration
	maxConsecutiveTimeouts int
}

func (g *globalFlags) clientConfig() client.Config {
	return client.Config{
		MasterAddr:             protocol.NodeAddress{Host: g.masterHost, Port: g.masterPort},
		ConnectionTimeout:      g.connectionTimeout,
		SessionTimeout:         g.sessionTimeout,
		MaxWaitTime:            g.maxWaitTime,
		MaxConsecutiveTimeouts: g.maxConsecutiveTimeouts,
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "mgpu",
		Short: "mgpu — client for the mgpu cluster GPU scheduler",
		Long: `mgpu submits, queries, cancels, and monitors jobs against an mgpu-master.
Each invocation opens its own connection to the master; there is no
persistent daemon on the client side.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&g.masterHost, "master-host", envOrDefault("MGPU_MASTER_HOST", "127.0.0.1"), "mgpu-master host")
	root.PersistentFlags().IntVar(&g.masterPort, "master-port", envOrDefaultInt("MGPU_MASTER_PORT", 7780), "mgpu-master port")
	root.PersistentFlags().DurationVar(&g.connectionTimeout, "connection-timeout", 0, "Bound on the initial TCP connect (0 = unbounded)")
	root.PersistentFlags().DurationVar(&g.sessionTimeout, "session-timeout", 0, "Bound on an attach/monitor call's whole lifetime (0 = unbounded)")
	root.PersistentFlags().DurationVar(&g.maxWaitTime, "max-wait-time", 0, "Bound on each individual read while attached (0 = unbounded)")
	root.PersistentFlags().IntVar(&g.maxConsecutiveTimeouts, "max-consecutive-timeouts", 0, "Give up after this many consecutive max-wait-time timeouts (0 = unlimited)")

	root.AddCommand(newSubmitCmd(g))
	root.AddCommand(newQueueCmd(g))
	root.AddCommand(newCancelCmd(g))
	root.AddCommand(newMonitorCmd(g))

	return root
}

type submitFlags struct {
	gpus                 int
	nodeGPUIDs           string
	priority             int
	interactive          bool
	noCancelOnDisconnect bool
	distributed          bool
	mpi                  bool
	owner                string
	memMB                int
}

func newSubmitCmd(g *globalFlags) *cobra.Command {
	f := &submitFlags{}

	cmd := &cobra.Command{
		Use:   "submit -- <command...>",
		Short: "Submit a job to the cluster",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd.Context(), g, f, strings.Join(args, " "))
		},
	}

	cmd.Flags().IntVar(&f.gpus, "gpus", 0, "Number of GPUs to request")
	cmd.Flags().StringVar(&f.nodeGPUIDs, "node-gpu-ids", "", `Pin specific GPUs, e.g. "n1:0,1;n2:2"`)
	cmd.Flags().IntVar(&f.priority, "priority", 0, "Scheduling priority (higher runs first)")
	cmd.Flags().BoolVar(&f.interactive, "interactive", false, "Hold an output stream open and propagate the job's exit code")
	cmd.Flags().BoolVar(&f.noCancelOnDisconnect, "no-cancel-on-disconnect", false, "Keep an interactive job running if this client's stream drops (default is to cancel it)")
	cmd.Flags().BoolVar(&f.distributed, "distributed", false, "Mark this job as a torch-distributed group member")
	cmd.Flags().BoolVar(&f.mpi, "mpi", false, "Mark this job as an MPI group member")
	cmd.Flags().StringVar(&f.owner, "owner", envOrDefault("USER", "unknown"), "Job owner recorded for queue listings")
	cmd.Flags().IntVar(&f.memMB, "mem-mb", 0, "Minimum free GPU memory in MB (advisory placement filter, not a reservation)")
	cmd.Flags().SetInterspersed(false)

	return cmd
}

func runSubmit(ctx context.Context, g *globalFlags, f *submitFlags, command string) error {
	pins, err := parseNodeGPUIDs(f.nodeGPUIDs)
	if err != nil {
		return fmt.Errorf("--node-gpu-ids: %w", err)
	}

	kind := "none"
	switch {
	case f.distributed && f.mpi:
		return fmt.Errorf("--distributed and --mpi are mutually exclusive")
	case f.distributed:
		kind = "torch-distributed"
	case f.mpi:
		kind = "mpi"
	}

	spec := protocol.JobSpec{
		Owner:              f.owner,
		Command:            command,
		RequestedGPUs:      f.gpus,
		NodeGPUPins:        pins,
		Priority:           f.priority,
		DistributedKind:    kind,
		Interactive:        f.interactive,
		CancelOnDisconnect: f.interactive && !f.noCancelOnDisconnect,
		MemMB:              f.memMB,
	}

	c := client.New(g.clientConfig())
	resp, err := c.Submit(ctx, spec)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "submitted job %s\n", resp.JobID)

	if !f.interactive {
		return nil
	}
	return attachAndPropagate(ctx, c, resp.JobID)
}

func newQueueCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show the cluster's jobs and nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(g.clientConfig())
			resp, err := c.Queue(cmd.Context())
			if err != nil {
				return err
			}
			printQueue(resp)
			return nil
		},
	}
}

func printQueue(resp protocol.QueueResponse) {
	fmt.Printf("NODES (%d)\n", len(resp.Nodes))
	for _, n := range resp.Nodes {
		fmt.Printf("  %-16s %-10s gpus=%d/%d free  failures=%d\n", n.ID, n.Status, n.FreeGPUs, n.TotalGPUs, n.FailureCount)
	}
	fmt.Printf("\nJOBS (%d)\n", len(resp.Jobs))
	for _, j := range resp.Jobs {
		exit := "-"
		if j.ExitCode != nil {
			exit = strconv.Itoa(*j.ExitCode)
		}
		fmt.Printf("  %-36s %-10s owner=%-10s gpus=%-2d prio=%-3d exit=%-4s %s\n",
			j.ID, j.Status, j.Owner, j.RequestedGPUs, j.Priority, exit, j.Command)
	}
}

func newCancelCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(g.clientConfig())
			resp, err := c.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("cancelled %s (was %s)\n", args[0], resp.PriorStatus)
			return nil
		},
	}
}

func newMonitorCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor <job-id>",
		Short: "Attach to a running job's output stream and propagate its exit code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(g.clientConfig())
			return attachAndPropagate(cmd.Context(), c, args[0])
		},
	}
}

// attachAndPropagate streams a job's output to stdout/stderr, forwards
// SIGINT/SIGTERM as a best-effort cancel (cancellation is not ordered
// with output — draining continues regardless), and exits
// the process with the job's propagated exit code or 128+signal.
func attachAndPropagate(ctx context.Context, c *client.Client, jobID string) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-sigCtx.Done()
		if sigCtx.Err() != nil {
			cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := c.Cancel(cancelCtx, jobID); err != nil {
				fmt.Fprintf(os.Stderr, "mgpu: failed to forward cancel for %s: %v\n", jobID, err)
			}
		}
	}()

	result, err := c.Attach(ctx, jobID, func(chunk client.Chunk) {
		switch chunk.Stream {
		case "stderr":
			os.Stderr.Write(chunk.Data)
		default:
			os.Stdout.Write(chunk.Data)
		}
	})
	if err != nil {
		return err
	}

	if result.Signal != "" {
		os.Exit(128 + signalNumber(result.Signal))
	}
	os.Exit(result.ExitCode)
	return nil
}

// signalNumber maps a handful of common POSIX signals to their numeric
// value for the 128+signal exit code convention, accepting either the
// SIGxxx name or the description an agent reports (Go's
// syscall.Signal.String, e.g. "killed"). Unrecognized names fall back to
// SIGTERM's number.
func signalNumber(name string) int {
	switch name {
	case "SIGHUP", "hangup":
		return 1
	case "SIGINT", "interrupt":
		return 2
	case "SIGQUIT", "quit":
		return 3
	case "SIGKILL", "killed":
		return 9
	case "SIGTERM", "terminated":
		return 15
	case "SIGSEGV", "segmentation fault":
		return 11
	case "SIGABRT", "aborted":
		return 6
	default:
		return 15
	}
}

// parseNodeGPUIDs parses "n1:0,1;n2:2" into explicit node/GPU pins.
func parseNodeGPUIDs(s string) ([]protocol.NodePin, error) {
	if s == "" {
		return nil, nil
	}
	var pins []protocol.NodePin
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		nodeAndIDs := strings.SplitN(part, ":", 2)
		if len(nodeAndIDs) != 2 {
			return nil, fmt.Errorf("malformed pin %q, expected node:id,id", part)
		}
		var ids []int
		for _, idStr := range strings.Split(nodeAndIDs[1], ",") {
			idStr = strings.TrimSpace(idStr)
			if idStr == "" {
				continue
			}
			id, err := strconv.Atoi(idStr)
			if err != nil {
				return nil, fmt.Errorf("malformed gpu id %q in %q: %w", idStr, part, err)
			}
			ids = append(ids, id)
		}
		pins = append(pins, protocol.NodePin{NodeID: nodeAndIDs[0], LocalGPUIDs: ids})
	}
	return pins, nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
