// Package main is the entry point for the mgpu-agent binary: one per
// compute host. It detects local GPUs, registers with the master,
// executes assigned jobs as supervised process groups, and streams
// their output back.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mgpu-io/mgpu/internal/agent/connection"
	"github.com/mgpu-io/mgpu/internal/agent/executor"
	"github.com/mgpu-io/mgpu/internal/agent/supervisor"
	"github.com/mgpu-io/mgpu/internal/protocol"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	nodeID            string
	masterAddr        string
	listenAddr        string
	advertiseHost     string
	heartbeatInterval time.Duration
	logLevel          string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "mgpu-agent",
		Short: "mgpu-agent — node agent for the mgpu cluster scheduler",
		Long: `mgpu-agent runs on each compute host. It detects local GPUs, registers
with the mgpu-master, and executes jobs the master assigns to it as
supervised process groups, streaming their output back in real time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.nodeID, "node-id", envOrDefault("MGPU_NODE_ID", defaultNodeID()), "This node's unique operator-chosen ID")
	root.PersistentFlags().StringVar(&cfg.masterAddr, "master", envOrDefault("MGPU_MASTER", fmt.Sprintf("%s:%s", envOrDefault("MGPU_MASTER_HOST", "127.0.0.1"), envOrDefault("MGPU_MASTER_PORT", "7780"))), "mgpu-master address (host:port)")
	root.PersistentFlags().StringVar(&cfg.listenAddr, "listen", envOrDefault("MGPU_AGENT_LISTEN", ":7781"), "TCP listen address for master-issued commands (start/cancel/query-resources)")
	root.PersistentFlags().StringVar(&cfg.advertiseHost, "advertise-host", envOrDefault("MGPU_AGENT_ADVERTISE_HOST", ""), "Host the master should dial to reach this agent (empty = resolved automatically)")
	root.PersistentFlags().DurationVar(&cfg.heartbeatInterval, "heartbeat-interval", envOrDefaultDuration("MGPU_HEARTBEAT_INTERVAL", 10*time.Second), "How often to send a heartbeat to the master")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("MGPU_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mgpu-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	masterAddr, err := parseNodeAddress(cfg.masterAddr)
	if err != nil {
		return fmt.Errorf("parse --master: %w", err)
	}

	ln, err := net.Listen("tcp", cfg.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.listenAddr, err)
	}
	commandAddr, err := advertisedCommandAddr(ln, cfg.advertiseHost)
	if err != nil {
		return fmt.Errorf("resolve advertised command address: %w", err)
	}

	hostname, _ := os.Hostname()
	resolvedIP := resolveIP(hostname)

	logger.Info("starting mgpu-agent",
		zap.String("version", version),
		zap.String("node_id", cfg.nodeID),
		zap.String("master", cfg.masterAddr),
		zap.String("command_addr", fmt.Sprintf("%s:%d", commandAddr.Host, commandAddr.Port)),
		zap.String("hostname", hostname),
		zap.String("resolved_ip", resolvedIP),
	)

	sup := supervisor.New(logger)
	mgr := connection.New(cfg.nodeID, masterAddr, commandAddr, sup, nil, cfg.heartbeatInterval, logger)
	exec := executor.New(cfg.nodeID, hostname, resolvedIP, sup, mgr, logger)
	mgr.SetExecutor(exec)

	go exec.Run(ctx)
	go func() {
		if err := mgr.ServeCommands(ctx, ln); err != nil {
			logger.Error("command listener error", zap.Error(err))
			cancel()
		}
	}()

	mgr.Run(ctx)

	logger.Info("mgpu-agent stopped")
	return nil
}

// advertisedCommandAddr derives the host:port agents advertise in their
// register message: the actual bound port from ln, combined with either
// the operator-supplied advertiseHost or this host's resolved hostname.
func advertisedCommandAddr(ln net.Listener, advertiseHost string) (protocol.NodeAddress, error) {
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		return protocol.NodeAddress{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return protocol.NodeAddress{}, err
	}
	host := advertiseHost
	if host == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "127.0.0.1"
		}
		host = resolveIP(hostname)
	}
	return protocol.NodeAddress{Host: host, Port: port}, nil
}

// resolveIP looks up hostname's first resolvable address, falling back
// to the hostname string itself (still usable for DNS-based clusters)
// when resolution fails.
func resolveIP(hostname string) string {
	addrs, err := net.LookupHost(hostname)
	if err != nil || len(addrs) == 0 {
		return hostname
	}
	return addrs[0]
}

func parseNodeAddress(hostport string) (protocol.NodeAddress, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return protocol.NodeAddress{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return protocol.NodeAddress{}, err
	}
	return protocol.NodeAddress{Host: host, Port: port}, nil
}

func defaultNodeID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "node"
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
