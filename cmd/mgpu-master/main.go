// Package main is the entry point for the mgpu-master binary: the
// cluster's single scheduling process. It wires the job table, node
// registry, scheduler, output hub, and the master's one TCP listening
// surface together, then blocks until SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mgpu-io/mgpu/internal/master/dispatch"
	"github.com/mgpu-io/mgpu/internal/master/debughttp"
	"github.com/mgpu-io/mgpu/internal/master/jobqueue"
	"github.com/mgpu-io/mgpu/internal/master/output"
	"github.com/mgpu-io/mgpu/internal/master/registry"
	"github.com/mgpu-io/mgpu/internal/master/scheduler"
	"github.com/mgpu-io/mgpu/internal/master/server"
	"github.com/mgpu-io/mgpu/internal/protocol"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	listenAddr       string
	advertiseHost    string
	debugHTTPAddr    string
	logLevel         string
	heartbeatTimeout time.Duration
	offlineTimeout   time.Duration
	outputRingBytes  int
	orphanPolicy     string
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
		Use:   "mgpu-master",
		Short: "mgpu-master — cluster scheduler for multi-tenant GPU jobs",
		Long: `mgpu-master accepts client submissions, tracks a registry of node
agents and their GPUs, runs the scheduling loop, and routes job output
back to attached clients in real time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.listenAddr, "listen", envOrDefault("MGPU_MASTER_LISTEN", ":7780"), "TCP listen address for agents and clients")
	root.PersistentFlags().StringVar(&cfg.advertiseHost, "advertise-host", envOrDefault("MGPU_ADVERTISE_HOST", "127.0.0.1"), "Host agents should dial back to reach this master's listener")
	root.PersistentFlags().StringVar(&cfg.debugHTTPAddr, "debug-http", envOrDefault("MGPU_DEBUG_HTTP", ":9090"), "HTTP listen address for /metrics, /healthz, /queue (never scheduling traffic)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("MGPU_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().DurationVar(&cfg.heartbeatTimeout, "heartbeat-timeout", envOrDefaultDuration("MGPU_HEARTBEAT_TIMEOUT", 30*time.Second), "Time since last heartbeat before a node is marked degraded")
	root.PersistentFlags().DurationVar(&cfg.offlineTimeout, "offline-timeout", envOrDefaultDuration("MGPU_OFFLINE_TIMEOUT", 60*time.Second), "Further time beyond heartbeat-timeout before a degraded node is marked offline and its jobs failed")
	root.PersistentFlags().IntVar(&cfg.outputRingBytes, "output-ring-bytes", envOrDefaultInt("MGPU_OUTPUT_RING_BYTES", output.DefaultCapacityBytes), "Per-job output replay buffer size in bytes")
	root.PersistentFlags().StringVar(&cfg.orphanPolicy, "orphan-policy", envOrDefault("MGPU_ORPHAN_POLICY", string(server.OrphanAdopt)), "What to do with jobs an agent reports running that this master has no record of: adopt or kill")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mgpu-master %s (commit: %s, built: %s)\n", version, commit, date)
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

	advertiseAddr, err := resolveAdvertiseAddr(cfg.listenAddr, cfg.advertiseHost)
	if err != nil {
		return fmt.Errorf("failed to resolve advertise address: %w", err)
	}

	logger.Info("starting mgpu-master",
		zap.String("version", version),
		zap.String("listen", cfg.listenAddr),
		zap.String("advertise_host", advertiseAddr.Host),
		zap.Int("advertise_port", advertiseAddr.Port),
		zap.String("orphan_policy", cfg.orphanPolicy),
	)

	jobs := jobqueue.NewTable()
	nodes := registry.New(logger)
	out := output.NewHub(cfg.outputRingBytes, logger)
	dialer := dispatch.New(logger)
	sched := scheduler.New(jobs, nodes, dialer, out, advertiseAddr, logger)
	srv := server.New(advertiseAddr, jobs, nodes, out, sched, dialer, server.OrphanPolicy(cfg.orphanPolicy), logger)

	ln, err := net.Listen("tcp", cfg.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.listenAddr, err)
	}

	debugSrv := &http.Server{
		Addr:         cfg.debugHTTPAddr,
		Handler:      debughttp.NewRouter(jobs.All, nodes.All),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go sched.Run(ctx)
	go srv.RunLivenessSweeper(ctx, cfg.heartbeatTimeout, cfg.offlineTimeout)

	go func() {
		logger.Info("debug http server listening", zap.String("addr", cfg.debugHTTPAddr))
		if err := debugSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("debug http server error", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.Serve(ctx, ln); err != nil {
			logger.Error("server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down mgpu-master")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := debugSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("debug http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("mgpu-master stopped")
	return nil
}

// resolveAdvertiseAddr combines the listener's port with the operator's
// advertised host — the address the scheduler hands out to agents as
// each job's output stream endpoint and the attach endpoint returned to
// interactive submitters.
func resolveAdvertiseAddr(listenAddr, advertiseHost string) (protocol.NodeAddress, error) {
	_, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return protocol.NodeAddress{}, fmt.Errorf("parse listen address %q: %w", listenAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return protocol.NodeAddress{}, fmt.Errorf("parse listen port %q: %w", portStr, err)
	}
	return protocol.NodeAddress{Host: advertiseHost, Port: port}, nil
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

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
