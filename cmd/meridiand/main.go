package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridian-io/meridian/pkg/cache"
	"github.com/meridian-io/meridian/pkg/cluster"
	"github.com/meridian-io/meridian/pkg/config"
	"github.com/meridian-io/meridian/pkg/diagserver"
	"github.com/meridian-io/meridian/pkg/fsm"
	"github.com/meridian-io/meridian/pkg/grpcapi"
	"github.com/meridian-io/meridian/pkg/httpapi"
	"github.com/meridian-io/meridian/pkg/log"
	"github.com/meridian-io/meridian/pkg/naming"
	"github.com/meridian-io/meridian/pkg/push"
	"github.com/meridian-io/meridian/pkg/router"
	"github.com/meridian-io/meridian/pkg/serverconfig"
	"github.com/meridian-io/meridian/pkg/storage"
	"github.com/meridian-io/meridian/pkg/types"

	"google.golang.org/grpc"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "meridiand",
	Short:   "Meridian - a clustered, Nacos-compatible service registry and configuration store",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"meridiand version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	serveCmd.Flags().String("config", "", "path to meridiand.yaml (overrides all other flags when set)")
	serveCmd.Flags().String("node-id", "", "unique node identifier")
	serveCmd.Flags().String("data-dir", "./data", "directory for Raft logs, snapshots, and durable state")
	serveCmd.Flags().String("raft-addr", "127.0.0.1:8300", "Raft transport bind address")
	serveCmd.Flags().String("internal-addr", "127.0.0.1:8301", "internal control-plane gRPC bind address")
	serveCmd.Flags().String("grpc-addr", "127.0.0.1:8848", "public Nacos-compatible gRPC bind address")
	serveCmd.Flags().String("http-addr", "127.0.0.1:8849", "public Nacos-compatible HTTP bind address")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:8850", "Prometheus /metrics and /health bind address")
	serveCmd.Flags().Bool("bootstrap", true, "bootstrap a new single-node cluster (false to join an existing one)")
	serveCmd.Flags().String("join-addr", "", "an existing node's internal control-plane address to join through")
	serveCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	serveCmd.Flags().Bool("log-json", false, "output logs in JSON format")

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a Meridian cluster node",
	RunE:  runServe,
}

func loadConfig(cmd *cobra.Command) (*serverconfig.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		return serverconfig.Load(path)
	}

	cfg := serverconfig.Default()
	cfg.NodeID, _ = cmd.Flags().GetString("node-id")
	cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
	cfg.RaftBindAddr, _ = cmd.Flags().GetString("raft-addr")
	cfg.InternalGRPCAddr, _ = cmd.Flags().GetString("internal-addr")
	cfg.PublicGRPCAddr, _ = cmd.Flags().GetString("grpc-addr")
	cfg.HTTPAddr, _ = cmd.Flags().GetString("http-addr")
	cfg.MetricsAddr, _ = cmd.Flags().GetString("metrics-addr")
	cfg.Bootstrap, _ = cmd.Flags().GetBool("bootstrap")
	cfg.JoinAddr, _ = cmd.Flags().GetString("join-addr")
	cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
	cfg.LogJSON, _ = cmd.Flags().GetBool("log-json")

	if cfg.NodeID == "" {
		cfg.NodeID = cfg.RaftBindAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Init(cfg.LogConfig())
	log.Info(fmt.Sprintf("starting meridiand node %s", cfg.NodeID))

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open durable store: %w", err)
	}
	defer store.Close()

	pushRegistry := newDeferredPushRegistry()
	nm := naming.New(pushRegistry)
	defer nm.Close()
	cfgEngine := config.New()
	defer cfgEngine.Close()
	cacheEngine := cache.New()
	defer cacheEngine.Close()
	pushRegistry.bind(push.NewRegistry(nm))

	machine := fsm.New(store, cfgEngine, nm, cacheEngine, nil)

	node := cluster.New(&cluster.Config{
		NodeID:   cfg.NodeID,
		BindAddr: cfg.RaftBindAddr,
		DataDir:  cfg.DataDir,
	}, store, machine)

	node.OnHalt(func(err error) {
		log.Logger.Error().Err(err).Msg("node halted on fatal state machine error, exiting")
		os.Exit(1)
	})

	if cfg.Bootstrap {
		if err := node.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrap raft: %w", err)
		}
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := node.Join(ctx, cfg.JoinAddr)
		cancel()
		if err != nil {
			return fmt.Errorf("join cluster: %w", err)
		}
	}
	defer node.Shutdown()

	peerMap := serverconfig.NewPeerMap(cfg)
	writeRouter := router.New(node, peerMap)

	prober := naming.NewProber(nm, 10*time.Second)
	prober.Start()
	defer prober.Stop()

	internalServer := grpc.NewServer()
	cluster.RegisterInternalServer(internalServer, node)
	internalLis, err := net.Listen("tcp", cfg.InternalGRPCAddr)
	if err != nil {
		return fmt.Errorf("listen internal grpc: %w", err)
	}
	go func() {
		if err := internalServer.Serve(internalLis); err != nil {
			log.Logger.Error().Err(err).Msg("internal grpc server stopped")
		}
	}()
	defer internalServer.GracefulStop()

	publicGRPC := grpcapi.NewServer(writeRouter, cfgEngine, nm, cacheEngine, pushRegistry.registry)
	go func() {
		if err := publicGRPC.Start(cfg.PublicGRPCAddr); err != nil {
			log.Logger.Error().Err(err).Msg("public grpc server stopped")
		}
	}()
	defer publicGRPC.Stop()

	httpServer := httpapi.NewServer(writeRouter, cfgEngine, nm, cacheEngine, store)
	go func() {
		if err := httpServer.Start(cfg.HTTPAddr); err != nil {
			log.Logger.Error().Err(err).Msg("http server stopped")
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Stop(ctx)
	}()

	diag := diagserver.NewServer(node)
	go func() {
		if err := diag.Start(cfg.MetricsAddr); err != nil {
			log.Logger.Error().Err(err).Msg("diagnostic server stopped")
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = diag.Stop(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")
	return nil
}

// deferredPushRegistry lets naming.New receive a naming.Notifier before
// push.NewRegistry (which itself needs the naming.Engine) can be
// constructed, breaking the construction-order cycle between the two.
type deferredPushRegistry struct {
	registry *push.Registry
}

func newDeferredPushRegistry() *deferredPushRegistry { return &deferredPushRegistry{} }

func (d *deferredPushRegistry) bind(r *push.Registry) { d.registry = r }

func (d *deferredPushRegistry) NotifyService(svc types.ServiceKey, clusterName string) {
	if d.registry != nil {
		d.registry.NotifyService(svc, clusterName)
	}
}
