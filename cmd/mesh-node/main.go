package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nmxmxh/orgmesh/internal/config"
	"github.com/nmxmxh/orgmesh/internal/core"
	"github.com/nmxmxh/orgmesh/internal/crdt"
	"github.com/nmxmxh/orgmesh/internal/gossip"
	"github.com/nmxmxh/orgmesh/internal/logging"
	"github.com/nmxmxh/orgmesh/internal/mesh"
	"github.com/nmxmxh/orgmesh/internal/network"
	"github.com/nmxmxh/orgmesh/internal/snapshot"
	"github.com/nmxmxh/orgmesh/internal/telemetry"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	cfg.BindFlags(flag.CommandLine)
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	log, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()
	slog.SetDefault(log.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log.Logger); err != nil {
		log.Error("mesh node exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	nodeID := core.NodeID(cfg.NodeID)
	logger = logger.With("node_id", nodeID)
	shutdown := core.NewGracefulShutdown(15*time.Second, logger)
	metrics := telemetry.NewMetrics(nil)
	fail := func(err error) error {
		_ = shutdown.Shutdown(context.Background())
		return err
	}

	var stateOpts []crdt.Option
	stateOpts = append(stateOpts, crdt.WithLogger(logger))
	snap, err := openSnapshotter(cfg, nodeID)
	if err != nil {
		return err
	}
	if snap != nil {
		stateOpts = append(stateOpts, crdt.WithSnapshotter(snap))
		if closer, ok := snap.(interface{ Close() error }); ok {
			shutdown.Register("snapshot", closer.Close)
		}
	}

	state := crdt.NewStateManager(nodeID, stateOpts...)
	if err := state.Restore(ctx); err != nil {
		return fail(err)
	}
	logger.Info("state restored", "orgs", state.Len(), "snapshot", cfg.SnapshotBackend)

	coordOpts := []mesh.Option{
		mesh.WithLogger(logger),
		mesh.WithMetrics(metrics),
		mesh.WithConfig(mesh.Config{
			BroadcastInterval: cfg.BroadcastInterval,
			EntityScope:       gossip.GlobalEntity,
			HealthInterval:    cfg.HealthInterval,
			PeerHashTTL:       cfg.PeerHashTTL,
			AutoReconcile:     cfg.AutoReconcile,
		}),
	}

	gb, err := openBackend(ctx, cfg, nodeID, state, metrics, logger)
	if err != nil {
		return fail(err)
	}
	if gb.transport != nil {
		shutdown.Register("transport", gb.transport.Close)
		coordOpts = append(coordOpts, mesh.WithTransport(gb.transport))
	} else {
		shutdown.Register("gossip", func() error {
			gb.node.Close()
			return nil
		})
		coordOpts = append(coordOpts, mesh.WithGossipNode(gb.node, gb.updates))
	}

	if cfg.MasterURL != "" {
		master, err := mesh.NewMasterClient(mesh.DefaultMasterClientConfig(cfg.MasterURL), nil, logger)
		if err != nil {
			return fail(err)
		}
		coordOpts = append(coordOpts, mesh.WithAuthority(master))
	}

	coord, err := mesh.NewCoordinator(nodeID, state, coordOpts...)
	if err != nil {
		return fail(err)
	}
	if err := coord.Start(ctx); err != nil {
		return fail(err)
	}
	shutdown.Register("coordinator", func() error {
		coord.Stop()
		return nil
	})

	go logUpdates(coord.Updates(), logger)

	if cfg.HTTPAddr != "" {
		srv := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           newOpsHandler(coord, metrics, logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("ops server listening", "addr", cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("ops server failed", "error", err)
			}
		}()
		shutdown.Register("http", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		})
	}

	logger.Info("mesh node running", "backend", cfg.Backend)
	<-ctx.Done()
	logger.Info("shutdown signal received")
	return shutdown.Shutdown(context.Background())
}

func openSnapshotter(cfg config.Config, nodeID string) (crdt.Snapshotter, error) {
	switch cfg.SnapshotBackend {
	case config.SnapshotFile:
		f, err := snapshot.NewFile(cfg.SnapshotPath)
		if err != nil {
			return nil, err
		}
		return f, nil
	case config.SnapshotSQLite:
		db, err := snapshot.NewSQLite(cfg.SnapshotPath, nodeID)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, nil
	}
}

type gossipBackend struct {
	transport network.Transport
	node      *gossip.Node
	updates   <-chan gossip.Update
}

func openBackend(ctx context.Context, cfg config.Config, nodeID string, state *crdt.StateManager, metrics *telemetry.Metrics, logger *slog.Logger) (gossipBackend, error) {
	bootstrap, err := config.ParsePeerList(strings.Join(cfg.BootstrapPeers, ","))
	if err != nil {
		return gossipBackend{}, err
	}

	switch cfg.Backend {
	case config.BackendLocal:
		node, updates := gossip.NewLocalNode(nodeID, gossip.WithMetrics(metrics), gossip.WithLogger(logger))
		return gossipBackend{node: node, updates: updates}, nil

	case config.BackendStub:
		stubCfg := network.DefaultStubConfig()
		stubCfg.ListenAddr = cfg.ListenAddr
		stubCfg.Metrics = metrics
		stubCfg.Logger = logger
		t, err := network.NewStubTransport(nodeID, stubCfg)
		if err != nil {
			return gossipBackend{}, err
		}
		for _, addr := range bootstrap {
			if err := t.Dial(addr); err != nil {
				logger.Warn("bootstrap dial failed", "addr", addr.String(), "error", err)
			}
		}
		return gossipBackend{transport: t}, nil

	case config.BackendLibp2p:
		priv, pid, err := network.LoadOrCreateIdentity(cfg.IdentityPath)
		if err != nil {
			return gossipBackend{}, err
		}
		logger.Info("libp2p identity loaded", "peer_id", pid.String(), "persistent", cfg.IdentityPath != "")

		p2pCfg := network.DefaultLibp2pConfig()
		p2pCfg.ListenAddrs = []string{cfg.ListenAddr}
		p2pCfg.Topic = cfg.Topic
		p2pCfg.BootstrapPeers = bootstrap
		p2pCfg.EnableDHT = cfg.EnableDHT
		p2pCfg.EnableMDNS = cfg.EnableMDNS
		p2pCfg.PrivKey = priv
		p2pCfg.StateProvider = state.ExportState
		p2pCfg.Metrics = metrics
		p2pCfg.Logger = logger
		t, err := network.NewLibp2pTransport(ctx, p2pCfg)
		if err != nil {
			return gossipBackend{}, err
		}
		return gossipBackend{transport: t}, nil
	}
	return gossipBackend{}, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// logUpdates is the node's only consumer of gossip events
func logUpdates(updates <-chan gossip.Update, logger *slog.Logger) {
	for u := range updates {
		switch ev := u.(type) {
		case gossip.MismatchDetected:
			logger.Info("peer state differs", "peer_id", ev.PeerID, "entity_id", ev.EntityID, "local_hash", ev.LocalHash, "peer_hash", ev.PeerHash)
		case gossip.PeerConnected:
			logger.Info("peer connected", "peer_id", ev.PeerID)
		case gossip.PeerDisconnected:
			logger.Info("peer disconnected", "peer_id", ev.PeerID)
		case gossip.LocalListenAddr:
			logger.Info("listening", "addr", ev.Addr)
		case gossip.HashReceived:
			logger.Debug("hash received", "peer_id", ev.PeerID, "entity_id", ev.EntityID)
		}
	}
}
