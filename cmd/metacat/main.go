package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	internalhttp "metacat/internal/http"
	"metacat/pkg/cluster"
	"metacat/pkg/master"
	"metacat/pkg/metrics"
	"metacat/pkg/raftadapter"
	"metacat/pkg/syscatalog"
)

func main() {
	configPath := flag.String("config", "metacat.yaml", "path to the master config")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("metacat master stopped", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := initConfig(configPath)
	if err != nil {
		return err
	}
	if err := initLogger(&cfg); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := syscatalog.OpenStore(cfg.SysCatalog.Dir)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := metrics.New()
	var (
		replicator syscatalog.Replicator = store
		node       *raftadapter.Node
	)
	if cfg.SysCatalog.Replicated {
		if node, err = raftadapter.NewNode(&cfg.Raft, store); err != nil {
			return err
		}
		replicator = node
	}

	tservers := cluster.NewTSManager()
	cm := master.NewCatalogManager(
		cfg.Catalog,
		syscatalog.New(store, replicator, reg),
		tservers,
		cluster.NewTSClient(cfg.Catalog.TServerRPCTimeout),
		reg,
	)
	defer cm.Shutdown()

	queue := master.NewHeartbeatQueue(cm, cfg.Catalog.HeartbeatQueueSize)
	queue.Start(ctx)
	defer queue.Stop()

	server := internalhttp.NewServer(cm, cfg.Server)
	server.SetMetrics(reg.Handler())
	server.SetHeartbeatQueue(queue)

	g, gctx := errgroup.WithContext(ctx)
	if node != nil {
		server.SetRaftNode(node)
		g.Go(func() error { return node.Run(gctx) })
		g.Go(func() error { return watchLeadership(gctx, node.IsLeader, cm.Load, cfg.Raft.TickInterval) })
	} else if err := cm.Load(ctx); err != nil {
		return err
	}

	if len(cfg.ZooKeeper.Servers) > 0 {
		zk, err := cluster.NewZKMembership(cfg.ZooKeeper.Servers, cfg.ZooKeeper.RootPath, cfg.ZooKeeper.SessionTimeout)
		if err != nil {
			return err
		}
		defer zk.Close()
		if err := zk.RegisterMaster(strconv.FormatUint(cfg.Raft.ID, 10), server.URL); err != nil {
			return err
		}
		g.Go(func() error { return zk.RunWatch(gctx, tservers) })
	}

	g.Go(func() error { return cm.RunMetricsLoop(gctx, cfg.Catalog.MetricsInterval) })

	if err := server.Start(); err != nil {
		return err
	}
	g.Go(func() error {
		<-gctx.Done()
		return server.Stop()
	})

	slog.Info("metacat master running",
		"addr", server.URL,
		"replicated", cfg.SysCatalog.Replicated,
		"sys_catalog", cfg.SysCatalog.Dir)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("metacat master stopped")
	return nil
}

// watchLeadership reloads the catalog each time this master becomes the
// leader of the sys catalog raft group. A failed load is retried on the next
// tick.
func watchLeadership(ctx context.Context, isLeader func() bool, load func(context.Context) error, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	wasLeader := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		leader := isLeader()
		if leader && !wasLeader {
			if err := load(ctx); err != nil {
				slog.Error("failed to load catalog after becoming leader", "error", err)
				continue
			}
			slog.Info("became leader master, catalog loaded")
		}
		wasLeader = leader
	}
}
