package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	controlhttp "lsmrepl/internal/http"
	"lsmrepl/pkg/discovery"
	"lsmrepl/pkg/metrics"
	"lsmrepl/pkg/replication"
	"lsmrepl/pkg/store"
)

const shutdownTimeout = 10 * time.Second

func newMasterCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "master",
		Short:   "Serve the store as a replication primary",
		Example: "lsmrepl master --config ./lsmrepl.yaml",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runMaster(ctx, a)
		},
	}
}

func newMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func runMaster(ctx context.Context, a *app) error {
	cfg := a.cfg
	if err := cfg.ValidateMaster(); err != nil {
		return err
	}

	// ZooKeeper comes first, nothing is listening yet if it is unreachable.
	var zk *discovery.Registry
	if cfg.Discovery.Enabled {
		var err error
		zk, err = discovery.Connect(cfg.Discovery.Servers, cfg.Discovery.RootPath, cfg.Discovery.SessionTimeout)
		if err != nil {
			return err
		}
		defer zk.Close()
	}

	st, err := store.Open(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("failed to close store", "error", err)
		}
	}()
	slog.Info("store opened", "path", st.Path(), "seq", st.LatestSequenceNumber())

	reg := newMetricsRegistry()
	m := metrics.New(reg)
	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		gatherer = reg
	}

	registry := replication.NewRegistry(cfg.Master.SessionTTL)
	defer registry.Close()
	registry.StartSweeper(ctx, cfg.Master.SweepInterval)

	control := controlhttp.NewServer(
		replication.NewControlService(st, registry, cfg.Master.TmpDir, m),
		cfg.Master.AuthKey,
		cfg.Master.ControlAddr,
		gatherer,
	).ServeKV(st)
	data := replication.NewServer(cfg.Master.ReplicationServer(), st, registry, m)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return control.Run(gctx)
	})
	g.Go(func() error {
		if err := data.ListenAndServe(); !errors.Is(err, replication.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return data.Shutdown(shutdownCtx)
	})

	if zk != nil {
		ep := discovery.Endpoint{
			ControlURL: cfg.Master.AdvertiseControlURL,
			DataAddr:   cfg.Master.AdvertiseDataAddr,
		}
		if ep.ControlURL == "" {
			ep.ControlURL = "http://" + cfg.Master.ControlAddr
		}
		if ep.DataAddr == "" {
			ep.DataAddr = cfg.Master.DataAddr
		}
		g.Go(func() error {
			return zk.Announce(gctx, ep)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("master stopped")
	return nil
}
