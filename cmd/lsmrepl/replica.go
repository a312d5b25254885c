package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"lsmrepl/internal/config"
	controlhttp "lsmrepl/internal/http"
	"lsmrepl/pkg/discovery"
	"lsmrepl/pkg/metrics"
	"lsmrepl/pkg/replication"
	"lsmrepl/pkg/rpc"
	"lsmrepl/pkg/store"
)

func newReplicaCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "replica",
		Short:   "Keep the store in sync with a primary",
		Example: "lsmrepl replica --config ./lsmrepl.yaml",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runReplica(ctx, a)
		},
	}
}

// resolvePrimary returns the static primary addresses or waits for one in
// ZooKeeper.
func resolvePrimary(ctx context.Context, cfg config.Config) (controlURL, dataAddr string, err error) {
	if !cfg.Discovery.Enabled {
		return cfg.Replica.ControlURL, cfg.Replica.DataAddr, nil
	}

	zk, err := discovery.Connect(cfg.Discovery.Servers, cfg.Discovery.RootPath, cfg.Discovery.SessionTimeout)
	if err != nil {
		return "", "", err
	}
	defer zk.Close()

	slog.Info("waiting for a primary", "root", cfg.Discovery.RootPath)
	ep, err := zk.Wait(ctx)
	if err != nil {
		return "", "", fmt.Errorf("failed to discover primary: %w", err)
	}
	return ep.ControlURL, ep.DataAddr, nil
}

// replicaReader reads through the coordinator, whose engine is replaced
// on bootstrap.
type replicaReader struct {
	coordinator *replication.Coordinator[*store.Store]
}

func (r replicaReader) GetString(key string) (string, bool, error) {
	return r.coordinator.Engine().GetString(key)
}

func serveReplicaHTTP(ctx context.Context, addr string, reader replicaReader, gatherer prometheus.Gatherer) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	controlhttp.MountKV(r, reader)

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("replica http server started", "addr", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("replica http server failed: %w", err)
	}
	return nil
}

func runReplica(ctx context.Context, a *app) error {
	cfg := a.cfg
	if err := cfg.ValidateReplica(); err != nil {
		return err
	}

	controlURL, dataAddr, err := resolvePrimary(ctx, cfg)
	if err != nil {
		return err
	}
	slog.Info("replicating", "control_url", controlURL, "data_addr", dataAddr, "path", cfg.Store.Path)

	reg := newMetricsRegistry()
	coordinator, err := replication.NewCoordinator(
		cfg.Replica.Coordinator(dataAddr),
		cfg.Store.Path,
		func(path string) (*store.Store, error) {
			return store.Open(cfg.Store.WithPath(path))
		},
		rpc.NewControlClient(controlURL, cfg.Replica.AuthKey),
		metrics.New(reg),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := coordinator.Close(); err != nil {
			slog.Error("failed to close replica store", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coordinator.Run(gctx)
	})
	if cfg.Replica.HTTPAddr != "" {
		var gatherer prometheus.Gatherer
		if cfg.Metrics.Enabled {
			gatherer = reg
		}
		g.Go(func() error {
			return serveReplicaHTTP(gctx, cfg.Replica.HTTPAddr, replicaReader{coordinator: coordinator}, gatherer)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("replica stopped", "seq", coordinator.Engine().LatestSequenceNumber())
	return nil
}
