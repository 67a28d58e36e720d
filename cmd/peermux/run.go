package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pivaldi/peermux/internal/config"
	"github.com/pivaldi/peermux/internal/heartbeat"
	"github.com/pivaldi/peermux/internal/identity"
	"github.com/pivaldi/peermux/internal/logging"
	"github.com/pivaldi/peermux/internal/metrics"
	"github.com/pivaldi/peermux/internal/mux"
	"github.com/pivaldi/peermux/internal/node"
	"github.com/pivaldi/peermux/internal/p2p"
)

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(v, path)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	cmd.Flags().String("listen", "", "Listen multiaddr.")
	cmd.Flags().StringSlice("peer", nil, "Peer multiaddr to connect to (repeatable).")
	cmd.Flags().String("role", "", "Process role: client|server.")
	cmd.Flags().String("seed", "", "Seed file; created if missing, ephemeral if empty.")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address.")
	_ = v.BindPFlag("listen", cmd.Flags().Lookup("listen"))
	_ = v.BindPFlag("peers", cmd.Flags().Lookup("peer"))
	_ = v.BindPFlag("role", cmd.Flags().Lookup("role"))
	_ = v.BindPFlag("seed", cmd.Flags().Lookup("seed"))
	_ = v.BindPFlag("metrics_addr", cmd.Flags().Lookup("metrics-addr"))
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	for _, w := range cfg.Warnings() {
		log.Warn(w)
	}

	role, err := mux.ParseRole(cfg.Role)
	if err != nil {
		return err
	}

	seed, err := identity.LoadOrCreateSeed(cfg.Seed)
	if err != nil {
		return err
	}
	keys, err := identity.DeriveKeys(seed)
	if err != nil {
		return err
	}

	h, err := p2p.NewHost(keys.Libp2pPriv, cfg.Listen)
	if err != nil {
		return err
	}
	defer h.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	met := metrics.New(reg)

	t := cfg.Timeouts
	m := mux.New(mux.Options{
		Role:            role,
		StalledTimeout:  t.StalledTimeout,
		ResponseTimeout: t.ResponseTimeout,
		SelectorTimeout: t.SelectorTimeout,
		Logger:          log.Named("mux"),
		Metrics:         met,
	})
	n := node.New(h, m, node.Options{
		Agent:   "peermux/" + role.String(),
		Logger:  log.Named("node"),
		Metrics: met,
	})
	hb := heartbeat.New(m, n, heartbeat.Options{
		Interval:        t.HeartbeatInterval,
		Timeout:         t.HeartbeatTimeout,
		ResponseTimeout: t.HeartbeatResponseTimeout,
		PauseTimeout:    t.HeartbeatPauseTimeout,
		Logger:          log.Named("heartbeat"),
		Metrics:         met,
	})
	n.SetPongHandler(hb)

	log.Info("node started", zap.Stringer("peer", keys.PeerID), zap.String("role", role.String()))
	for _, a := range p2p.FullAddrs(h) {
		log.Info("listening", zap.String("addr", a))
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if len(cfg.Peers) > 0 {
		g.Go(func() error {
			dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if err := n.ConnectAll(dialCtx, cfg.Peers); err != nil {
				// Unreachable peers are not fatal; the ones that answered
				// are in use.
				log.Warn("some peers are unreachable", zap.Error(err))
			}
			return nil
		})
	}

	hb.Start()
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		hb.Stop()
		return n.Close()
	})

	return g.Wait()
}
