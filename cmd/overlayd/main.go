// overlayd is the peer-to-peer connection core daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/veilnet/overlayd/internal/config"
	"github.com/veilnet/overlayd/internal/core"
	"github.com/veilnet/overlayd/internal/identity"
	"github.com/veilnet/overlayd/internal/introspect"
	"github.com/veilnet/overlayd/internal/metrics"
	"github.com/veilnet/overlayd/internal/store"
	"github.com/veilnet/overlayd/internal/transport"
	appversion "github.com/veilnet/overlayd/internal/version"
)

// shutdownTimeout bounds how long HTTP servers are given to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	root := rootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "overlayd",
		Short:         "Peer-to-peer connection core daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file (YAML)")

	cmd.AddCommand(runCmd(&configPath))
	cmd.AddCommand(versionCmd())

	return cmd
}

func runCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the overlayd daemon",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runDaemon(*configPath)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print overlayd build information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(appversion.Full("overlayd"))
		},
	}
}

// runDaemon loads configuration, wires every component, and blocks
// until a termination signal arrives or a component fails. Adapted
// from the teacher's run()/runServers() shape: flags -> config ->
// logger -> metrics -> manager -> errgroup -> graceful drain.
func runDaemon(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()))
		return err
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLogger(cfg.Log, logLevel)

	logger.Info("overlayd starting",
		slog.String("version", appversion.Version),
		slog.String("introspect_addr", cfg.Introspect.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	st, err := store.New(cfg.Store.Home)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	hostkey, err := st.LoadOrCreateHostkey()
	if err != nil {
		return fmt.Errorf("load hostkey: %w", err)
	}
	idStore := identity.NewFromKey(hostkey)

	seedTrust(st, idStore, logger)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	drivers, err := buildDrivers(cfg.Network, logger)
	if err != nil {
		return fmt.Errorf("build transport drivers: %w", err)
	}

	mgr := core.NewManager(core.ManagerConfig{
		Identity:              idStore,
		Drivers:               drivers,
		MaxNetDownBps:         cfg.Load.MaxNetDownBpsTotal,
		MaxNetUpBps:           cfg.Load.MaxNetUpBpsTotal,
		MinBpmPerPeer:         cfg.Load.MinBpmPerPeer,
		PrivateNetwork:        cfg.Network.PrivateNetwork,
		DisableAdvertisements: cfg.Network.DisableAdvertisements,
		PaddingEnabled:        cfg.Experimental.Padding,
		HelloTTL:              time.Duration(cfg.Overlayd.HeloExpiresMinutes) * time.Minute,
		BroadcastPeriod:       cfg.Overlayd.BroadcastPeriod,
		ForwardPeriod:         cfg.Overlayd.ForwardPeriod,
		Logger:                logger,
		Metrics:               collector,
	})

	return runServers(cfg, mgr, st, reg, logger)
}

// runServers starts the manager, the metrics and introspect HTTP
// servers, and reconnects to persisted known hosts, all under one
// errgroup bound to a signal-aware context.
func runServers(cfg *config.Config, mgr *core.Manager, st *store.Store, reg *prometheus.Registry, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return mgr.Run(gCtx)
	})

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	introspectSrv := newIntrospectServer(cfg.Introspect, mgr, logger)

	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", cfg.Metrics.Addr))
		return listenAndServe(gCtx, metricsSrv)
	})
	g.Go(func() error {
		logger.Info("introspection server listening", slog.String("addr", cfg.Introspect.Addr))
		return listenAndServe(gCtx, introspectSrv)
	})

	reconnectKnownHosts(gCtx, st, mgr, logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, mgr, logger, metricsSrv, introspectSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// seedTrust loads the persisted trust counters and applies them to a
// freshly constructed identity.Store, which otherwise starts every
// peer at trust 0.
func seedTrust(st *store.Store, idStore *identity.Store, logger *slog.Logger) {
	all, err := st.LoadAllTrust()
	if err != nil {
		logger.Warn("failed to load persisted trust counters", slog.String("error", err.Error()))
		return
	}
	for id, trust := range all {
		if trust != 0 {
			idStore.ChangeTrust(id, trust)
		}
	}
	logger.Info("loaded persisted trust counters", slog.Int("count", len(all)))
}

// reconnectKnownHosts loads persisted HELLOs and attempts to
// re-establish a connection to each one. Failures are logged and
// skipped; a peer that is no longer reachable should not block
// startup.
func reconnectKnownHosts(ctx context.Context, st *store.Store, mgr *core.Manager, logger *slog.Logger) {
	hellos, err := st.LoadKnownHosts()
	if err != nil {
		logger.Warn("failed to load known hosts", slog.String("error", err.Error()))
		return
	}
	for _, h := range hellos {
		if err := mgr.Connect(ctx, h); err != nil {
			logger.Warn("failed to reconnect to known host",
				slog.String("peer", h.Originator.String()),
				slog.String("error", err.Error()))
		}
	}
	logger.Info("reconnected to known hosts", slog.Int("count", len(hellos)))
}

// buildDrivers starts one transport.Driver per name in cfg.Transports,
// all bound to cfg.ListenAddr.
func buildDrivers(cfg config.NetworkConfig, logger *slog.Logger) (map[string]transport.Driver, error) {
	addr, err := netip.ParseAddrPort(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("parse listen address %q: %w", cfg.ListenAddr, err)
	}

	drivers := make(map[string]transport.Driver, len(cfg.Transports))
	for _, name := range cfg.Transports {
		switch name {
		case "udp":
			drv, err := transport.NewUDPDriver(addr, logger)
			if err != nil {
				return nil, fmt.Errorf("start udp driver: %w", err)
			}
			drivers["udp"] = drv
		default:
			return nil, fmt.Errorf("unsupported transport %q: %w", name, transport.ErrUnsupportedTransport)
		}
	}
	return drivers, nil
}

// -------------------------------------------------------------------------
// HTTP servers
// -------------------------------------------------------------------------

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func newIntrospectServer(cfg config.IntrospectConfig, mgr *core.Manager, logger *slog.Logger) *http.Server {
	srv := introspect.New(mgr, logger)
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func listenAndServe(ctx context.Context, srv *http.Server) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", srv.Addr, err)
	}
	return nil
}

// gracefulShutdown closes the manager (tearing down every connection)
// and shuts down every HTTP server within shutdownTimeout.
func gracefulShutdown(ctx context.Context, mgr *core.Manager, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")

	mgr.Close()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Config/logger helpers
// -------------------------------------------------------------------------

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLogger(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
