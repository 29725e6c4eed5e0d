package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/certgate/config"
	"github.com/jmcleod/certgate/gateway"
	"github.com/jmcleod/certgate/issuer"
	"github.com/jmcleod/certgate/journal"
)

const (
	adminWriteTimeout    = 30 * time.Second
	journalPruneInterval = time.Hour
)

var (
	listenAddr      string
	adminListenAddr string
	tlsCert         string
	tlsKey          string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the certificate gateway",
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVar(&listenAddr, "listen", "", "Proxy listen address (overrides config)")
	serverCmd.Flags().StringVar(&adminListenAddr, "admin-listen", "", "Admin API listen address (overrides config)")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if adminListenAddr != "" {
		cfg.AdminListen = adminListenAddr
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	store, closeStore, err := openJournal(cfg.JournalPath, cfg.JournalMemoryCapacity)
	if err != nil {
		return err
	}
	defer closeStore()
	writer := journal.NewWriter(store, journal.DefaultQueueSize, logger)
	defer writer.Close()

	engine := issuer.New(
		issuer.WithLogger(logger),
		issuer.WithLedgerCapacity(cfg.LedgerCapacity),
		issuer.WithJournal(writer),
	)

	tenants := cfg.TenantList()
	gw, err := gateway.New(engine, tenants,
		gateway.WithLogger(logger),
		gateway.WithAlertFunc(func(e gateway.AlertEvent) {
			logger.Warn("alert", "type", string(e.Type), "message", e.Message, "count", e.Count, "threshold", e.Threshold)
		}),
	)
	if err != nil {
		return err
	}

	tlsConfig, err := loadTLSConfig(tlsCert, tlsKey)
	if err != nil {
		return err
	}

	servers := []*http.Server{newHTTPServer(cfg.Listen, gw.Router(), tlsConfig, cfg.ProxyWriteTimeout())}
	if cfg.AdminListen != "" {
		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})
		r.Mount("/api/v1", gateway.NewAdmin(engine, store, tenants).Router())
		servers = append(servers, newHTTPServer(cfg.AdminListen, r, nil, adminWriteTimeout))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go sweepLedger(ctx, engine, cfg.LedgerSweepInterval(), logger)
	go pruneJournal(ctx, store, cfg.JournalRetention(), journalPruneInterval, logger)

	// Graceful shutdown on SIGINT/SIGTERM.
	done := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			var err error
			if srv.TLSConfig != nil {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server %s failed: %w", srv.Addr, err)
				return
			}
			done <- nil
		}()
	}

	out := cmd.OutOrStdout()
	printBanner(out)
	fmt.Fprintf(out, "Proxying %d tenant(s) on %s\n", len(tenants), cfg.Listen)
	if cfg.AdminListen != "" {
		fmt.Fprintf(out, "Admin API on %s\n", cfg.AdminListen)
	}

	select {
	case <-ctx.Done():
		fmt.Fprintln(out, "\nShutting down...")
	case err = <-done:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if serr := srv.Shutdown(shutdownCtx); serr != nil && err == nil {
			err = fmt.Errorf("server shutdown failed: %w", serr)
		}
	}
	return err
}

// openJournal opens the journal file at path, or an in-memory journal of at
// most memCapacity records when path is empty.
func openJournal(path string, memCapacity int) (journal.Store, func(), error) {
	if path == "" {
		return journal.NewMemoryStore(memCapacity), func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	store, err := journal.NewBoltStoreFromFile(path, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return store, func() { store.Close() }, nil
}

func loadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" && keyFile == "" {
		return nil, nil
	}
	if certFile == "" || keyFile == "" {
		return nil, errors.New("--tls-cert and --tls-key must be given together")
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// newHTTPServer returns a server with conservative read timeouts. A zero
// writeTimeout leaves response writes unbounded.
func newHTTPServer(addr string, h http.Handler, tlsConfig *tls.Config, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}
}

// sweepLedger periodically reclaims pending certificates whose requests
// never completed.
func sweepLedger(ctx context.Context, engine *issuer.Engine, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := engine.SweepPending(); n > 0 {
				logger.Info("reclaimed expired pending certificates", "count", n)
			}
		}
	}
}

// pruneJournal deletes journal records older than retention, once at start
// and then every interval. A zero retention keeps records forever.
func pruneJournal(ctx context.Context, store journal.Store, retention, interval time.Duration, logger *slog.Logger) {
	if retention <= 0 || interval <= 0 {
		return
	}
	pruneStale(ctx, store, retention, logger)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruneStale(ctx, store, retention, logger)
		}
	}
}

func pruneStale(ctx context.Context, store journal.Store, retention time.Duration, logger *slog.Logger) {
	n, err := store.Prune(ctx, time.Now().Add(-retention))
	if err != nil {
		logger.Warn("journal prune failed", "error", err)
		return
	}
	if n > 0 {
		logger.Info("pruned journal records", "count", n, "retention", retention.String())
	}
}
