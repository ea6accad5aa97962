// Package cli implements the tally command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jacentio/tally/account"
	"github.com/jacentio/tally/lock"
	"github.com/jacentio/tally/metrics"
	"github.com/jacentio/tally/ratelimit"
	"github.com/jacentio/tally/store"
	"github.com/jacentio/tally/versioning"
)

// Version of the tally CLI.
const Version = "0.3.0"

// app holds what the subcommands share once the store is connected.
type app struct {
	viper    *viper.Viper
	dial     Dialer
	registry *prometheus.Registry
	stats    *metrics.Collectors
	logger   *slog.Logger
	server   *http.Server
	served   string // bound metrics address
	store    *store.Store
	locks    *lock.Manager
	limits   *ratelimit.Persister
	repo     *account.Repository
}

// NewRootCmd builds the tally command tree. dial opens the DynamoDB API;
// nil uses DialDynamoDB.
func NewRootCmd(dial Dialer) *cobra.Command {
	root, _ := newRootCmd(dial)
	return root
}

func newRootCmd(dial Dialer) (*cobra.Command, *app) {
	if dial == nil {
		dial = DialDynamoDB
	}
	reg := prometheus.NewRegistry()
	a := &app{viper: viper.New(), dial: dial, registry: reg, stats: metrics.New(reg)}

	root := &cobra.Command{
		Use:   "tally",
		Short: "accounts, leases and rate limits on DynamoDB",
		Long: fmt.Sprintf(`tally (v%s)

Optimistically versioned accounts, lease-based distributed locks and
token-bucket persistence on top of DynamoDB conditional writes.`, Version),
		SilenceUsage: true,
	}
	setupStoreFlags(root)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of tally",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tally v%s\n", Version)
		},
	}

	root.AddCommand(
		a.accountCommands(),
		a.lockCommands(),
		a.rateLimitCommands(),
		versionCmd,
	)
	return root, a
}

// connect is the PersistentPreRunE of every command group.
func (a *app) connect(cmd *cobra.Command, _ []string) error {
	initConfig(a.viper)
	if err := bindCommandFlags(a.viper, cmd); err != nil {
		return err
	}

	logger, err := newLogger(a.viper.GetString("log-level"))
	if err != nil {
		return err
	}
	client, err := a.dial(cmd.Context(), clientConfig(a.viper))
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	a.logger = logger
	a.store = store.New(client, storeConfig(a.viper), logger)
	a.locks = lock.New(a.store, "", lock.WithMetrics(a.stats))
	a.limits = ratelimit.New(a.store, "", ratelimit.WithMetrics(a.stats))
	a.repo = account.NewRepository(a.store, versioning.New(a.store, versioning.WithMetrics(a.stats)))

	if addr := a.viper.GetString("metrics-addr"); addr != "" {
		if err := a.serveMetrics(addr); err != nil {
			return err
		}
	}
	return nil
}

// serveMetrics exposes /metrics and /health on addr until flush shuts it down.
func (a *app) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	r := mux.NewRouter()
	r.Handle("/metrics", metrics.Handler(a.registry)).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	a.server = &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	a.served = ln.Addr().String()
	a.logger.Debug("serving metrics", "addr", a.served)
	return nil
}

// flush is the PersistentPostRunE of every command group. It pushes the
// counters gathered during the command and stops the metrics server.
func (a *app) flush(cmd *cobra.Command, _ []string) error {
	var errs []error
	if url := a.viper.GetString("pushgateway"); url != "" {
		instance, _ := os.Hostname()
		if err := metrics.NewPusher(url, "tally", instance, a.registry).AddContext(cmd.Context()); err != nil {
			errs = append(errs, fmt.Errorf("push metrics: %w", err))
		}
	}
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 5*time.Second)
		defer cancel()
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics server: %w", err))
		}
		a.server = nil
	}
	return errors.Join(errs...)
}
