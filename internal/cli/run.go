package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"lifeline/internal/api"
	"lifeline/internal/scheduler"
	"lifeline/internal/store"
)

const shutdownTimeout = 30 * time.Second

func newRunCmd() *cobra.Command {
	var (
		addr  string
		debug bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the heartbeat daemon and its HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, addr, debug)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP bind address (overrides config)")
	cmd.Flags().BoolVar(&debug, "pprof", false, "Expose /debug/pprof")
	return cmd
}

func runDaemon(ctx context.Context, addr string, debug bool) error {
	a, err := openApp(ctx, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfgPath != "" {
		logger.Info().Str("path", a.cfgPath).Msg("config loaded")
	}
	clearStaleLeases(ctx, a.store, logger)

	daemon := scheduler.NewDaemon(a.sched, a.cfg.Heartbeat.Interval, logger)
	daemon.Start()

	if addr == "" {
		addr = a.cfg.Addr
	}
	srv := &http.Server{Addr: addr, Handler: api.NewServerWithDebug(a.store, a.sched, debug)}
	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Str("owner", a.sched.OwnerID()).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
		logger.Error().Err(runErr).Msg("http server")
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := daemon.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("in-flight tick did not finish before shutdown deadline")
	}
	return runErr
}

// clearStaleLeases reclaims leases left by a crashed process. Failure is not
// fatal; the first tick retries it.
func clearStaleLeases(ctx context.Context, st store.Store, log zerolog.Logger) {
	n, err := st.ClearExpiredLeases(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to clear expired leases")
		return
	}
	log.Info().Int("recovered", n).Msg("cleared expired leases")
}
