package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cybergolemai/gollem-lob/internal/breaker"
	"github.com/cybergolemai/gollem-lob/internal/config"
	"github.com/cybergolemai/gollem-lob/internal/forward"
	"github.com/cybergolemai/gollem-lob/internal/latency"
	"github.com/cybergolemai/gollem-lob/internal/ledger"
	"github.com/cybergolemai/gollem-lob/internal/match"
	"github.com/cybergolemai/gollem-lob/internal/orderbook"
	"github.com/cybergolemai/gollem-lob/internal/ratelimit"
	"github.com/cybergolemai/gollem-lob/internal/reaper"
	"github.com/cybergolemai/gollem-lob/internal/service"
	"github.com/cybergolemai/gollem-lob/internal/store"

	httpiface "github.com/cybergolemai/gollem-lob/internal/interfaces/http"
)

const version = "v0.3.0"

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	var configPath string

	rootCmd := &cobra.Command{
		Use:     "matcher",
		Short:   "gollem inference marketplace matching engine",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the matcher service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("matcher exited")
		os.Exit(1)
	}
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.RedisURL, log.Logger)
	if err != nil {
		return err
	}
	defer st.Close()

	book := orderbook.New(st, cfg.OrderBook.StaleThreshold, log.Logger)
	brk := breaker.New(cfg.Breaker.FailureThreshold, cfg.Breaker.ResetTimeout, cfg.Breaker.HalfOpenTimeout)
	lim := ratelimit.New(cfg.RateLimit.Capacity, cfg.RateLimit.FillRate)
	rt := latency.New(cfg.Latency.Window, cfg.Latency.StaleAfter)
	led := ledger.New(st, log.Logger)
	fwd := forward.New(cfg.Upstream.DeadlineFactor, log.Logger)

	pipeline := match.New(book, brk, lim, rt, led, log.Logger)
	svc := service.New(pipeline, book, brk, lim, rt, led, fwd, log.Logger)

	go reaper.New(book, brk, lim, rt, cfg.Reaper.Interval, cfg.Reaper.IdleWindow, log.Logger).Run(ctx)

	server := httpiface.NewServer(cfg.Listen, svc, log.Logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
