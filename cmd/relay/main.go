package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/Phone/internal/adapters/http"
	wsignal "github.com/dkeye/Phone/internal/adapters/signal"
	"github.com/dkeye/Phone/internal/app"
	"github.com/dkeye/Phone/internal/config"
	"github.com/dkeye/Phone/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	m := metrics.New(prometheus.NewRegistry())
	registry := app.NewRegistry()
	policy := app.SimplePolicy{Kick: cfg.Relay.KickOnBackpress}
	limiter := wsignal.NewInviteLimiter(cfg.Relay.InviteLimit, cfg.Relay.InviteWindow, nil)
	relay := app.NewRelay(registry, policy, limiter, m)

	ctrl := wsignal.NewSignalWSController(relay, m, wsignal.Options{
		Secret:     cfg.Relay.Secret,
		ReadLimit:  cfg.Relay.ReadLimit,
		PingPeriod: cfg.Relay.PingPeriod,
		SendBuffer: cfg.Relay.SendBuffer,
	})

	r := router.SetupRouter(ctx, cfg.Relay, ctrl, registry, m.Handler())
	addr := fmt.Sprintf(":%d", cfg.Relay.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("signaling relay started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
