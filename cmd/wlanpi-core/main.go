// Command wlanpi-core runs the local credential and authorization core:
// it issues, verifies, and revokes device tokens for the appliance's
// other local services, over a small JSON API reachable on loopback and,
// for bearer-authenticated clients, remotely.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wlanpi/wlanpi-core/internal/activity"
	"github.com/wlanpi/wlanpi-core/internal/api"
	"github.com/wlanpi/wlanpi-core/internal/authgate"
	"github.com/wlanpi/wlanpi-core/internal/config"
	"github.com/wlanpi/wlanpi-core/internal/db"
	"github.com/wlanpi/wlanpi-core/internal/logger"
	"github.com/wlanpi/wlanpi-core/internal/middleware"
	"github.com/wlanpi/wlanpi-core/internal/retention"
	"github.com/wlanpi/wlanpi-core/internal/secrets"
	"github.com/wlanpi/wlanpi-core/internal/signingkey"
	"github.com/wlanpi/wlanpi-core/internal/token"
	"github.com/wlanpi/wlanpi-core/internal/tokencache"
)

func main() {
	cfg := config.Load()
	logger.Initialize(cfg.LogLevel, cfg.LogPretty)

	if err := cfg.Validate(); err != nil {
		logger.Log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Log.Info().Str("dir", cfg.SecretsDir).Msg("provisioning secrets store")
	store, err := secrets.LoadOrCreate(cfg.SecretsDir)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("failed to provision secrets store")
	}

	logger.Log.Info().Str("path", cfg.DBPath).Msg("opening database")
	database, err := db.Open(ctx, cfg.DBPath, cfg.DBMaxSizeMB)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("failed to open database")
	}
	defer database.Close()

	keys := signingkey.New(database.DB(), store)
	if _, err := keys.GetActive(ctx); err != nil {
		logger.Log.Fatal().Err(err).Msg("failed to bootstrap signing key")
	}

	cache := tokencache.New(cfg.ValidationCacheTTL, cfg.TimestampCacheTTL, cfg.TimestampCacheCap)
	tokens := token.New(database.DB(), keys, cache, cfg.Issuer, cfg.TokenTTL, cfg.TimeValidation)
	gate := authgate.New(store, tokens)

	recorder := activity.New(database.DB(), cfg.ActivityFlushSize, cfg.ActivityFlushInterval)
	recorder.Start()
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		recorder.Stop(stopCtx)
	}()

	sweeper := retention.New(database.DB(), tokens, cfg.TokenPurgeInterval, cfg.ActivityTrimInterval, cfg.ActivityRetentionSpan)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	logConfig := middleware.DefaultStructuredLoggerConfig()
	timeoutConfig := middleware.DefaultTimeoutConfig()

	router := api.NewRouter(api.Dependencies{Gate: gate, Tokens: tokens, Recorder: recorder}, logConfig, timeoutConfig)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		logger.Log.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error().Err(err).Msg("server forced to shutdown")
	}

	fmt.Fprintln(os.Stderr, "wlanpi-core stopped")
}
