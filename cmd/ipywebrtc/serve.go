package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/maartenbreddels/ipywebrtc/pkg/config"
	"github.com/maartenbreddels/ipywebrtc/pkg/logger"
	"github.com/maartenbreddels/ipywebrtc/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var flagTransport string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the host and its REST control surface",
	Long: `Run the host: load configuration, attach the configured transport and
serve the REST API until SIGINT or SIGTERM.

Examples:
  ipywebrtc serve
  ipywebrtc serve --config configs/config.yaml
  ipywebrtc serve --transport memory`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if flagTransport != "" {
			cfg.Transport.Kind = flagTransport
			if err := cfg.Validate(); err != nil {
				return err
			}
		}
		return serve(cmd.Context(), cfg)
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagTransport, "transport", "", "override transport.kind (memory, websocket or redis)")
}

func serve(parent context.Context, cfg *config.Config) error {
	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer log.Sync()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "ipywebrtc",
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: "production",
		SampleRate:  cfg.Tracing.SamplingRate,
	})
	if err != nil {
		return err
	}

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	if err := a.start(ctx); err != nil {
		return err
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      a.router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting ipywebrtc host",
			"address", cfg.Server.Address,
			"transport", cfg.Transport.Kind,
			"auth", cfg.Auth.Enabled,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case err := <-serverErr:
		runErr = fmt.Errorf("server failed: %w", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	case <-ctx.Done():
	}

	log.Info("shutting down ipywebrtc host")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}
	a.stop(shutdownCtx)
	cancel()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}
	log.Info("ipywebrtc host stopped")
	return runErr
}
