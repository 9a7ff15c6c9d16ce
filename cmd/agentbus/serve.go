package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/unidel2035/agentbus"
	"github.com/unidel2035/agentbus/internal/config"
)

func loadConfig(flags *globalFlags) (config.Config, error) {
	return config.Load(flags.configPath, flags.envFiles...)
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	var (
		addr     string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the message bus server",
		Long: `Run the bus with its websocket endpoint, /healthz, /livez and /metrics.
Broker transports listed in the config are attached at startup.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = logLevel
			}

			logger, err := cfg.Log.NewLogger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	busOptions, err := cfg.BusOptions()
	if err != nil {
		return err
	}

	hub, err := agentbus.NewHub(
		agentbus.WithLogger(logger),
		agentbus.WithBusOptions(busOptions...),
		agentbus.WithConnectPath(cfg.Server.ConnectPath),
		agentbus.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
	)
	if err != nil {
		return err
	}

	brokers, err := attachBrokers(ctx, hub, cfg.Transports, logger)
	if err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		if closeErr := hub.Close(shutdownCtx); closeErr != nil {
			logger.Error("hub shutdown", "error", closeErr)
			return errors.Join(err, closeErr)
		}
		return err
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           hub,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("agentbus listening",
			"addr", cfg.Server.Addr,
			"connectPath", cfg.Server.ConnectPath,
			"codec", cfg.Bus.Codec,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	brokers.close()
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("hub shutdown", "error", err)
	}
	return runErr
}
