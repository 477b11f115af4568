package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/logtail/internal/config"
	"github.com/dgnsrekt/logtail/internal/server"
	"github.com/dgnsrekt/logtail/internal/source"
)

func serveCmd() *cobra.Command {
	var (
		port    int
		file    string
		maxRate float64
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a log file or stdin to tail clients",
		Long: `Serve log lines to websocket clients at /stream.

Lines are read from --file (followed as it grows) or from stdin. JSON
object lines are sent as is; any other line is wrapped with its parse
error.

Examples:
  # Follow an application log
  logtail serve --file /var/log/app.log

  # Pipe another process, pacing each client to 50 entries per second
  ./app 2>&1 | logtail serve --port 9000 --max-rate 50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("port") {
				cfg.Server.Port = port
			}
			if flags.Changed("file") {
				cfg.Server.File = file
			}
			if flags.Changed("max-rate") {
				cfg.Server.MaxRate = maxRate
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return runServe(cmd, &cfg.Server)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "listen port (default from config)")
	cmd.Flags().StringVar(&file, "file", "", "log file to follow (default stdin)")
	cmd.Flags().Float64Var(&maxRate, "max-rate", 0, "max entries per second per client (0 = unlimited)")

	return cmd
}

func runServe(cmd *cobra.Command, serverCfg *config.ServerConfig) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	log := source.NewLog()

	// Ingest in the background; a failed source stops the server.
	ingestErr := make(chan error, 1)
	go func() {
		var err error
		if serverCfg.File != "" {
			err = source.FollowFile(ctx, serverCfg.File, log, logger)
		} else {
			logger.Info("reading log lines from stdin")
			err = source.ReadFrom(ctx, cmd.InOrStdin(), log)
			if err == nil {
				logger.Info("stdin closed", zap.Int64("entries", log.Len()))
				return
			}
		}
		if err != nil {
			ingestErr <- err
		}
	}()

	srv := server.NewServer(log, serverCfg, logger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", serverCfg.Port),
		Handler:           server.NewRouter(srv, logger),
		ReadHeaderTimeout: 30 * time.Second,
	}
	// Stream sessions are hijacked connections; Shutdown does not wait for them.
	httpServer.RegisterOnShutdown(srv.Close)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			zap.String("addr", httpServer.Addr),
			zap.String("file", serverCfg.File),
			zap.Float64("maxRate", serverCfg.MaxRate),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var result error
	select {
	case <-ctx.Done():
	case err := <-ingestErr:
		result = fmt.Errorf("reading log source: %w", err)
	case err := <-serveErr:
		result = fmt.Errorf("server error: %w", err)
	}

	logger.Info("shutting down server...")
	cancel()

	// Graceful HTTP server shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		result = errors.Join(result, err)
	}

	logger.Info("server stopped")
	return result
}
