package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	app "intercom-bridge/internal"
	"intercom-bridge/internal/config"
	"intercom-bridge/internal/observability"
	"intercom-bridge/internal/storage"
	"intercom-bridge/internal/utils"
)

const shutdownTimeout = 10 * time.Second

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the bridge and its HTTP API",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Println("Starting intercom bridge...")
		if err := ServerMain(ctx, cfg, provider); err != nil {
			slog.Error("Server stopped with error", "error", err)
			os.Exit(1)
		}
	},
}

func ServerMain(ctx context.Context, cfg *config.Config, storageProvider storage.Provider) error {
	if cfg == nil {
		panic("Config not initialized.")
	}
	if storageProvider == nil {
		return errors.New("storage provider is nil")
	}

	if err := observability.InitSentry(cfg.Sentry.DSN, cfg.Sentry.Environment, utils.GetVersion()); err != nil {
		slog.Warn("Failed to initialize Sentry", "error", err)
	}
	defer observability.FlushSentry()

	c, err := build(ctx, cfg, storageProvider)
	if err != nil {
		return err
	}

	c.hub.Start(ctx)
	defer c.hub.Stop()

	if err := c.bridge.Start(ctx); err != nil {
		return err
	}
	defer c.bridge.Stop()

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           app.HTTPServer(cfg, c.bridge, c.stream),
		ReadHeaderTimeout: 10 * time.Second,
		// Event streams end when the server is asked to stop
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("HTTP API listening", "addr", cfg.Listen, "version", utils.GetVersion())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down HTTP API")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
