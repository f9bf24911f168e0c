package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"notebook-sync-client/internal/handler"
	"notebook-sync-client/internal/websocket"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open the notebook and serve the local bridge API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (host:port); overrides HOST and PORT")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signalContext()
	defer stop()

	if err := a.openEvalLog(ctx); err != nil {
		return err
	}

	cfg := a.cfg
	hub := websocket.NewHub(
		cfg.Bridge.MaxSubscribers,
		cfg.WebSocket.WriteWait,
		cfg.WebSocket.PongWait,
		cfg.WebSocket.PingPeriod,
		a.logger,
	)
	session := a.newSession(hub)

	router := handler.NewRouter(
		handler.NewNotebookHandler(session, a.logger),
		handler.NewEventsHandler(hub, cfg.WebSocket.ReadBufferSize, cfg.WebSocket.WriteBufferSize, cfg.CORS.AllowedOrigins, a.logger),
		handler.RouterConfig{
			JWTSecret:      cfg.JWT.Secret,
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			AllowedMethods: cfg.CORS.AllowedMethods,
			AllowedHeaders: cfg.CORS.AllowedHeaders,
		},
		a.logger,
	)

	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = net.JoinHostPort(cfg.Bridge.Host, cfg.Bridge.Port)
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	// A failed load keeps the bridge up so the UI can read the error from
	// /status; the session only ends when the process does.
	g.Go(func() error {
		if err := session.Run(gctx); err != nil {
			a.logger.Error("[Main] notebook session failed to load", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		a.logger.Info("[Main] bridge listening", "addr", addr, "execution", cfg.Execution.BaseURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("[Main] shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info("[Main] stopped")
	return nil
}
