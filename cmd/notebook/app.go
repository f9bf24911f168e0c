package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"notebook-sync-client/internal/config"
	"notebook-sync-client/internal/repository"
	"notebook-sync-client/internal/service"
	"notebook-sync-client/internal/websocket"
	"notebook-sync-client/pkg/jwt"
	"notebook-sync-client/pkg/logger"

	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/go-kivik/kivik/v4"
	"github.com/spf13/cobra"
)

const tokenSubject = "notebook-sync-client"

// app holds what every command needs: configuration, logging and the
// execution service collaborators.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	closeLog func() error
	execRepo repository.ExecutionRepository
	evalLog  repository.EvaluationLogRepository
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	applyFlagOverrides(cmd, cfg)

	log, closeLog, err := logger.New(logger.Options{
		Level: cfg.Logging.Level,
		File:  cfg.Logging.File,
	})
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   log,
		closeLog: closeLog,
	}

	var token repository.TokenSource
	if cfg.Execution.TokenSecret != "" {
		token = func() (string, error) {
			return jwt.GenerateToken(tokenSubject, cfg.Execution.TokenTTL, cfg.Execution.TokenSecret)
		}
	}
	a.execRepo = repository.NewExecutionRepository(cfg.Execution.BaseURL, cfg.Execution.RequestTimeout, token)

	return a, nil
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if v, _ := cmd.Flags().GetString("exec-url"); v != "" {
		cfg.Execution.BaseURL = v
	}
	if v, _ := cmd.Flags().GetString("ws-url"); v != "" {
		cfg.WebSocket.URL = v
	}
}

// openEvalLog connects to CouchDB and creates the evaluation database if it
// does not exist yet.
func (a *app) openEvalLog(ctx context.Context) error {
	if !a.cfg.EvalLog.Enabled {
		return nil
	}

	client, err := kivik.New("couch", a.cfg.EvalLog.CouchURL())
	if err != nil {
		return fmt.Errorf("failed to connect to CouchDB: %w", err)
	}

	name := a.cfg.EvalLog.Name
	exists, err := client.DBExists(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check database existence: %w", err)
	}
	if !exists {
		if err := client.CreateDB(ctx, name); err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
		a.logger.Info("[Main] created evaluation database", "name", name)
	}

	if err := repository.EnsureEvaluationIndex(ctx, client, name); err != nil {
		return err
	}

	a.evalLog = repository.NewEvaluationLogRepository(client, name)
	a.logger.Info("[Main] evaluation log enabled", "host", a.cfg.EvalLog.Host, "db", name)
	return nil
}

func (a *app) channelFactory() service.ChannelFactory {
	ws := a.cfg.WebSocket
	return func(notebookID string) service.Channel {
		cfg := websocket.ChannelConfig{
			URL:              ws.URL,
			NotebookID:       notebookID,
			HandshakeTimeout: ws.HandshakeTimeout,
			WriteWait:        ws.WriteWait,
			PongWait:         ws.PongWait,
			PingPeriod:       ws.PingPeriod,
			MaxMessageSize:   ws.MaxMessageSize,
			Reconnect:        ws.Reconnect,
			ReconnectDelay:   ws.ReconnectDelay,
		}
		if secret := a.cfg.Execution.TokenSecret; secret != "" {
			ttl := a.cfg.Execution.TokenTTL
			cfg.Authorize = func() (string, error) {
				return jwt.GenerateNotebookToken(tokenSubject, notebookID, ttl, secret)
			}
		}
		return websocket.NewChannel(cfg, a.logger)
	}
}

// newSession builds a session. evalLog stays a nil interface unless
// openEvalLog succeeded, which disables history.
func (a *app) newSession(publisher service.Publisher) *service.Session {
	return service.NewSession(a.execRepo, a.evalLog, publisher, a.channelFactory(), a.logger)
}

func (a *app) close() {
	if err := a.closeLog(); err != nil {
		fmt.Fprintln(os.Stderr, "failed to close log file:", err)
	}
}
