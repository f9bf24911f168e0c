package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"notebook-sync-client/internal/domain"
	"notebook-sync-client/internal/render"
	"notebook-sync-client/internal/service"
	"notebook-sync-client/internal/websocket"

	"github.com/spf13/cobra"
)

var evalCmd = &cobra.Command{
	Use:   "eval <cell-id>",
	Short: "Evaluate one cell and print its rendered output",
	Args:  cobra.ExactArgs(1),
	RunE:  runEval,
}

func init() {
	evalCmd.Flags().Duration("timeout", 30*time.Second, "how long to wait for the channel and the result")
	rootCmd.AddCommand(evalCmd)
}

// evalWatcher turns session events into signals for the eval command. It is
// called on the session goroutine, so it never blocks.
type evalWatcher struct {
	cellID string
	open   chan struct{}
	closed chan struct{}
	output chan struct{}
}

func newEvalWatcher(cellID string) *evalWatcher {
	return &evalWatcher{
		cellID: cellID,
		open:   make(chan struct{}, 1),
		closed: make(chan struct{}, 1),
		output: make(chan struct{}, 1),
	}
}

func (w *evalWatcher) Publish(event *websocket.Event) {
	switch event.Type {
	case websocket.EventChannelState:
		var payload struct {
			State domain.ChannelState `json:"state"`
		}
		if err := event.UnmarshalPayload(&payload); err != nil {
			return
		}
		switch payload.State {
		case domain.ChannelOpen:
			notify(w.open)
		case domain.ChannelClosed:
			notify(w.closed)
		}
	case websocket.EventOutputUpdated:
		if event.CellID == w.cellID {
			notify(w.output)
		}
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func runEval(cmd *cobra.Command, args []string) error {
	cellID := args[0]
	timeout, _ := cmd.Flags().GetDuration("timeout")

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signalContext()
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := a.openEvalLog(ctx); err != nil {
		return err
	}

	watcher := newEvalWatcher(cellID)
	session := a.newSession(watcher)

	runErr := make(chan error, 1)
	go func() {
		runErr <- session.Run(ctx)
	}()

	entry, err := evaluateOnce(ctx, session, watcher, a.cfg.WebSocket.Reconnect)
	cancel()
	if loadErr := <-runErr; loadErr != nil {
		return loadErr
	}
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), render.Text(render.FormatOutput(entry)))
	if entry.Command == domain.OutputError {
		return &domain.EvaluationError{CellID: cellID, Message: entry.Message}
	}
	return nil
}

func evaluateOnce(ctx context.Context, session *service.Session, w *evalWatcher, reconnect bool) (*domain.OutputEntry, error) {
	select {
	case <-session.Ready():
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	st, err := session.Status(ctx)
	if err != nil {
		return nil, err
	}
	if st.State != service.SessionReady {
		return nil, fmt.Errorf("notebook not loaded: %s", st.Error)
	}

	// With reconnect enabled a close before the first Open is transient.
	for st.Channel != domain.ChannelOpen {
		select {
		case <-w.open:
			st.Channel = domain.ChannelOpen
		case <-w.closed:
			if !reconnect {
				return nil, &domain.ChannelUnavailableError{State: domain.ChannelClosed}
			}
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for channel: %w", ctx.Err())
		}
	}

	// Evaluate checks the live state; only closes after the send matter.
	select {
	case <-w.closed:
	default:
	}
	seq, err := session.Evaluate(ctx, w.cellID)
	if err != nil {
		return nil, err
	}

	select {
	case <-w.output:
	case <-w.closed:
		return nil, &domain.ChannelUnavailableError{State: domain.ChannelClosed}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("no result for cell %s (seq %d): %w", w.cellID, seq, ctx.Err())
		}
		return nil, ctx.Err()
	}

	return session.Output(ctx, w.cellID)
}
