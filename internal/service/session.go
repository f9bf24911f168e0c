package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"notebook-sync-client/internal/domain"
	"notebook-sync-client/internal/notebook"
	"notebook-sync-client/internal/repository"
	"notebook-sync-client/internal/websocket"

	"github.com/google/uuid"
)

type SessionState string

const (
	SessionLoading    SessionState = "loading"
	SessionReady      SessionState = "ready"
	SessionLoadFailed SessionState = "load_failed"
)

// Channel is the connection a Session drives. *websocket.Channel satisfies it.
type Channel interface {
	Transport
	Run(ctx context.Context) error
	Inbound() <-chan *websocket.Message
	States() <-chan domain.ChannelState
	LastPong() time.Time
}

type ChannelFactory func(notebookID string) Channel

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(event *websocket.Event)

func (f PublisherFunc) Publish(event *websocket.Event) {
	f(event)
}

type Status struct {
	SessionID      string              `json:"session_id"`
	NotebookID     string              `json:"notebook_id,omitempty"`
	Title          string              `json:"title,omitempty"`
	State          SessionState        `json:"state"`
	Error          string              `json:"error,omitempty"`
	Channel        domain.ChannelState `json:"channel"`
	ReorderPending bool                `json:"reorder_pending"`
	LastPong       *time.Time          `json:"last_pong,omitempty"`
}

type loadResult struct {
	model *notebook.Model
	err   error
}

// Session owns one open notebook. Every read and write of notebook state runs
// on the goroutine executing Run; callers post work to it and wait.
type Session struct {
	id         string
	execRepo   repository.ExecutionRepository
	evalLog    repository.EvaluationLogRepository
	publisher  Publisher
	newChannel ChannelFactory
	logger     *slog.Logger

	actions chan func()
	ready   chan struct{}
	done    chan struct{}

	// owned by the Run goroutine
	state      SessionState
	loadErr    error
	notebookID string
	channel    Channel
	controller *SyncController
}

func NewSession(
	execRepo repository.ExecutionRepository,
	evalLog repository.EvaluationLogRepository,
	publisher Publisher,
	newChannel ChannelFactory,
	logger *slog.Logger,
) *Session {
	return &Session{
		id:         uuid.New().String(),
		execRepo:   execRepo,
		evalLog:    evalLog,
		publisher:  publisher,
		newChannel: newChannel,
		logger:     logger,
		actions:    make(chan func()),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
		state:      SessionLoading,
	}
}

func (s *Session) ID() string {
	return s.id
}

// Ready is closed once loading has finished, successfully or not.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// Run loads the notebook, opens the channel and serves the session until ctx
// is done. It returns the load error if loading failed.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)

	s.logger.Info("[Session] loading notebook", "session", s.id)
	loaded := make(chan loadResult, 1)
	go func() {
		model, err := notebook.Load(ctx, s.execRepo)
		loaded <- loadResult{model: model, err: err}
	}()

	var (
		inbound <-chan *websocket.Message
		states  <-chan domain.ChannelState
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("[Session] stopped", "session", s.id)
			return s.loadErr

		case res := <-loaded:
			loaded = nil
			if res.err != nil {
				s.fail(res.err)
				continue
			}
			s.start(ctx, res.model)
			inbound = s.channel.Inbound()
			states = s.channel.States()

		case fn := <-s.actions:
			fn()

		case msg := <-inbound:
			s.controller.HandleMessage(msg)

		case state := <-states:
			s.logger.Info("[Session] channel state changed", "state", state)
			// The channel queues every message it read before reporting a
			// state change; apply them first.
			s.drain(inbound)
			s.controller.OnChannelState(state)
		}
	}
}

func (s *Session) drain(inbound <-chan *websocket.Message) {
	for {
		select {
		case msg := <-inbound:
			s.controller.HandleMessage(msg)
		default:
			return
		}
	}
}

func (s *Session) fail(err error) {
	s.state = SessionLoadFailed
	s.loadErr = err
	close(s.ready)
	s.logger.Error("[Session] failed to load notebook", "error", err)
	s.publishState()
}

func (s *Session) start(ctx context.Context, model *notebook.Model) {
	s.notebookID = model.ID()
	s.channel = s.newChannel(model.ID())
	runner := &loopRunner{ctx: ctx, post: s.post}
	s.controller = NewSyncController(
		model,
		notebook.NewOutputStore(),
		s.channel,
		s.execRepo,
		s.evalLog,
		s.publisher,
		runner,
		s.logger,
	)

	go func() {
		if err := s.channel.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("[Session] channel stopped", "error", err)
		}
	}()

	s.state = SessionReady
	close(s.ready)
	s.logger.Info("[Session] notebook loaded",
		"notebook", model.ID(), "title", model.Title(), "cells", model.Cells().Len())
	s.publishState()
}

func (s *Session) publishState() {
	if s.publisher == nil {
		return
	}
	payload := map[string]interface{}{"state": s.state}
	if s.loadErr != nil {
		payload["error"] = s.loadErr.Error()
	}
	event, err := websocket.NewEvent(websocket.EventSessionState, "", payload)
	if err != nil {
		return
	}
	s.publisher.Publish(event)
}

// post hands fn to the loop. It gives up once the loop has exited.
func (s *Session) post(fn func()) {
	select {
	case s.actions <- fn:
	case <-s.done:
	}
}

// exec runs fn on the loop and waits for it to finish.
func (s *Session) exec(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	action := func() {
		fn()
		close(finished)
	}

	select {
	case s.actions <- action:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// do runs fn against the controller once the notebook is loaded.
func (s *Session) do(ctx context.Context, fn func(c *SyncController) error) error {
	var result error
	err := s.exec(ctx, func() {
		switch s.state {
		case SessionLoading:
			result = ErrSessionLoading
		case SessionLoadFailed:
			result = s.loadErr
		default:
			result = fn(s.controller)
		}
	})
	if err != nil {
		return err
	}
	return result
}

func (s *Session) Evaluate(ctx context.Context, cellID string) (uint64, error) {
	var seq uint64
	err := s.do(ctx, func(c *SyncController) error {
		var err error
		seq, err = c.Evaluate(cellID)
		return err
	})
	return seq, err
}

func (s *Session) SetContent(ctx context.Context, cellID, text string) (*domain.Cell, error) {
	var cell *domain.Cell
	err := s.do(ctx, func(c *SyncController) error {
		if err := c.SetContent(cellID, text); err != nil {
			return err
		}
		var err error
		cell, err = c.Cell(cellID)
		return err
	})
	return cell, err
}

func (s *Session) Reorder(ctx context.Context, from, to int) ([]string, error) {
	var order []string
	err := s.do(ctx, func(c *SyncController) error {
		var err error
		order, err = c.Reorder(from, to)
		return err
	})
	return order, err
}

func (s *Session) ReorderTo(ctx context.Context, newOrder []string) ([]string, error) {
	var order []string
	err := s.do(ctx, func(c *SyncController) error {
		var err error
		order, err = c.ReorderTo(newOrder)
		return err
	})
	return order, err
}

func (s *Session) Notebook(ctx context.Context) (*domain.Notebook, error) {
	var nb *domain.Notebook
	err := s.do(ctx, func(c *SyncController) error {
		nb = c.Notebook()
		return nil
	})
	return nb, err
}

func (s *Session) Cell(ctx context.Context, cellID string) (*domain.Cell, error) {
	var cell *domain.Cell
	err := s.do(ctx, func(c *SyncController) error {
		var err error
		cell, err = c.Cell(cellID)
		return err
	})
	return cell, err
}

func (s *Session) Output(ctx context.Context, cellID string) (*domain.OutputEntry, error) {
	var entry *domain.OutputEntry
	err := s.do(ctx, func(c *SyncController) error {
		var err error
		entry, err = c.Output(cellID)
		return err
	})
	return entry, err
}

// AddCell asks the execution service to create a cell of the given kind and
// inserts it at index once created. An index outside the order appends.
func (s *Session) AddCell(ctx context.Context, kind domain.CellKind, index int) (*domain.Cell, error) {
	var notebookID string
	if err := s.do(ctx, func(c *SyncController) error {
		notebookID = s.notebookID
		return nil
	}); err != nil {
		return nil, err
	}

	created, err := s.execRepo.AddCell(ctx, notebookID, kind, index)
	if err != nil {
		return nil, fmt.Errorf("failed to add cell: %w", err)
	}

	var cell *domain.Cell
	err = s.do(ctx, func(c *SyncController) error {
		var err error
		cell, err = c.AddCell(created, index)
		return err
	})
	return cell, err
}

// History lists recorded evaluations of the cell, newest first.
func (s *Session) History(ctx context.Context, cellID string, limit int) ([]*domain.EvaluationRecord, error) {
	if s.evalLog == nil {
		return nil, ErrHistoryDisabled
	}

	var notebookID string
	err := s.do(ctx, func(c *SyncController) error {
		if _, err := c.Cell(cellID); err != nil {
			return err
		}
		notebookID = s.notebookID
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.evalLog.ListByCell(ctx, notebookID, cellID, limit)
}

// Status is answered in every state, including after a failed load.
func (s *Session) Status(ctx context.Context) (*Status, error) {
	var st *Status
	err := s.exec(ctx, func() {
		st = &Status{
			SessionID:  s.id,
			NotebookID: s.notebookID,
			State:      s.state,
			Channel:    domain.ChannelNotOpen,
		}
		if s.loadErr != nil {
			st.Error = s.loadErr.Error()
		}
		if s.controller != nil {
			st.Title = s.controller.model.Title()
			st.ReorderPending = s.controller.ReorderPending()
		}
		if s.channel != nil {
			st.Channel = s.channel.State()
			if pong := s.channel.LastPong(); !pong.IsZero() {
				st.LastPong = &pong
			}
		}
	})
	return st, err
}

type loopRunner struct {
	ctx  context.Context
	post func(fn func())
}

func (r *loopRunner) Go(work func(ctx context.Context) error, done func(err error)) {
	go func() {
		err := work(r.ctx)
		r.post(func() { done(err) })
	}()
}
