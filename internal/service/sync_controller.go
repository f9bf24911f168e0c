package service

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"notebook-sync-client/internal/domain"
	"notebook-sync-client/internal/notebook"
	"notebook-sync-client/internal/render"
	"notebook-sync-client/internal/repository"
	"notebook-sync-client/internal/websocket"
	"notebook-sync-client/pkg/hash"

	"github.com/google/uuid"
)

// Transport is the sending half of the notebook channel.
type Transport interface {
	Send(msg *websocket.Message) error
	State() domain.ChannelState
}

type Publisher interface {
	Publish(event *websocket.Event)
}

// Runner executes work off the state-owning goroutine and hands its result
// back to done on that goroutine.
type Runner interface {
	Go(work func(ctx context.Context) error, done func(err error))
}

type pendingEval struct {
	seq      uint64
	snapshot string
	sentAt   time.Time
	epoch    uint64
}

// SyncController mediates between the notebook state and the execution
// service. It is not safe for concurrent use; the owning Session serializes
// every call.
type SyncController struct {
	model     *notebook.Model
	cells     *notebook.CellStore
	outputs   *notebook.OutputStore
	transport Transport
	execRepo  repository.ExecutionRepository
	evalLog   repository.EvaluationLogRepository
	publisher Publisher
	runner    Runner
	logger    *slog.Logger

	sent     map[string]uint64
	applied  map[string]uint64
	inflight map[string][]pendingEval
	// epoch counts connections; it advances whenever the channel leaves Open.
	epoch uint64

	confirmedOrder   []string
	confirmedSeq     uint64
	reorderSeq       uint64
	reordersInFlight int
}

func NewSyncController(
	model *notebook.Model,
	outputs *notebook.OutputStore,
	transport Transport,
	execRepo repository.ExecutionRepository,
	evalLog repository.EvaluationLogRepository,
	publisher Publisher,
	runner Runner,
	logger *slog.Logger,
) *SyncController {
	return &SyncController{
		model:          model,
		cells:          model.Cells(),
		outputs:        outputs,
		transport:      transport,
		execRepo:       execRepo,
		evalLog:        evalLog,
		publisher:      publisher,
		runner:         runner,
		logger:         logger,
		sent:           make(map[string]uint64),
		applied:        make(map[string]uint64),
		inflight:       make(map[string][]pendingEval),
		confirmedOrder: model.Order(),
	}
}

// Evaluate sends the cell's current content for execution and returns the
// request's sequence number. The result arrives later through HandleMessage.
// If the send fails nothing is recorded.
func (c *SyncController) Evaluate(cellID string) (uint64, error) {
	cell, ok := c.cells.Get(cellID)
	if !ok {
		return 0, domain.ErrCellNotFound
	}
	if !cell.Executable() {
		return 0, domain.ErrNotExecutable
	}

	snapshot := cell.Content
	seq := c.sent[cellID] + 1

	msg, err := websocket.NewRunMessage(cellID, snapshot, seq)
	if err != nil {
		return 0, err
	}
	if err := c.transport.Send(msg); err != nil {
		return 0, err
	}

	c.sent[cellID] = seq
	c.inflight[cellID] = append(c.inflight[cellID], pendingEval{
		seq:      seq,
		snapshot: snapshot,
		sentAt:   time.Now(),
		epoch:    c.epoch,
	})

	c.logger.Debug("[Sync] evaluation sent", "cell", cellID, "seq", seq, "content_hash", hash.Content(snapshot))
	c.publish(websocket.EventEvaluationSent, cellID, map[string]interface{}{"seq": seq})
	return seq, nil
}

// HandleMessage applies an inbound Res or Err. Liveness messages are ignored.
func (c *SyncController) HandleMessage(msg *websocket.Message) {
	switch msg.Cmd {
	case websocket.CmdRes, websocket.CmdErr:
		c.handleResult(msg)
	default:
		c.logger.Debug("[Sync] ignoring message", "cmd", msg.Cmd)
	}
}

func (c *SyncController) handleResult(msg *websocket.Message) {
	if !c.cells.Has(msg.CellID) {
		c.logger.Warn("[Sync] result for unknown cell", "cell", msg.CellID, "cmd", msg.Cmd)
		return
	}

	if msg.Seq != 0 && msg.Seq <= c.applied[msg.CellID] {
		c.logger.Info("[Sync] discarding stale response",
			"cell", msg.CellID, "seq", msg.Seq, "applied", c.applied[msg.CellID])
		return
	}

	pending, matched := c.takePending(msg.CellID, msg.Seq)

	entry := &domain.OutputEntry{
		CellID:     msg.CellID,
		Seq:        msg.Seq,
		ReceivedAt: time.Now(),
	}
	if msg.Cmd == websocket.CmdRes {
		bindings, err := msg.Bindings()
		if err != nil {
			entry.Command = domain.OutputError
			entry.Message = err.Error()
		} else {
			entry.Command = domain.OutputResult
			entry.Bindings = bindings
		}
	} else {
		entry.Command = domain.OutputError
		entry.Message = msg.Text()
	}

	c.outputs.Put(entry)
	if matched {
		c.logger.Debug("[Sync] response received", "cell", msg.CellID, "cmd", msg.Cmd, "latency", time.Since(pending.sentAt))
	}
	if msg.Seq > c.applied[msg.CellID] {
		c.applied[msg.CellID] = msg.Seq
	}

	switch {
	case entry.Command == domain.OutputError:
		if err := c.cells.MarkUnsynced(msg.CellID); err != nil {
			c.logger.Error("[Sync] failed to mark cell unsynced", "cell", msg.CellID, "error", err)
		}
	case matched:
		synced, err := c.cells.MarkSynced(msg.CellID, pending.snapshot)
		if err != nil {
			c.logger.Error("[Sync] failed to mark cell synced", "cell", msg.CellID, "error", err)
		} else if !synced {
			c.logger.Info("[Sync] content changed since send, cell stays unsynced", "cell", msg.CellID)
		}
	default:
		c.logger.Info("[Sync] result without pending request", "cell", msg.CellID, "seq", msg.Seq)
	}

	c.publish(websocket.EventOutputUpdated, msg.CellID, map[string]interface{}{
		"output": entry,
		"plan":   render.FormatOutput(entry),
		"synced": c.cells.IsSynced(msg.CellID),
	})
	c.record(entry, pending.snapshot, matched)
}

// takePending removes and returns the in-flight request a response answers.
// Responses with a seq drop that request and every older one for the cell;
// responses without one consume the oldest.
func (c *SyncController) takePending(cellID string, seq uint64) (pendingEval, bool) {
	queue := c.inflight[cellID]
	if len(queue) == 0 {
		return pendingEval{}, false
	}

	if seq == 0 {
		head := queue[0]
		c.setInflight(cellID, queue[1:])
		return head, true
	}

	for i, p := range queue {
		if p.seq == seq {
			c.setInflight(cellID, queue[i+1:])
			return p, true
		}
		if p.seq > seq {
			c.setInflight(cellID, queue[i:])
			return pendingEval{}, false
		}
	}
	c.setInflight(cellID, nil)
	return pendingEval{}, false
}

func (c *SyncController) setInflight(cellID string, queue []pendingEval) {
	if len(queue) == 0 {
		delete(c.inflight, cellID)
		return
	}
	c.inflight[cellID] = queue
}

func (c *SyncController) record(entry *domain.OutputEntry, snapshot string, matched bool) {
	if c.evalLog == nil {
		return
	}

	rec := &domain.EvaluationRecord{
		ID:         uuid.New().String(),
		NotebookID: c.model.ID(),
		CellID:     entry.CellID,
		Seq:        entry.Seq,
		Command:    entry.Command,
		Bindings:   entry.Bindings,
		Message:    entry.Message,
		ReceivedAt: entry.ReceivedAt,
	}
	if matched {
		rec.ContentHash = hash.Content(snapshot)
	}

	c.runner.Go(func(ctx context.Context) error {
		return c.evalLog.Record(ctx, rec)
	}, func(err error) {
		if err != nil {
			c.logger.Warn("[Sync] failed to record evaluation", "cell", rec.CellID, "error", err)
		}
	})
}

// ConfirmedOrder is the last order the execution service accepted.
func (c *SyncController) ConfirmedOrder() []string {
	return append([]string(nil), c.confirmedOrder...)
}

func (c *SyncController) ReorderPending() bool {
	return c.reordersInFlight > 0
}

// InFlight reports how many requests for the cell still await a response.
func (c *SyncController) InFlight(cellID string) int {
	return len(c.inflight[cellID])
}

// OnChannelState tracks connection changes. Requests stay in flight while the
// channel is down, since responses read before the close may still be queued.
// Once a new connection opens, requests sent on an earlier one are dropped.
func (c *SyncController) OnChannelState(state domain.ChannelState) {
	switch {
	case state == domain.ChannelOpen:
		c.dropStale()
	case c.transport.State() != domain.ChannelOpen:
		// not already reconnected; requests sent from here on belong to
		// the next connection
		c.epoch++
	}
	c.publish(websocket.EventChannelState, "", map[string]interface{}{"state": state})
}

func (c *SyncController) dropStale() {
	dropped := 0
	for cellID, queue := range c.inflight {
		var kept []pendingEval
		for _, p := range queue {
			if p.epoch == c.epoch {
				kept = append(kept, p)
			}
		}
		dropped += len(queue) - len(kept)
		c.setInflight(cellID, kept)
	}
	if dropped > 0 {
		c.logger.Info("[Sync] dropped requests from previous connection", "count", dropped)
	}
}

// SetContent replaces the cell's text and persists it in the background.
// A persist failure is reported but the local edit stands.
func (c *SyncController) SetContent(cellID, text string) error {
	if err := c.cells.SetContent(cellID, text); err != nil {
		return err
	}

	cell, _ := c.cells.Get(cellID)
	c.publish(websocket.EventCellUpdated, cellID, map[string]interface{}{"cell": cell})

	notebookID := c.model.ID()
	c.runner.Go(func(ctx context.Context) error {
		return c.execRepo.PersistContent(ctx, notebookID, cellID, text)
	}, func(err error) {
		if err != nil {
			c.logger.Warn("[Sync] failed to persist content", "cell", cellID, "error", err)
			c.publish(websocket.EventPersistFailed, cellID, map[string]interface{}{"error": err.Error()})
		}
	})
	return nil
}

// Reorder moves the cell at from to to. The new order is visible at once;
// if the server rejects it the order reverts to the last confirmed one.
func (c *SyncController) Reorder(from, to int) ([]string, error) {
	newOrder, err := c.model.Move(from, to)
	if err != nil {
		return nil, err
	}
	if err := c.checkChannel(); err != nil {
		return nil, err
	}
	return c.applyOrder(newOrder)
}

// ReorderTo is Reorder for a complete permutation.
func (c *SyncController) ReorderTo(newOrder []string) ([]string, error) {
	if err := c.model.ValidatePermutation(newOrder); err != nil {
		return nil, err
	}
	if err := c.checkChannel(); err != nil {
		return nil, err
	}
	return c.applyOrder(newOrder)
}

func (c *SyncController) checkChannel() error {
	if state := c.transport.State(); state != domain.ChannelOpen {
		return &domain.ChannelUnavailableError{State: state}
	}
	return nil
}

func (c *SyncController) applyOrder(newOrder []string) ([]string, error) {
	if err := c.model.Reorder(newOrder); err != nil {
		return nil, err
	}

	c.reorderSeq++
	seq := c.reorderSeq
	c.reordersInFlight++

	order := c.model.Order()
	c.publish(websocket.EventOrderChanged, "", map[string]interface{}{"order": order, "pending": true})

	notebookID := c.model.ID()
	c.runner.Go(func(ctx context.Context) error {
		return c.execRepo.PersistReorder(ctx, notebookID, order)
	}, func(err error) {
		c.completeReorder(seq, order, err)
	})
	return order, nil
}

// completeReorder settles one persist call. The display order is reconciled
// only after every outstanding reorder has answered: it then shows the
// accepted order with the highest seq, or the last confirmed one if none was.
func (c *SyncController) completeReorder(seq uint64, order []string, err error) {
	c.reordersInFlight--

	if err == nil {
		if seq > c.confirmedSeq {
			c.confirmedOrder = order
			c.confirmedSeq = seq
		}
	} else {
		c.logger.Warn("[Sync] reorder rejected", "seq", seq, "error", err)
		c.publish(websocket.EventReorderFailed, "", map[string]interface{}{"error": err.Error(), "order": order, "seq": seq})
	}

	if c.reordersInFlight > 0 {
		return
	}

	target := mergeMissing(c.confirmedOrder, c.model.Order())
	if !slices.Equal(target, c.model.Order()) {
		if rbErr := c.model.Reorder(target); rbErr != nil {
			c.logger.Error("[Sync] failed to restore confirmed order", "error", rbErr)
		} else {
			c.logger.Info("[Sync] display order restored", "order", target)
		}
	}
	c.confirmedOrder = c.model.Order()
	c.publish(websocket.EventOrderChanged, "", map[string]interface{}{"order": c.model.Order(), "pending": false})
}

// mergeMissing returns confirmed with any id of current it lacks inserted at
// that id's position in current. Cells added while a reorder was in flight
// are missing from the order the server accepted.
func mergeMissing(confirmed, current []string) []string {
	known := make(map[string]bool, len(confirmed))
	for _, id := range confirmed {
		known[id] = true
	}
	present := make(map[string]bool, len(current))
	for _, id := range current {
		present[id] = true
	}

	merged := make([]string, 0, len(current))
	for _, id := range confirmed {
		if present[id] {
			merged = append(merged, id)
		}
	}
	for i, id := range current {
		if known[id] {
			continue
		}
		if i > len(merged) {
			i = len(merged)
		}
		merged = slices.Insert(merged, i, id)
	}
	return merged
}

// AddCell inserts a cell the execution service has created. The server
// already holds it, so the confirmed order is extended too.
func (c *SyncController) AddCell(cell *domain.Cell, index int) (*domain.Cell, error) {
	if err := c.model.AddCell(cell, index); err != nil {
		return nil, err
	}
	c.confirmedOrder = mergeMissing(c.confirmedOrder, c.model.Order())

	added, _ := c.cells.Get(cell.ID)
	c.publish(websocket.EventCellAdded, cell.ID, map[string]interface{}{
		"cell":  added,
		"order": c.model.Order(),
	})
	return added, nil
}

func (c *SyncController) Notebook() *domain.Notebook {
	return c.model.Notebook()
}

func (c *SyncController) Cell(cellID string) (*domain.Cell, error) {
	cell, ok := c.cells.Get(cellID)
	if !ok {
		return nil, domain.ErrCellNotFound
	}
	return cell, nil
}

// Output returns the latest output of the cell, nil if it was never run.
func (c *SyncController) Output(cellID string) (*domain.OutputEntry, error) {
	if !c.cells.Has(cellID) {
		return nil, domain.ErrCellNotFound
	}
	entry, ok := c.outputs.Get(cellID)
	if !ok {
		return nil, nil
	}
	return entry, nil
}

func (c *SyncController) publish(eventType websocket.EventType, cellID string, payload interface{}) {
	if c.publisher == nil {
		return
	}
	event, err := websocket.NewEvent(eventType, cellID, payload)
	if err != nil {
		c.logger.Error("[Sync] failed to build event", "type", eventType, "error", err)
		return
	}
	c.publisher.Publish(event)
}
