package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"notebook-sync-client/internal/domain"
	"notebook-sync-client/internal/notebook"
	"notebook-sync-client/internal/websocket"
	"notebook-sync-client/pkg/logger"
)

func testNotebook() *domain.Notebook {
	return &domain.Notebook{
		ID:    "nb-1",
		Title: "demo",
		Topology: domain.Topology{
			Cells: map[string]*domain.Cell{
				"a": {ID: "a", Kind: domain.CellKindCode, Content: "1+1", Synced: true},
				"b": {ID: "b", Kind: domain.CellKindCode, Content: "x = 1", Synced: true},
				"m": {ID: "m", Kind: domain.CellKindMarkdown, Content: "# notes", Synced: true},
			},
			DisplayOrder: []string{"a", "b", "m"},
		},
	}
}

type mockTransport struct {
	state domain.ChannelState
	sent  []*websocket.Message
}

func newMockTransport() *mockTransport {
	return &mockTransport{state: domain.ChannelOpen}
}

func (m *mockTransport) Send(msg *websocket.Message) error {
	if m.state != domain.ChannelOpen {
		return &domain.ChannelUnavailableError{State: m.state}
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockTransport) State() domain.ChannelState {
	return m.state
}

type mockExecRepo struct {
	mu         sync.Mutex
	notebook   *domain.Notebook
	fetchErr   error
	reorders   [][]string
	contents   map[string]string
	reorderErr []error
	contentErr error
	addErr     error
	added      []domain.CellKind
}

func newMockExecRepo() *mockExecRepo {
	return &mockExecRepo{
		notebook: testNotebook(),
		contents: make(map[string]string),
	}
}

func (m *mockExecRepo) FetchNotebook(ctx context.Context) (*domain.Notebook, error) {
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return m.notebook, nil
}

// PersistReorder fails with the queued errors in order, then succeeds.
func (m *mockExecRepo) PersistReorder(ctx context.Context, notebookID string, order []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reorders = append(m.reorders, order)
	if len(m.reorderErr) > 0 {
		err := m.reorderErr[0]
		m.reorderErr = m.reorderErr[1:]
		return err
	}
	return nil
}

func (m *mockExecRepo) PersistContent(ctx context.Context, notebookID, cellID, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.contentErr != nil {
		return m.contentErr
	}
	m.contents[cellID] = content
	return nil
}

// AddCell creates cells with ids new-1, new-2, ...
func (m *mockExecRepo) AddCell(ctx context.Context, notebookID string, kind domain.CellKind, index int) (*domain.Cell, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addErr != nil {
		return nil, m.addErr
	}
	m.added = append(m.added, kind)
	return &domain.Cell{ID: fmt.Sprintf("new-%d", len(m.added)), Kind: kind}, nil
}

func (m *mockExecRepo) reorderCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reorders)
}

type mockEvalLog struct {
	mu      sync.Mutex
	records []*domain.EvaluationRecord
}

func (m *mockEvalLog) Record(ctx context.Context, rec *domain.EvaluationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *mockEvalLog) ListByCell(ctx context.Context, notebookID, cellID string, limit int) ([]*domain.EvaluationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.EvaluationRecord
	for _, r := range m.records {
		if r.NotebookID == notebookID && r.CellID == cellID {
			out = append(out, r)
		}
	}
	return out, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*websocket.Event
}

func (p *recordingPublisher) Publish(event *websocket.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) count(eventType websocket.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// queuedRunner holds background work until the test releases it.
type queuedRunner struct {
	jobs []queuedJob
}

type queuedJob struct {
	work func(ctx context.Context) error
	done func(err error)
}

func (r *queuedRunner) Go(work func(ctx context.Context) error, done func(err error)) {
	r.jobs = append(r.jobs, queuedJob{work: work, done: done})
}

func (r *queuedRunner) runNext() bool {
	if len(r.jobs) == 0 {
		return false
	}
	job := r.jobs[0]
	r.jobs = r.jobs[1:]
	job.done(job.work(context.Background()))
	return true
}

// runLast releases the most recently queued job first.
func (r *queuedRunner) runLast() bool {
	if len(r.jobs) == 0 {
		return false
	}
	job := r.jobs[len(r.jobs)-1]
	r.jobs = r.jobs[:len(r.jobs)-1]
	job.done(job.work(context.Background()))
	return true
}

func (r *queuedRunner) runAll() {
	for r.runNext() {
	}
}

type fakeChannel struct {
	mu       sync.Mutex
	state    domain.ChannelState
	sent     []*websocket.Message
	inbound  chan *websocket.Message
	states   chan domain.ChannelState
	lastPong time.Time
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		state:   domain.ChannelNotOpen,
		inbound: make(chan *websocket.Message, 16),
		states:  make(chan domain.ChannelState, 16),
	}
}

func (f *fakeChannel) Run(ctx context.Context) error {
	f.setState(domain.ChannelOpen)
	<-ctx.Done()
	f.setState(domain.ChannelClosed)
	return ctx.Err()
}

func (f *fakeChannel) setState(state domain.ChannelState) {
	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
	f.states <- state
}

func (f *fakeChannel) Send(msg *websocket.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != domain.ChannelOpen {
		return &domain.ChannelUnavailableError{State: f.state}
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) State() domain.ChannelState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) Inbound() <-chan *websocket.Message {
	return f.inbound
}

func (f *fakeChannel) States() <-chan domain.ChannelState {
	return f.states
}

func (f *fakeChannel) LastPong() time.Time {
	return f.lastPong
}

func resMessage(cellID string, seq uint64, value string) *websocket.Message {
	msg, _ := websocket.NewMessage(websocket.CmdRes, cellID, domain.Bindings{
		domain.ReturnValueKey: {Value: value, Kind: domain.BindingEval},
	})
	msg.Seq = seq
	return msg
}

func errMessage(cellID string, seq uint64, text string) *websocket.Message {
	msg, _ := websocket.NewMessage(websocket.CmdErr, cellID, text)
	msg.Seq = seq
	return msg
}

type controllerFixture struct {
	ctrl      *SyncController
	model     *notebook.Model
	outputs   *notebook.OutputStore
	transport *mockTransport
	repo      *mockExecRepo
	evalLog   *mockEvalLog
	publisher *recordingPublisher
	runner    *queuedRunner
}

func newControllerFixture() *controllerFixture {
	model, err := notebook.FromNotebook(testNotebook())
	if err != nil {
		panic(err)
	}

	f := &controllerFixture{
		model:     model,
		outputs:   notebook.NewOutputStore(),
		transport: newMockTransport(),
		repo:      newMockExecRepo(),
		evalLog:   &mockEvalLog{},
		publisher: &recordingPublisher{},
		runner:    &queuedRunner{},
	}
	f.ctrl = NewSyncController(f.model, f.outputs, f.transport, f.repo, f.evalLog, f.publisher, f.runner, logger.Discard())
	return f
}

var (
	errRejected = errors.New("rejected")
	testTime    = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
)
