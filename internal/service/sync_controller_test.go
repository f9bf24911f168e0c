package service

import (
	"errors"
	"reflect"
	"testing"

	"notebook-sync-client/internal/domain"
	"notebook-sync-client/internal/websocket"
	"notebook-sync-client/pkg/hash"
)

func TestSyncController_Evaluate(t *testing.T) {
	f := newControllerFixture()

	seq, err := f.ctrl.Evaluate("a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seq != 1 {
		t.Errorf("expected seq 1, got %d", seq)
	}
	if len(f.transport.sent) != 1 {
		t.Fatalf("expected 1 message sent, got %d", len(f.transport.sent))
	}

	msg := f.transport.sent[0]
	if msg.Cmd != websocket.CmdRun || msg.CellID != "a" || msg.Seq != 1 {
		t.Errorf("unexpected message %+v", msg)
	}
	if msg.Text() != "1+1" {
		t.Errorf("expected full source 1+1, got %q", msg.Text())
	}
	if f.ctrl.InFlight("a") != 1 {
		t.Errorf("expected 1 in-flight request, got %d", f.ctrl.InFlight("a"))
	}

	seq, _ = f.ctrl.Evaluate("a")
	if seq != 2 {
		t.Errorf("expected seq 2 on second send, got %d", seq)
	}
}

func TestSyncController_ResultMarksSynced(t *testing.T) {
	f := newControllerFixture()
	f.ctrl.SetContent("a", "2+2")
	f.runner.runAll()

	if f.model.Cells().IsSynced("a") {
		t.Fatal("expected cell to be unsynced after edit")
	}

	f.ctrl.Evaluate("a")
	f.ctrl.HandleMessage(resMessage("a", 1, "4"))

	if !f.model.Cells().IsSynced("a") {
		t.Error("expected cell to be synced after matching result")
	}
	out, _ := f.outputs.Get("a")
	if out == nil || out.Command != domain.OutputResult {
		t.Fatalf("expected result output, got %+v", out)
	}
	if out.Bindings[domain.ReturnValueKey].Value != "4" {
		t.Errorf("expected return value 4, got %q", out.Bindings[domain.ReturnValueKey].Value)
	}
}

func TestSyncController_EditDuringEvaluation(t *testing.T) {
	f := newControllerFixture()

	if _, err := f.ctrl.Evaluate("a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.ctrl.SetContent("a", "2+2")
	f.ctrl.HandleMessage(resMessage("a", 1, "2"))

	out, _ := f.outputs.Get("a")
	if out == nil || out.Bindings[domain.ReturnValueKey].Value != "2" {
		t.Errorf("expected output 2 from the earlier run, got %+v", out)
	}
	if f.model.Cells().IsSynced("a") {
		t.Error("expected cell to stay unsynced; content changed after send")
	}
	content, _ := f.model.Cells().Content("a")
	if content != "2+2" {
		t.Errorf("expected content 2+2, got %q", content)
	}
}

func TestSyncController_ErrorNeverSyncs(t *testing.T) {
	tests := []struct {
		name string
		edit bool
	}{
		{name: "after edit", edit: true},
		{name: "unchanged content", edit: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newControllerFixture()
			if tt.edit {
				f.ctrl.SetContent("a", "1/0")
			}

			f.ctrl.Evaluate("a")
			f.ctrl.HandleMessage(errMessage("a", 1, "division by zero"))

			if f.model.Cells().IsSynced("a") {
				t.Error("expected cell to be unsynced after Err")
			}
			out, _ := f.outputs.Get("a")
			if out == nil || out.Command != domain.OutputError {
				t.Fatalf("expected error output, got %+v", out)
			}
			if out.Message != "division by zero" {
				t.Errorf("expected message, got %q", out.Message)
			}
			var evalErr *domain.EvaluationError
			if !errors.As(out.Err(), &evalErr) {
				t.Errorf("expected EvaluationError, got %v", out.Err())
			}
		})
	}
}

func TestSyncController_EvaluateChannelUnavailable(t *testing.T) {
	states := []domain.ChannelState{domain.ChannelNotOpen, domain.ChannelClosed}

	for _, state := range states {
		t.Run(string(state), func(t *testing.T) {
			f := newControllerFixture()
			f.transport.state = state

			_, err := f.ctrl.Evaluate("a")
			if !errors.Is(err, domain.ErrChannelUnavailable) {
				t.Fatalf("expected ErrChannelUnavailable, got %v", err)
			}
			var unavailable *domain.ChannelUnavailableError
			if !errors.As(err, &unavailable) || unavailable.State != state {
				t.Errorf("expected state %s in error, got %v", state, err)
			}

			if f.ctrl.InFlight("a") != 0 {
				t.Error("expected no in-flight request after failed send")
			}
			if f.outputs.Len() != 0 {
				t.Error("expected output store untouched")
			}
			if !f.model.Cells().IsSynced("a") {
				t.Error("expected synced flag untouched")
			}

			f.transport.state = domain.ChannelOpen
			seq, _ := f.ctrl.Evaluate("a")
			if seq != 1 {
				t.Errorf("expected seq to start at 1 after failed send, got %d", seq)
			}
		})
	}
}

func TestSyncController_EvaluateRejects(t *testing.T) {
	tests := []struct {
		name    string
		cellID  string
		wantErr error
	}{
		{name: "markdown cell", cellID: "m", wantErr: domain.ErrNotExecutable},
		{name: "unknown cell", cellID: "zzz", wantErr: domain.ErrCellNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newControllerFixture()

			_, err := f.ctrl.Evaluate(tt.cellID)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if len(f.transport.sent) != 0 {
				t.Errorf("expected nothing sent, got %d messages", len(f.transport.sent))
			}
		})
	}
}

func TestSyncController_StaleSeqDiscarded(t *testing.T) {
	f := newControllerFixture()

	f.ctrl.Evaluate("a")
	f.ctrl.SetContent("a", "3+3")
	f.ctrl.Evaluate("a")

	f.ctrl.HandleMessage(resMessage("a", 2, "6"))
	f.ctrl.HandleMessage(resMessage("a", 1, "2"))

	out, _ := f.outputs.Get("a")
	if out.Bindings[domain.ReturnValueKey].Value != "6" {
		t.Errorf("expected newest result 6 to stand, got %q", out.Bindings[domain.ReturnValueKey].Value)
	}
	if out.Seq != 2 {
		t.Errorf("expected seq 2, got %d", out.Seq)
	}
	if !f.model.Cells().IsSynced("a") {
		t.Error("expected cell synced by the newest matching result")
	}
	if f.ctrl.InFlight("a") != 0 {
		t.Errorf("expected no in-flight requests, got %d", f.ctrl.InFlight("a"))
	}

	f.ctrl.HandleMessage(resMessage("a", 2, "dup"))
	out, _ = f.outputs.Get("a")
	if out.Bindings[domain.ReturnValueKey].Value != "6" {
		t.Error("expected duplicate response to be discarded")
	}
}

func TestSyncController_UnsequencedResponsesMatchInOrder(t *testing.T) {
	f := newControllerFixture()

	f.ctrl.SetContent("b", "x = 2")
	f.ctrl.Evaluate("b")
	f.ctrl.SetContent("b", "x = 3")
	f.ctrl.Evaluate("b")

	f.ctrl.HandleMessage(resMessage("b", 0, ""))
	if f.model.Cells().IsSynced("b") {
		t.Error("expected first response to match the older snapshot and leave cell unsynced")
	}

	f.ctrl.HandleMessage(resMessage("b", 0, ""))
	if !f.model.Cells().IsSynced("b") {
		t.Error("expected second response to match current content")
	}
}

func TestSyncController_LivenessIgnored(t *testing.T) {
	f := newControllerFixture()
	f.ctrl.SetContent("a", "2+2")

	before, _ := f.model.Cells().Get("a")
	ping, _ := websocket.NewPingMessage(testTime)
	pong, _ := websocket.NewPongMessage(testTime)
	f.ctrl.HandleMessage(ping)
	f.ctrl.HandleMessage(pong)

	after, _ := f.model.Cells().Get("a")
	if !reflect.DeepEqual(before, after) {
		t.Errorf("expected cell untouched, got %+v", after)
	}
	if f.outputs.Len() != 0 {
		t.Error("expected no output written")
	}
}

func TestSyncController_ResultWithoutRequest(t *testing.T) {
	f := newControllerFixture()
	f.ctrl.SetContent("a", "2+2")

	f.ctrl.HandleMessage(resMessage("a", 0, "4"))

	if _, ok := f.outputs.Get("a"); !ok {
		t.Error("expected output to be written")
	}
	if f.model.Cells().IsSynced("a") {
		t.Error("expected cell to stay unsynced without a matching request")
	}
}

func TestSyncController_ResponseQueuedBeforeCloseStillSyncs(t *testing.T) {
	f := newControllerFixture()
	f.ctrl.SetContent("a", "2+2")
	f.ctrl.Evaluate("a")

	f.transport.state = domain.ChannelClosed
	f.ctrl.OnChannelState(domain.ChannelClosed)

	if f.ctrl.InFlight("a") != 1 {
		t.Errorf("expected request kept while disconnected, got %d", f.ctrl.InFlight("a"))
	}
	if f.publisher.count(websocket.EventChannelState) != 1 {
		t.Error("expected channel state event")
	}

	f.ctrl.HandleMessage(resMessage("a", 1, "4"))
	if !f.model.Cells().IsSynced("a") {
		t.Error("expected response read before the close to mark the cell synced")
	}
}

func TestSyncController_ReconnectDropsPreviousRequests(t *testing.T) {
	f := newControllerFixture()
	f.ctrl.Evaluate("a")

	f.transport.state = domain.ChannelClosed
	f.ctrl.OnChannelState(domain.ChannelClosed)

	f.transport.state = domain.ChannelOpen
	f.ctrl.SetContent("b", "x = 2")
	seq, err := f.ctrl.Evaluate("b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.ctrl.OnChannelState(domain.ChannelOpen)

	if f.ctrl.InFlight("a") != 0 {
		t.Errorf("expected request from closed connection dropped, got %d", f.ctrl.InFlight("a"))
	}
	if f.ctrl.InFlight("b") != 1 {
		t.Fatalf("expected request on new connection kept, got %d", f.ctrl.InFlight("b"))
	}

	f.ctrl.HandleMessage(resMessage("b", seq, "1"))
	if !f.model.Cells().IsSynced("b") {
		t.Error("expected cell synced by response on new connection")
	}
}

func TestSyncController_RecordsEvaluations(t *testing.T) {
	f := newControllerFixture()

	f.ctrl.Evaluate("a")
	f.ctrl.HandleMessage(resMessage("a", 1, "2"))
	f.runner.runAll()

	if len(f.evalLog.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(f.evalLog.records))
	}
	rec := f.evalLog.records[0]
	if rec.NotebookID != "nb-1" || rec.CellID != "a" || rec.Seq != 1 {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.ContentHash != hash.Content("1+1") {
		t.Errorf("expected hash of evaluated snapshot, got %s", rec.ContentHash)
	}
}

func TestSyncController_SetContent(t *testing.T) {
	f := newControllerFixture()

	if err := f.ctrl.SetContent("a", "2+2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.runner.runAll()

	if f.repo.contents["a"] != "2+2" {
		t.Errorf("expected content persisted, got %q", f.repo.contents["a"])
	}

	if err := f.ctrl.SetContent("zzz", "x"); !errors.Is(err, domain.ErrCellNotFound) {
		t.Errorf("expected ErrCellNotFound, got %v", err)
	}
}

func TestSyncController_SetContentPersistFailure(t *testing.T) {
	f := newControllerFixture()
	f.repo.contentErr = errRejected

	f.ctrl.SetContent("a", "2+2")
	f.runner.runAll()

	content, _ := f.model.Cells().Content("a")
	if content != "2+2" {
		t.Errorf("expected local edit to stand, got %q", content)
	}
	if f.publisher.count(websocket.EventPersistFailed) != 1 {
		t.Error("expected persist_failed event")
	}
}

func TestSyncController_ReorderOptimistic(t *testing.T) {
	f := newControllerFixture()

	order, err := f.ctrl.Reorder(0, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"b", "a", "m"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("expected %v, got %v", want, order)
	}
	if !reflect.DeepEqual(f.model.Order(), want) {
		t.Errorf("expected order applied before ack, got %v", f.model.Order())
	}
	if !f.ctrl.ReorderPending() {
		t.Error("expected reorder pending")
	}
	if f.repo.reorderCalls() != 0 {
		t.Error("expected persist not yet executed")
	}

	f.runner.runAll()

	if f.repo.reorderCalls() != 1 {
		t.Fatalf("expected 1 persist call, got %d", f.repo.reorderCalls())
	}
	if !reflect.DeepEqual(f.repo.reorders[0], want) {
		t.Errorf("expected persisted %v, got %v", want, f.repo.reorders[0])
	}
	if f.ctrl.ReorderPending() {
		t.Error("expected no pending reorder after ack")
	}
	if !reflect.DeepEqual(f.ctrl.ConfirmedOrder(), want) {
		t.Errorf("expected confirmed %v, got %v", want, f.ctrl.ConfirmedOrder())
	}
}

func TestSyncController_ReorderRollback(t *testing.T) {
	f := newControllerFixture()
	f.repo.reorderErr = []error{errRejected}

	f.ctrl.Reorder(2, 0)
	f.runner.runAll()

	want := []string{"a", "b", "m"}
	if !reflect.DeepEqual(f.model.Order(), want) {
		t.Errorf("expected rollback to %v, got %v", want, f.model.Order())
	}
	if f.publisher.count(websocket.EventReorderFailed) != 1 {
		t.Error("expected reorder_failed event")
	}
}

func TestSyncController_ReorderNewerPendingSuppressesRollback(t *testing.T) {
	f := newControllerFixture()
	f.repo.reorderErr = []error{errRejected}

	f.ctrl.Reorder(0, 1)
	second, _ := f.ctrl.Reorder(2, 0)

	f.runner.runNext()
	if !reflect.DeepEqual(f.model.Order(), second) {
		t.Errorf("expected newer order %v kept, got %v", second, f.model.Order())
	}
	if !f.ctrl.ReorderPending() {
		t.Error("expected newer reorder still pending")
	}

	f.runner.runNext()
	if !reflect.DeepEqual(f.ctrl.ConfirmedOrder(), second) {
		t.Errorf("expected confirmed %v, got %v", second, f.ctrl.ConfirmedOrder())
	}
}

func TestSyncController_ReorderAcksOutOfOrder(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		wantOrder []string
	}{
		// the later reorder answers first in every case
		{name: "later fails, earlier succeeds", errs: []error{errRejected}, wantOrder: []string{"b", "a", "m"}},
		{name: "both succeed", wantOrder: []string{"m", "b", "a"}},
		{name: "both fail", errs: []error{errRejected, errRejected}, wantOrder: []string{"a", "b", "m"}},
		{name: "later succeeds, earlier fails", errs: []error{nil, errRejected}, wantOrder: []string{"m", "b", "a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newControllerFixture()
			f.repo.reorderErr = tt.errs

			f.ctrl.Reorder(0, 1)
			second, _ := f.ctrl.Reorder(2, 0)

			f.runner.runLast()
			if !reflect.DeepEqual(f.model.Order(), second) {
				t.Errorf("expected display to hold %v while a reorder is outstanding, got %v", second, f.model.Order())
			}
			if !f.ctrl.ReorderPending() {
				t.Error("expected a reorder still pending")
			}

			f.runner.runLast()
			if f.ctrl.ReorderPending() {
				t.Error("expected nothing pending")
			}
			if !reflect.DeepEqual(f.model.Order(), tt.wantOrder) {
				t.Errorf("expected display %v, got %v", tt.wantOrder, f.model.Order())
			}
			if !reflect.DeepEqual(f.ctrl.ConfirmedOrder(), f.model.Order()) {
				t.Errorf("display %v diverges from confirmed %v", f.model.Order(), f.ctrl.ConfirmedOrder())
			}
		})
	}
}

func TestSyncController_AddCell(t *testing.T) {
	f := newControllerFixture()

	cell, err := f.ctrl.AddCell(&domain.Cell{ID: "c", Kind: domain.CellKindCode}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cell.ID != "c" || cell.Synced {
		t.Errorf("unexpected cell %+v", cell)
	}

	want := []string{"a", "c", "b", "m"}
	if !reflect.DeepEqual(f.model.Order(), want) {
		t.Errorf("expected %v, got %v", want, f.model.Order())
	}
	if !reflect.DeepEqual(f.ctrl.ConfirmedOrder(), want) {
		t.Errorf("expected confirmed %v, got %v", want, f.ctrl.ConfirmedOrder())
	}
	if f.publisher.count(websocket.EventCellAdded) != 1 {
		t.Error("expected cell_added event")
	}

	if _, err := f.ctrl.AddCell(&domain.Cell{ID: "a", Kind: domain.CellKindCode}, 0); err == nil {
		t.Error("expected duplicate id to be rejected")
	}
}

func TestSyncController_AddCellDuringReorder(t *testing.T) {
	f := newControllerFixture()
	f.repo.reorderErr = []error{errRejected}

	f.ctrl.Reorder(2, 0) // m a b
	f.ctrl.AddCell(&domain.Cell{ID: "c", Kind: domain.CellKindMarkdown}, 0)
	f.runner.runAll()

	want := []string{"c", "a", "b", "m"}
	if !reflect.DeepEqual(f.model.Order(), want) {
		t.Errorf("expected rollback keeping the added cell %v, got %v", want, f.model.Order())
	}
}

func TestSyncController_ReorderRejected(t *testing.T) {
	tests := []struct {
		name    string
		state   domain.ChannelState
		apply   func(c *SyncController) error
		wantErr func(error) bool
	}{
		{
			name:  "out of range move",
			state: domain.ChannelOpen,
			apply: func(c *SyncController) error {
				_, err := c.Reorder(0, 3)
				return err
			},
			wantErr: isInvalidOrder,
		},
		{
			name:  "not a permutation",
			state: domain.ChannelOpen,
			apply: func(c *SyncController) error {
				_, err := c.ReorderTo([]string{"a", "a", "b"})
				return err
			},
			wantErr: isInvalidOrder,
		},
		{
			name:  "channel closed",
			state: domain.ChannelClosed,
			apply: func(c *SyncController) error {
				_, err := c.Reorder(0, 1)
				return err
			},
			wantErr: func(err error) bool { return errors.Is(err, domain.ErrChannelUnavailable) },
		},
		{
			name:  "bad permutation while closed",
			state: domain.ChannelClosed,
			apply: func(c *SyncController) error {
				_, err := c.ReorderTo([]string{"a", "zz", "m"})
				return err
			},
			wantErr: isInvalidOrder,
		},
		{
			name:  "out of range move while closed",
			state: domain.ChannelNotOpen,
			apply: func(c *SyncController) error {
				_, err := c.Reorder(5, 0)
				return err
			},
			wantErr: isInvalidOrder,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newControllerFixture()
			f.transport.state = tt.state

			err := tt.apply(f.ctrl)
			if !tt.wantErr(err) {
				t.Errorf("unexpected error %v", err)
			}
			if !reflect.DeepEqual(f.model.Order(), []string{"a", "b", "m"}) {
				t.Errorf("expected order unchanged, got %v", f.model.Order())
			}
			if len(f.runner.jobs) != 0 {
				t.Error("expected no persist scheduled")
			}
		})
	}
}

func isInvalidOrder(err error) bool {
	var invalid *domain.InvalidOrderError
	return errors.As(err, &invalid)
}
