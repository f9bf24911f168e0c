package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"notebook-sync-client/internal/domain"
	"notebook-sync-client/internal/render"
	"notebook-sync-client/internal/service"
	"notebook-sync-client/pkg/response"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

const defaultHistoryLimit = 20

// NotebookSession is the part of *service.Session the bridge exposes.
type NotebookSession interface {
	Status(ctx context.Context) (*service.Status, error)
	Notebook(ctx context.Context) (*domain.Notebook, error)
	Cell(ctx context.Context, cellID string) (*domain.Cell, error)
	SetContent(ctx context.Context, cellID, text string) (*domain.Cell, error)
	AddCell(ctx context.Context, kind domain.CellKind, index int) (*domain.Cell, error)
	Evaluate(ctx context.Context, cellID string) (uint64, error)
	Output(ctx context.Context, cellID string) (*domain.OutputEntry, error)
	History(ctx context.Context, cellID string, limit int) ([]*domain.EvaluationRecord, error)
	Reorder(ctx context.Context, from, to int) ([]string, error)
	ReorderTo(ctx context.Context, order []string) ([]string, error)
}

type NotebookHandler struct {
	session  NotebookSession
	validate *validator.Validate
	logger   *slog.Logger
}

func NewNotebookHandler(session NotebookSession, logger *slog.Logger) *NotebookHandler {
	return &NotebookHandler{
		session:  session,
		validate: validator.New(),
		logger:   logger,
	}
}

type EvaluateResponse struct {
	CellID string `json:"cell_id"`
	Seq    uint64 `json:"seq"`
}

type OutputResponse struct {
	Output *domain.OutputEntry `json:"output"`
	Plan   render.RenderPlan   `json:"plan"`
	Text   string              `json:"text"`
}

type OrderResponse struct {
	Order []string `json:"order"`
}

func (h *NotebookHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.session.Status(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.Success(w, st)
}

func (h *NotebookHandler) Get(w http.ResponseWriter, r *http.Request) {
	nb, err := h.session.Notebook(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.Success(w, nb)
}

func (h *NotebookHandler) GetCell(w http.ResponseWriter, r *http.Request) {
	cell, err := h.session.Cell(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.Success(w, cell)
}

func (h *NotebookHandler) UpdateContent(w http.ResponseWriter, r *http.Request) {
	var req domain.UpdateContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	cell, err := h.session.SetContent(r.Context(), mux.Vars(r)["id"], *req.Content)
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.Success(w, cell)
}

func (h *NotebookHandler) AddCell(w http.ResponseWriter, r *http.Request) {
	var req domain.AddCellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	index := -1
	if req.Index != nil {
		index = *req.Index
	}

	cell, err := h.session.AddCell(r.Context(), req.Kind, index)
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.Created(w, cell)
}

// Evaluate answers as soon as the Run message is sent; the result is pushed
// to subscribers and readable from Output afterwards.
func (h *NotebookHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	cellID := mux.Vars(r)["id"]

	seq, err := h.session.Evaluate(r.Context(), cellID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.Accepted(w, &EvaluateResponse{CellID: cellID, Seq: seq})
}

func (h *NotebookHandler) Output(w http.ResponseWriter, r *http.Request) {
	entry, err := h.session.Output(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	if entry == nil {
		response.NotFound(w, "Cell has no output")
		return
	}

	plan := render.FormatOutput(entry)
	response.Success(w, &OutputResponse{
		Output: entry,
		Plan:   plan,
		Text:   render.Text(plan),
	})
}

func (h *NotebookHandler) History(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			response.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := h.session.History(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if records == nil {
		records = []*domain.EvaluationRecord{}
	}
	response.Success(w, records)
}

func (h *NotebookHandler) Reorder(w http.ResponseWriter, r *http.Request) {
	var req domain.MoveCellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	order, err := h.session.Reorder(r.Context(), *req.From, *req.To)
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.Accepted(w, &OrderResponse{Order: order})
}

func (h *NotebookHandler) SetOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.SetOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	order, err := h.session.ReorderTo(r.Context(), req.Order)
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.Accepted(w, &OrderResponse{Order: order})
}

func (h *NotebookHandler) writeError(w http.ResponseWriter, err error) {
	var (
		loadErr    *domain.LoadError
		invalidErr *domain.InvalidOrderError
	)

	switch {
	case errors.As(err, &invalidErr):
		response.BadRequest(w, err.Error())
	case errors.Is(err, domain.ErrCellNotFound):
		response.NotFound(w, err.Error())
	case errors.Is(err, domain.ErrNotExecutable):
		response.UnprocessableEntity(w, err.Error())
	case errors.Is(err, service.ErrHistoryDisabled):
		response.Error(w, http.StatusNotImplemented, err.Error())
	case errors.As(err, &loadErr),
		errors.Is(err, domain.ErrChannelUnavailable),
		errors.Is(err, service.ErrSessionLoading),
		errors.Is(err, service.ErrSessionClosed):
		response.ServiceUnavailable(w, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		response.Error(w, http.StatusGatewayTimeout, err.Error())
	default:
		h.logger.Error("[Bridge] request failed", "error", err)
		response.InternalError(w, "Internal error")
	}
}
