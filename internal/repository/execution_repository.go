package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"notebook-sync-client/internal/domain"
)

// ExecutionRepository is the REST side of the execution service.
type ExecutionRepository interface {
	FetchNotebook(ctx context.Context) (*domain.Notebook, error)
	PersistReorder(ctx context.Context, notebookID string, order []string) error
	PersistContent(ctx context.Context, notebookID, cellID, content string) error
	// AddCell creates an empty cell and returns it with its server-assigned id.
	AddCell(ctx context.Context, notebookID string, kind domain.CellKind, index int) (*domain.Cell, error)
}

// TokenSource issues the bearer token sent with each request.
type TokenSource func() (string, error)

type executionRepo struct {
	baseURL string
	client  *http.Client
	token   TokenSource
}

// NewExecutionRepository talks to baseURL. token may be nil for an
// unauthenticated service.
func NewExecutionRepository(baseURL string, timeout time.Duration, token TokenSource) ExecutionRepository {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &executionRepo{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		token:   token,
	}
}

type reorderRequest struct {
	NotebookID string   `json:"notebookUuid"`
	NewOrder   []string `json:"newOrder"`
}

type contentRequest struct {
	NotebookID string `json:"notebookUuid"`
	CellID     string `json:"cellUuid"`
	Content    string `json:"content"`
}

type addCellRequest struct {
	NotebookID string          `json:"notebookUuid"`
	Kind       domain.CellKind `json:"cell_type"`
	Index      int             `json:"index"`
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (r *executionRepo) FetchNotebook(ctx context.Context) (*domain.Notebook, error) {
	resp, err := r.do(ctx, http.MethodGet, "/", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch notebook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch notebook: %w", statusError(resp))
	}

	var nb domain.Notebook
	if err := json.NewDecoder(resp.Body).Decode(&nb); err != nil {
		return nil, fmt.Errorf("failed to decode notebook: %w", err)
	}
	return &nb, nil
}

func (r *executionRepo) PersistReorder(ctx context.Context, notebookID string, order []string) error {
	return r.post(ctx, "/reorder", &reorderRequest{NotebookID: notebookID, NewOrder: order})
}

func (r *executionRepo) PersistContent(ctx context.Context, notebookID, cellID, content string) error {
	return r.post(ctx, "/content", &contentRequest{NotebookID: notebookID, CellID: cellID, Content: content})
}

func (r *executionRepo) AddCell(ctx context.Context, notebookID string, kind domain.CellKind, index int) (*domain.Cell, error) {
	data, err := json.Marshal(&addCellRequest{NotebookID: notebookID, Kind: kind, Index: index})
	if err != nil {
		return nil, err
	}

	resp, err := r.do(ctx, http.MethodPost, "/add", data)
	if err != nil {
		return nil, fmt.Errorf("failed to call /add: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("failed to call /add: %w", statusError(resp))
	}

	var cell domain.Cell
	if err := json.NewDecoder(resp.Body).Decode(&cell); err != nil {
		return nil, fmt.Errorf("failed to decode cell: %w", err)
	}
	if cell.ID == "" {
		return nil, fmt.Errorf("failed to add cell: response carries no uuid")
	}
	if cell.Kind == "" {
		cell.Kind = kind
	}
	return &cell, nil
}

func (r *executionRepo) post(ctx context.Context, path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	resp, err := r.do(ctx, http.MethodPost, path, data)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("failed to call %s: %w", path, statusError(resp))
	}
	return nil
}

func (r *executionRepo) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != nil {
		token, err := r.token()
		if err != nil {
			return nil, fmt.Errorf("failed to issue token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return r.client.Do(req)
}

// statusError reads the service's {status, message} body when present.
func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var body statusResponse
	if err := json.Unmarshal(raw, &body); err == nil {
		switch {
		case body.Message != "":
			return fmt.Errorf("status %d: %s", resp.StatusCode, body.Message)
		case body.Status != "":
			return fmt.Errorf("status %d: %s", resp.StatusCode, body.Status)
		}
	}
	return fmt.Errorf("status %d", resp.StatusCode)
}
