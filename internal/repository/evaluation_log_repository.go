package repository

import (
	"context"
	"fmt"

	"notebook-sync-client/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

const (
	evaluationIndexDoc  = "evaluations"
	evaluationIndexName = "by-cell-received"
)

// EvaluationLogRepository keeps every result received for a cell so past
// runs can be inspected after the output store has moved on.
type EvaluationLogRepository interface {
	Record(ctx context.Context, rec *domain.EvaluationRecord) error
	ListByCell(ctx context.Context, notebookID, cellID string, limit int) ([]*domain.EvaluationRecord, error)
}

type evaluationLogRepository struct {
	client *kivik.Client
	dbName string
}

// evaluationDoc adds a numeric receive time to the record. RFC 3339 strings
// with trimmed fractions do not sort chronologically.
type evaluationDoc struct {
	*domain.EvaluationRecord
	ReceivedNs int64 `json:"received_ns"`
}

func NewEvaluationLogRepository(client *kivik.Client, dbName string) EvaluationLogRepository {
	return &evaluationLogRepository{
		client: client,
		dbName: dbName,
	}
}

// EnsureEvaluationIndex creates the Mango index ListByCell sorts on.
// Creating an index that already exists is a no-op in CouchDB.
func EnsureEvaluationIndex(ctx context.Context, client *kivik.Client, dbName string) error {
	index := map[string]interface{}{
		"fields": []string{"notebook_id", "cell_id", "received_ns"},
	}
	if err := client.DB(dbName).CreateIndex(ctx, evaluationIndexDoc, evaluationIndexName, index); err != nil {
		return fmt.Errorf("failed to create evaluation index: %w", err)
	}
	return nil
}

func (r *evaluationLogRepository) Record(ctx context.Context, rec *domain.EvaluationRecord) error {
	db := r.client.DB(r.dbName)

	docID := fmt.Sprintf("eval:%s", rec.ID)
	doc := &evaluationDoc{EvaluationRecord: rec, ReceivedNs: rec.ReceivedAt.UnixNano()}
	if _, err := db.Put(ctx, docID, doc); err != nil {
		return fmt.Errorf("failed to record evaluation: %w", err)
	}

	return nil
}

// ListByCell returns the newest records first. CouchDB only sorts on an
// index, and every sort field must share one direction.
func (r *evaluationLogRepository) ListByCell(ctx context.Context, notebookID, cellID string, limit int) ([]*domain.EvaluationRecord, error) {
	db := r.client.DB(r.dbName)

	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"notebook_id": notebookID,
			"cell_id":     cellID,
		},
		"sort": []map[string]string{
			{"notebook_id": "desc"},
			{"cell_id": "desc"},
			{"received_ns": "desc"},
		},
		"use_index": []string{evaluationIndexDoc, evaluationIndexName},
	}
	if limit > 0 {
		query["limit"] = limit
	}

	rows := db.Find(ctx, query)
	defer rows.Close()

	var records []*domain.EvaluationRecord
	for rows.Next() {
		var rec domain.EvaluationRecord
		if err := rows.ScanDoc(&rec); err != nil {
			continue
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list evaluations: %w", err)
	}

	return records, nil
}
