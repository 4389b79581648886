// Package audit records who fetched which patient snapshot, and how it went.
// Records never carry clinical content, only counts and error kinds.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/snapshot/internal/platform/db"
)

// Outcome values stored on a Record.
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeFailure = "failure"
)

// Record is one snapshot access.
type Record struct {
	ID           uuid.UUID     `json:"id"`
	RequestID    string        `json:"request_id,omitempty"`
	PatientID    string        `json:"patient_id"`
	Provider     string        `json:"provider"`
	Outcome      string        `json:"outcome"`
	ErrorKind    string        `json:"error_kind,omitempty"`
	Observations int           `json:"observations"`
	Allergies    int           `json:"allergies"`
	Conditions   int           `json:"conditions"`
	Medications  int           `json:"medications"`
	Failed       []string      `json:"failed,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
	RecordedAt   time.Time     `json:"recorded_at"`
}

// Recorder persists snapshot access records.
type Recorder interface {
	Record(ctx context.Context, rec *Record) error
}

// NopRecorder discards records. It is used when no audit store is configured.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, *Record) error { return nil }

// MemoryRecorder keeps records in memory, for tests and local runs.
type MemoryRecorder struct {
	mu      sync.Mutex
	records []Record
}

func (m *MemoryRecorder) Record(_ context.Context, rec *Record) error {
	fill(rec)
	m.mu.Lock()
	m.records = append(m.records, *rec)
	m.mu.Unlock()
	return nil
}

// Records returns a copy of everything recorded so far.
func (m *MemoryRecorder) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

// PGRecorder writes records to the snapshot_audit table.
type PGRecorder struct {
	db db.DBTX
}

// NewPGRecorder creates a PGRecorder backed by the given pool or transaction.
func NewPGRecorder(conn db.DBTX) *PGRecorder {
	return &PGRecorder{db: conn}
}

func (r *PGRecorder) Record(ctx context.Context, rec *Record) error {
	fill(rec)

	const query = `
		INSERT INTO snapshot_audit (
			id, request_id, patient_id, provider, outcome, error_kind,
			observations, allergies, conditions, medications, failed,
			duration_ms, recorded_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`

	failed := rec.Failed
	if failed == nil {
		failed = []string{}
	}
	_, err := r.db.Exec(ctx, query,
		rec.ID, nullable(rec.RequestID), rec.PatientID, rec.Provider, rec.Outcome, nullable(rec.ErrorKind),
		rec.Observations, rec.Allergies, rec.Conditions, rec.Medications, failed,
		rec.Duration.Milliseconds(), rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("snapshot audit: insert: %w", err)
	}
	return nil
}

func fill(rec *Record) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
