package audit

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeDB captures the statement PGRecorder executes.
type fakeDB struct {
	sql  string
	args []any
	err  error
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql = sql
	f.args = args
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

func (f *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("not implemented")
}

func TestMemoryRecorder_FillsIDAndTime(t *testing.T) {
	var m MemoryRecorder
	rec := &Record{PatientID: "p1", Provider: "cerner", Outcome: OutcomeSuccess}
	if err := m.Record(context.Background(), rec); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if rec.ID == uuid.Nil {
		t.Error("expected ID to be assigned")
	}
	if rec.RecordedAt.IsZero() {
		t.Error("expected RecordedAt to be assigned")
	}
	got := m.Records()
	if len(got) != 1 || got[0].PatientID != "p1" {
		t.Fatalf("unexpected records: %+v", got)
	}
}

func TestMemoryRecorder_RecordsAreCopies(t *testing.T) {
	var m MemoryRecorder
	m.Record(context.Background(), &Record{PatientID: "p1"})
	got := m.Records()
	got[0].PatientID = "changed"
	if m.Records()[0].PatientID != "p1" {
		t.Error("Records exposed internal state")
	}
}

func TestNopRecorder(t *testing.T) {
	if err := (NopRecorder{}).Record(context.Background(), &Record{}); err != nil {
		t.Errorf("NopRecorder returned %v", err)
	}
}

func TestNullable(t *testing.T) {
	if nullable("") != nil {
		t.Error("empty string should be NULL")
	}
	if p := nullable("auth"); p == nil || *p != "auth" {
		t.Error("non-empty string should be kept")
	}
}

// ---------------------------------------------------------------------------
// PGRecorder
// ---------------------------------------------------------------------------

func TestPGRecorder_Record_ColumnOrder(t *testing.T) {
	fdb := &fakeDB{}
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := &Record{
		PatientID:    "p1",
		Provider:     "epic",
		Outcome:      OutcomePartial,
		ErrorKind:    "upstream",
		Observations: 3,
		Allergies:    2,
		Conditions:   1,
		Medications:  4,
		Failed:       []string{"Condition"},
		Duration:     1500 * time.Millisecond,
		RecordedAt:   at,
	}
	if err := NewPGRecorder(fdb).Record(context.Background(), rec); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if !strings.Contains(fdb.sql, "INSERT INTO snapshot_audit") {
		t.Errorf("unexpected statement: %s", fdb.sql)
	}
	if len(fdb.args) != 13 {
		t.Fatalf("args = %d, want 13", len(fdb.args))
	}
	if rec.ID == uuid.Nil || fdb.args[0] != rec.ID {
		t.Errorf("id arg = %v, want assigned %v", fdb.args[0], rec.ID)
	}
	if p, ok := fdb.args[1].(*string); !ok || p != nil {
		t.Errorf("request_id arg = %#v, want nil *string", fdb.args[1])
	}
	want := []any{"p1", "epic", OutcomePartial}
	if !reflect.DeepEqual(fdb.args[2:5], want) {
		t.Errorf("patient/provider/outcome args = %v, want %v", fdb.args[2:5], want)
	}
	if p, ok := fdb.args[5].(*string); !ok || p == nil || *p != "upstream" {
		t.Errorf("error_kind arg = %#v, want \"upstream\"", fdb.args[5])
	}
	counts := []any{3, 2, 1, 4}
	if !reflect.DeepEqual(fdb.args[6:10], counts) {
		t.Errorf("count args = %v, want %v", fdb.args[6:10], counts)
	}
	if !reflect.DeepEqual(fdb.args[10], []string{"Condition"}) {
		t.Errorf("failed arg = %#v", fdb.args[10])
	}
	if fdb.args[11] != int64(1500) {
		t.Errorf("duration_ms arg = %#v, want 1500", fdb.args[11])
	}
	if fdb.args[12] != at {
		t.Errorf("recorded_at arg = %v, want %v", fdb.args[12], at)
	}
}

func TestPGRecorder_Record_NilFailedIsEmptyArray(t *testing.T) {
	fdb := &fakeDB{}
	rec := &Record{RequestID: "req-1", PatientID: "p1", Provider: "cerner", Outcome: OutcomeSuccess}
	if err := NewPGRecorder(fdb).Record(context.Background(), rec); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	failed, ok := fdb.args[10].([]string)
	if !ok || failed == nil || len(failed) != 0 {
		t.Errorf("failed arg = %#v, want empty non-nil slice", fdb.args[10])
	}
	if p, ok := fdb.args[1].(*string); !ok || p == nil || *p != "req-1" {
		t.Errorf("request_id arg = %#v, want \"req-1\"", fdb.args[1])
	}
	if p, ok := fdb.args[5].(*string); !ok || p != nil {
		t.Errorf("error_kind arg = %#v, want nil *string", fdb.args[5])
	}
	if rec.RecordedAt.IsZero() {
		t.Error("expected RecordedAt to be assigned")
	}
}

func TestPGRecorder_Record_ExecError(t *testing.T) {
	cause := errors.New("connection reset")
	fdb := &fakeDB{err: cause}
	err := NewPGRecorder(fdb).Record(context.Background(), &Record{PatientID: "p1"})
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped exec error, got %v", err)
	}
	if !strings.Contains(err.Error(), "snapshot audit: insert") {
		t.Errorf("unexpected message: %q", err.Error())
	}
}
