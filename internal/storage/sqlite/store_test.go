package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Ascend/MindInferenceService-sub000/internal/storage"
)

func TestSQLiteStore_RecordAndList(t *testing.T) {
	// Use in-memory SQLite with shared cache for testing
	store, err := New("file:admissions1?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		rec := &storage.AdmissionRecord{
			ID:        fmt.Sprintf("req-%d", i),
			ClientIP:  "10.0.0.1",
			Method:    "POST",
			Path:      "/openai/v1/chat/completions",
			Status:    200,
			Outcome:   storage.OutcomeAdmitted,
			Duration:  150 * time.Millisecond,
			Streaming: i == 1,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := store.Record(context.Background(), rec); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	records, err := store.List(context.Background(), storage.ListOptions{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("len(records) = %d, want 3", len(records))
	}

	if records[0].ID != "req-2" {
		t.Errorf("records[0].ID = %s, want req-2", records[0].ID)
	}
	if !records[1].Streaming {
		t.Error("records[1].Streaming = false, want true")
	}
	if records[0].Duration != 150*time.Millisecond {
		t.Errorf("Duration = %v, want 150ms", records[0].Duration)
	}
	if records[0].Code != "" {
		t.Errorf("Code = %q, want empty", records[0].Code)
	}
}

func TestSQLiteStore_FilterByOutcome(t *testing.T) {
	store, err := New("file:admissions2?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	_ = store.Record(ctx, &storage.AdmissionRecord{ID: "ok", Outcome: storage.OutcomeAdmitted, Status: 200})
	_ = store.Record(ctx, &storage.AdmissionRecord{ID: "busy", Outcome: storage.OutcomeRejected, Status: 429, Code: "concurrency_limit_exceeded"})

	records, err := store.List(ctx, storage.ListOptions{Outcome: storage.OutcomeRejected})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}
	if records[0].Code != "concurrency_limit_exceeded" {
		t.Errorf("Code = %q, want concurrency_limit_exceeded", records[0].Code)
	}
}

func TestSQLiteStore_DeleteBefore(t *testing.T) {
	store, err := New("file:admissions3?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	now := time.Now()
	_ = store.Record(ctx, &storage.AdmissionRecord{ID: "old", Outcome: storage.OutcomeAdmitted, CreatedAt: now.Add(-time.Hour)})
	_ = store.Record(ctx, &storage.AdmissionRecord{ID: "new", Outcome: storage.OutcomeAdmitted, CreatedAt: now})

	n, err := store.DeleteBefore(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("DeleteBefore() error = %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}

	records, _ := store.List(ctx, storage.ListOptions{})
	if len(records) != 1 || records[0].ID != "new" {
		t.Errorf("remaining records = %d, want only new", len(records))
	}
}

func TestSQLiteStore_FileDatabase(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "mis-sqlite-test")
	if err != nil {
		t.Fatalf("MkdirTemp() error = %v", err)
	}
	defer os.RemoveAll(tmpDir)

	dbPath := filepath.Join(tmpDir, "mis.db")
	store, err := New(dbPath)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_ = store.Record(context.Background(), &storage.AdmissionRecord{ID: "persisted", Outcome: storage.OutcomeAdmitted})
	store.Close()

	reopened, err := New(dbPath)
	if err != nil {
		t.Fatalf("New() reopen error = %v", err)
	}
	defer reopened.Close()

	records, _ := reopened.List(context.Background(), storage.ListOptions{})
	if len(records) != 1 || records[0].ID != "persisted" {
		t.Errorf("records after reopen = %d, want persisted", len(records))
	}
}
