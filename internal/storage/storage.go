// Package storage records the outcome of every guarded request.
package storage

import (
	"context"
	"time"
)

// Outcome values recorded for a request.
const (
	OutcomeAdmitted = "admitted"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// AdmissionRecord is the audit entry for one guarded request.
type AdmissionRecord struct {
	ID        string        `json:"id"`
	ClientIP  string        `json:"client_ip"`
	Method    string        `json:"method"`
	Path      string        `json:"path"`
	Status    int           `json:"status"`
	Outcome   string        `json:"outcome"`
	Code      string        `json:"code,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
	Streaming bool          `json:"streaming"`
	CreatedAt time.Time     `json:"created_at"`
}

// ListOptions filters List results.
type ListOptions struct {
	Outcome string
	Limit   int
	Offset  int
}

// DefaultListLimit applies when ListOptions.Limit is zero.
const DefaultListLimit = 100

// AdmissionStore persists admission records.
type AdmissionStore interface {
	Record(ctx context.Context, rec *AdmissionRecord) error
	// List returns records newest first.
	List(ctx context.Context, opts ListOptions) ([]*AdmissionRecord, error)
	Close() error
}
