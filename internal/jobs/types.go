// Package jobs runs imports and bank syncs in the background.
//
// Jobs are held in memory: a buffered channel feeds a fixed worker pool and a
// Store keeps status, progress and results until Cleanup removes them. Both
// job types call the same importer entry points the synchronous HTTP path
// uses.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/finimport/internal/importer"
)

// Type is the kind of work a job does.
type Type string

const (
	TypeImport   Type = "import"
	TypeBankSync Type = "bank_sync"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further updates will follow.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var (
	ErrNotFound    = errors.New("job not found")
	ErrQueueFull   = errors.New("job queue is full")
	ErrQueueClosed = errors.New("job queue is closed")
	ErrFinished    = errors.New("job already finished")
	// ErrCancelled is recorded on jobs cancelled before a worker picked
	// them up.
	ErrCancelled = errors.New("job cancelled")
)

// Job is the externally visible state of one background run.
type Job struct {
	ID          uuid.UUID         `json:"id"`
	Type        Type              `json:"type"`
	UserID      uuid.UUID         `json:"userId"`
	AccountID   uuid.UUID         `json:"accountId"`
	Status      Status            `json:"status"`
	Progress    importer.Progress `json:"progress"`
	Fraction    float64           `json:"fraction"`
	Result      *importer.Result  `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	ErrorCode   string            `json:"errorCode,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}

// Runner executes the work behind a job. *importer.Service implements it.
type Runner interface {
	Commit(ctx context.Context, req importer.CommitRequest, progress importer.ProgressFunc) (*importer.Result, error)
	Sync(ctx context.Context, req importer.SyncRequest, progress importer.ProgressFunc) (*importer.Result, error)
}

var _ Runner = (*importer.Service)(nil)
