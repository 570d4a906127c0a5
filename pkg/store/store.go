// Package store persists investment intents, execution records and
// submission markers.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/speedrun-hq/speedrun-dca/pkg/models"
)

var (
	ErrIntentNotFound     = errors.New("intent not found")
	ErrDuplicateExecution = errors.New("execution already recorded for attempt")
	ErrNotOwner           = errors.New("intent belongs to another account")
	ErrInvalidTransition  = errors.New("invalid intent status transition")
)

// Store is the repository used by the scheduler and the execution engine
type Store interface {
	ListDueIntents(ctx context.Context, cadence models.Cadence, now time.Time) ([]models.Intent, error)
	GetIntent(ctx context.Context, id string) (*models.Intent, error)
	RecordExecution(ctx context.Context, record *models.ExecutionRecord) error
	TouchLastExecuted(ctx context.Context, id string, at time.Time) error

	SaveSubmissionMarker(ctx context.Context, marker *models.SubmissionMarker) error
	GetSubmissionMarker(ctx context.Context, intentID string) (*models.SubmissionMarker, error)
	ClearSubmissionMarker(ctx context.Context, intentID string) error
}

// IntentManager is the surface used by request handlers owning intents
type IntentManager interface {
	CreateIntent(ctx context.Context, intent *models.Intent) error
	SetIntentStatus(ctx context.Context, id, account string, status models.IntentStatus) (*models.Intent, error)
	ListExecutions(ctx context.Context, account string, limit int) ([]models.ExecutionRecord, error)
}

// checkTransition validates a status change requested by the owning account.
// Cancelled is final.
func checkTransition(from, to models.IntentStatus) error {
	if from == to {
		return nil
	}
	if from == models.IntentStatusCancelled {
		return ErrInvalidTransition
	}
	switch to {
	case models.IntentStatusActive, models.IntentStatusPaused, models.IntentStatusCancelled:
		return nil
	}
	return ErrInvalidTransition
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
