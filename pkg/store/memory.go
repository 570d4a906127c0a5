package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/speedrun-hq/speedrun-dca/pkg/models"
)

// MemoryStore keeps everything in process memory
type MemoryStore struct {
	mu         sync.RWMutex
	intents    map[string]*models.Intent
	executions []models.ExecutionRecord
	attempts   map[string]struct{}
	markers    map[string]models.SubmissionMarker
	now        func() time.Time
}

var (
	_ Store         = (*MemoryStore)(nil)
	_ IntentManager = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intents:  make(map[string]*models.Intent),
		attempts: make(map[string]struct{}),
		markers:  make(map[string]models.SubmissionMarker),
		now:      time.Now,
	}
}

// PutIntent inserts or replaces an intent without validation
func (s *MemoryStore) PutIntent(intent models.Intent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent.Account = models.NormalizeAccount(intent.Account)
	s.intents[intent.ID] = &intent
}

func (s *MemoryStore) ListDueIntents(ctx context.Context, cadence models.Cadence, now time.Time) ([]models.Intent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []models.Intent
	for _, intent := range s.intents {
		if intent.IsDue(cadence, now) {
			due = append(due, *intent)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due, nil
}

func (s *MemoryStore) GetIntent(ctx context.Context, id string) (*models.Intent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	intent, ok := s.intents[id]
	if !ok {
		return nil, ErrIntentNotFound
	}
	cp := *intent
	return &cp, nil
}

func (s *MemoryStore) RecordExecution(ctx context.Context, record *models.ExecutionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.attempts[record.AttemptID]; exists {
		return ErrDuplicateExecution
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	s.attempts[record.AttemptID] = struct{}{}
	s.executions = append(s.executions, *record)
	return nil
}

func (s *MemoryStore) TouchLastExecuted(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[id]
	if !ok {
		return ErrIntentNotFound
	}
	ts := at
	intent.LastExecutedAt = &ts
	intent.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) SaveSubmissionMarker(ctx context.Context, marker *models.SubmissionMarker) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[marker.IntentID] = *marker
	return nil
}

func (s *MemoryStore) GetSubmissionMarker(ctx context.Context, intentID string) (*models.SubmissionMarker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	marker, ok := s.markers[intentID]
	if !ok {
		return nil, nil
	}
	return &marker, nil
}

func (s *MemoryStore) ClearSubmissionMarker(ctx context.Context, intentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markers, intentID)
	return nil
}

func (s *MemoryStore) CreateIntent(ctx context.Context, intent *models.Intent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := models.ValidateIntent(intent); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	now := s.now()
	intent.Account = models.NormalizeAccount(intent.Account)
	intent.Status = models.IntentStatusActive
	intent.CreatedAt = now
	intent.UpdatedAt = now
	cp := *intent
	s.intents[intent.ID] = &cp
	return nil
}

func (s *MemoryStore) SetIntentStatus(ctx context.Context, id, account string, status models.IntentStatus) (*models.Intent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[id]
	if !ok {
		return nil, ErrIntentNotFound
	}
	if !intent.SameAccount(account) {
		return nil, ErrNotOwner
	}
	if err := checkTransition(intent.Status, status); err != nil {
		return nil, err
	}
	intent.Status = status
	intent.UpdatedAt = s.now()
	cp := *intent
	return &cp, nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, account string, limit int) ([]models.ExecutionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	account = models.NormalizeAccount(account)
	var out []models.ExecutionRecord
	for i := len(s.executions) - 1; i >= 0; i-- {
		rec := s.executions[i]
		if account != "" && models.NormalizeAccount(rec.Account) != account {
			continue
		}
		out = append(out, rec)
		if len(out) >= normalizeLimit(limit, 100) {
			break
		}
	}
	return out, nil
}

// Executions returns every record in write order
func (s *MemoryStore) Executions() []models.ExecutionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ExecutionRecord, len(s.executions))
	copy(out, s.executions)
	return out
}
