package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/speedrun-hq/speedrun-dca/pkg/models"
	"github.com/speedrun-hq/speedrun-dca/pkg/store"
)

// FlakyStore wraps a store.Store and fails selected operations
type FlakyStore struct {
	store.Store

	mu sync.Mutex
	// ListErr fails every ListDueIntents call
	ListErr error
	// RecordErrors fail the next RecordExecution calls, in order
	RecordErrors []error
	// MarkerErr fails SaveSubmissionMarker
	MarkerErr   error
	ListCalls   int
	RecordCalls int
}

var _ store.Store = (*FlakyStore)(nil)

// NewFlakyStore wraps inner
func NewFlakyStore(inner store.Store) *FlakyStore {
	return &FlakyStore{Store: inner}
}

func (s *FlakyStore) ListDueIntents(ctx context.Context, cadence models.Cadence, now time.Time) ([]models.Intent, error) {
	s.mu.Lock()
	s.ListCalls++
	err := s.ListErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.Store.ListDueIntents(ctx, cadence, now)
}

func (s *FlakyStore) RecordExecution(ctx context.Context, record *models.ExecutionRecord) error {
	s.mu.Lock()
	s.RecordCalls++
	var err error
	if len(s.RecordErrors) > 0 {
		err = s.RecordErrors[0]
		s.RecordErrors = s.RecordErrors[1:]
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.RecordExecution(ctx, record)
}

func (s *FlakyStore) SaveSubmissionMarker(ctx context.Context, marker *models.SubmissionMarker) error {
	s.mu.Lock()
	err := s.MarkerErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.SaveSubmissionMarker(ctx, marker)
}
