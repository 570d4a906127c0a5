package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/speedrun-hq/speedrun-dca/pkg/logger"
	"github.com/speedrun-hq/speedrun-dca/pkg/metrics"
	"github.com/speedrun-hq/speedrun-dca/pkg/models"
	"github.com/speedrun-hq/speedrun-dca/pkg/store"
)

// Selector returns the intents due for a cadence
type Selector struct {
	store  store.Store
	logger logger.Logger
}

func NewSelector(st store.Store, log logger.Logger) *Selector {
	return &Selector{store: st, logger: log}
}

// Select returns the active intents of the cadence whose interval has elapsed
// at now. A store failure yields no intents at all, never a partial list.
func (s *Selector) Select(ctx context.Context, cadence models.Cadence, now time.Time) ([]models.Intent, error) {
	intents, err := s.store.ListDueIntents(ctx, cadence, now)
	if err != nil {
		metrics.SelectionErrors.WithLabelValues(string(cadence)).Inc()
		return nil, fmt.Errorf("failed to select due %s intents: %w", cadence, err)
	}

	due := intents[:0]
	for _, intent := range intents {
		if !intent.IsDue(cadence, now) {
			s.logger.Debug("Store returned intent %s that is not due for %s, dropping it", intent.ID, cadence)
			continue
		}
		due = append(due, intent)
	}
	metrics.IntentsSelected.WithLabelValues(string(cadence)).Add(float64(len(due)))
	return due, nil
}
