package services

import (
	"context"
	"time"

	"example.com/backstage/ingest/internal/models"
	"example.com/backstage/ingest/internal/repositories"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const staleProcessingMessage = "processing abandoned: no terminal status before reconciliation"

// Reconciler promotes raw events stuck in processing to failed so a retry
// can pick them up. Rows end up there when a recovery write itself fails.
type Reconciler struct {
	store      repositories.Store
	staleAfter time.Duration
	batchSize  int
	now        func() time.Time
}

// NewReconciler creates a new reconciler
func NewReconciler(store repositories.Store, staleAfter time.Duration, batchSize int) *Reconciler {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Reconciler{
		store:      store,
		staleAfter: staleAfter,
		batchSize:  batchSize,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile runs one sweep and returns how many raw events were marked failed
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.staleAfter)

	stale, err := r.store.ListRawEventsByStatus(ctx, models.StatusProcessing, cutoff, r.batchSize)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list stale raw events")
	}

	reconciled := 0
	for _, raw := range stale {
		if err := ctx.Err(); err != nil {
			return reconciled, err
		}
		changed, err := r.store.TransitionRawEventStatus(ctx, raw.ID, models.StatusProcessing, models.StatusFailed, staleProcessingMessage)
		if err != nil {
			log.Error().Err(err).Str("raw_event_id", raw.ID.String()).Msg("Failed to reconcile stale raw event")
			continue
		}
		// finished by a retry since it was listed
		if !changed {
			continue
		}
		reconciled++
	}

	if reconciled > 0 {
		log.Info().Int("count", reconciled).Time("cutoff", cutoff).Msg("Reconciled stale processing raw events")
	}
	return reconciled, nil
}
