package services

import (
	"context"
	"time"

	"example.com/backstage/ingest/internal/hashing"
	"example.com/backstage/ingest/internal/metrics"
	"example.com/backstage/ingest/internal/models"
	"example.com/backstage/ingest/internal/normalizer"
	"example.com/backstage/ingest/internal/repositories"
	"example.com/backstage/ingest/internal/tracing"

	"github.com/google/uuid"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrSimulatedFailure is raised before commit when failure injection is requested
var ErrSimulatedFailure = errors.New("simulated processing failure")

// OutcomeStatus is the kind of result ProcessEvent returns
type OutcomeStatus string

// Outcome kinds
const (
	OutcomeSuccess         OutcomeStatus = "success"
	OutcomeDuplicate       OutcomeStatus = "duplicate"
	OutcomeValidationError OutcomeStatus = "validation_error"
	OutcomeProcessingError OutcomeStatus = "processing_error"
)

// Stable reason codes carried by every outcome
const (
	ReasonNormalized          = "normalized"
	ReasonDuplicateRaw        = "duplicate_raw"
	ReasonDuplicateNormalized = "duplicate_normalized"
	ReasonInvalidEvent        = "invalid_event"
	ReasonValidationFailed    = "validation_failed"
	ReasonProcessingFailed    = "processing_failed"
)

// RawInput is an event as submitted by a producer
type RawInput struct {
	Source  string      `json:"source"`
	Payload interface{} `json:"payload"`
}

// ProcessingOutcome is the result of one ProcessEvent call
type ProcessingOutcome struct {
	Status            OutcomeStatus                `json:"status"`
	Reason            string                       `json:"reason"`
	Message           string                       `json:"message"`
	RawEventID        *uuid.UUID                   `json:"rawEventId,omitempty"`
	NormalizedEventID *uuid.UUID                   `json:"normalizedEventId,omitempty"`
	Normalized        *normalizer.NormalizedRecord `json:"normalized,omitempty"`
}

// StatisticsSnapshot holds point-in-time pipeline counts
type StatisticsSnapshot struct {
	TotalProcessed  int64 `json:"totalProcessed"`
	TotalFailed     int64 `json:"totalFailed"`
	TotalDuplicates int64 `json:"totalDuplicates"`
	TotalNormalized int64 `json:"totalNormalized"`
}

// DuplicateHints remembers content hashes that reached normalized
type DuplicateHints interface {
	LookupNormalized(ctx context.Context, contentHash string) (uuid.UUID, bool)
	RememberNormalized(ctx context.Context, contentHash string, rawEventID uuid.UUID)
}

// EventIndexer projects committed normalized events into a search index
type EventIndexer interface {
	IndexNormalizedEvent(ctx context.Context, event *models.NormalizedEvent) error
}

// ProcessorOption configures an EventProcessor
type ProcessorOption func(*EventProcessor)

// WithDuplicateHints enables the duplicate fast path
func WithDuplicateHints(hints DuplicateHints) ProcessorOption {
	return func(p *EventProcessor) {
		p.hints = hints
	}
}

// WithIndexer projects committed events into search
func WithIndexer(indexer EventIndexer) ProcessorOption {
	return func(p *EventProcessor) {
		p.indexer = indexer
	}
}

// WithTracer sets the tracer
func WithTracer(tracer tracing.Tracer) ProcessorOption {
	return func(p *EventProcessor) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(m *metrics.Metrics) ProcessorOption {
	return func(p *EventProcessor) {
		p.metrics = m
	}
}

// EventProcessor runs the idempotent ingestion protocol: each call owns
// exactly one unit of work.
type EventProcessor struct {
	store      repositories.Store
	normalizer *normalizer.Normalizer
	hints      DuplicateHints
	indexer    EventIndexer
	tracer     tracing.Tracer
	metrics    *metrics.Metrics
}

// NewEventProcessor creates a new event processor
func NewEventProcessor(store repositories.Store, n *normalizer.Normalizer, opts ...ProcessorOption) *EventProcessor {
	if n == nil {
		n = normalizer.New(nil)
	}
	p := &EventProcessor{
		store:      store,
		normalizer: n,
		tracer:     tracing.Disabled(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Normalizer returns the normalizer used by the processor
func (p *EventProcessor) Normalizer() *normalizer.Normalizer {
	return p.normalizer
}

// unitResult carries what the unit of work produced to the post-commit steps
type unitResult struct {
	raw        *models.RawEvent
	normalized *models.NormalizedEvent
}

// ProcessEvent ingests one raw event. It never panics and never returns an
// error: every failure is reported as an outcome.
func (p *EventProcessor) ProcessEvent(ctx context.Context, input RawInput, simulateFailure bool) *ProcessingOutcome {
	start := time.Now()
	txn, end := tracing.TransactionFromContext(ctx, p.tracer, "ProcessEvent")
	defer end()
	p.tracer.AddAttribute(txn, "source", input.Source)

	outcome := p.guardedProcess(ctx, txn, input, simulateFailure)

	p.tracer.AddAttribute(txn, "outcome", string(outcome.Status))
	p.metrics.RecordOutcome(string(outcome.Status), outcome.Reason, time.Since(start))

	evt := log.Info()
	switch outcome.Status {
	case OutcomeProcessingError:
		evt = log.Error()
	case OutcomeValidationError:
		evt = log.Warn()
	}
	evt.Str("source", input.Source).
		Str("status", string(outcome.Status)).
		Str("reason", outcome.Reason).
		Func(func(e *zerolog.Event) {
			if outcome.RawEventID != nil {
				e.Str("raw_event_id", outcome.RawEventID.String())
			}
		}).
		Dur("duration", time.Since(start)).
		Msg(outcome.Message)

	return outcome
}

// guardedProcess converts a panic from a collaborator into a processing error
func (p *EventProcessor) guardedProcess(ctx context.Context, txn *newrelic.Transaction, input RawInput, simulateFailure bool) (outcome *ProcessingOutcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("source", input.Source).Msg("Event processing panicked")
			outcome = &ProcessingOutcome{
				Status:  OutcomeProcessingError,
				Reason:  ReasonProcessingFailed,
				Message: errors.Errorf("unexpected failure: %v", r).Error(),
			}
		}
	}()
	return p.process(ctx, txn, input, simulateFailure)
}

func (p *EventProcessor) process(ctx context.Context, txn *newrelic.Transaction, input RawInput, simulateFailure bool) *ProcessingOutcome {
	fields, err := normalizer.ValidateInput(input.Source, input.Payload)
	if err != nil {
		return invalidOutcome(err)
	}

	rawHash, err := hashing.Fingerprint(map[string]interface{}{
		"source":  input.Source,
		"payload": fields,
	})
	if err != nil {
		return invalidOutcome(errors.Wrapf(normalizer.ErrInvalidEvent, "payload cannot be fingerprinted: %v", err))
	}

	if p.hints != nil {
		if rawID, ok := p.hints.LookupNormalized(ctx, rawHash); ok {
			return duplicateRawOutcome(rawID)
		}
	}

	outcome, result, err := p.runUnit(ctx, txn, input.Source, fields, rawHash, simulateFailure)
	if err != nil {
		p.tracer.RecordError(txn, err)
		return p.recoverFailure(ctx, input.Source, fields, rawHash, err)
	}

	if outcome.Status == OutcomeSuccess {
		p.afterCommit(ctx, txn, rawHash, result)
	}
	return outcome
}

// runUnit executes steps that must commit or roll back together. A non-nil
// error means the unit was rolled back.
func (p *EventProcessor) runUnit(ctx context.Context, txn *newrelic.Transaction, source string, fields map[string]interface{}, rawHash string, simulateFailure bool) (*ProcessingOutcome, *unitResult, error) {
	seg := p.tracer.StartSegment(txn, "unit-of-work")
	defer tracing.EndSegment(seg)

	unit, err := p.store.Begin(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to begin unit of work")
	}
	defer func() {
		if rbErr := unit.Rollback(); rbErr != nil {
			log.Warn().Err(rbErr).Str("content_hash", rawHash).Msg("Rollback failed")
		}
	}()

	existing, err := unit.FindRawEventByHash(ctx, rawHash, models.StatusNormalized, models.StatusProcessing)
	switch {
	case err == nil && existing.Status == models.StatusNormalized:
		return duplicateRawOutcome(existing.ID), nil, nil
	case err != nil && !repositories.IsNotFound(err):
		return nil, nil, errors.Wrap(err, "failed to look up raw event")
	}

	raw, err := unit.UpsertRawEventIfAbsent(ctx, rawHash, source, fields, models.StatusProcessing)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to record raw event")
	}
	// A concurrent unit may have committed this content between the lookup and the upsert.
	if raw.Status == models.StatusNormalized {
		return duplicateRawOutcome(raw.ID), nil, nil
	}

	normSeg := p.tracer.StartSegment(txn, "normalize")
	record, normErr := p.normalizer.Normalize(source, fields)
	tracing.EndSegment(normSeg)
	if normErr != nil {
		if err := unit.UpdateRawEventStatus(ctx, raw.ID, models.StatusFailed, normErr.Error()); err != nil {
			return nil, nil, errors.Wrap(err, "failed to mark raw event failed")
		}
		if err := commit(ctx, unit); err != nil {
			return nil, nil, err
		}
		return &ProcessingOutcome{
			Status:     OutcomeValidationError,
			Reason:     ReasonValidationFailed,
			Message:    normErr.Error(),
			RawEventID: uuidPtr(raw.ID),
		}, nil, nil
	}

	existingNormalized, err := unit.FindNormalizedEventByHash(ctx, record.NormalizedHash)
	switch {
	case err == nil:
		return p.markDuplicate(ctx, unit, raw, record, existingNormalized)
	case !repositories.IsNotFound(err):
		return nil, nil, errors.Wrap(err, "failed to look up normalized event")
	}

	if simulateFailure {
		return nil, nil, ErrSimulatedFailure
	}

	normalized := &models.NormalizedEvent{
		ID:             uuid.New(),
		ClientID:       record.ClientID,
		Metric:         record.Metric,
		Amount:         record.Amount,
		Timestamp:      record.Timestamp,
		NormalizedHash: record.NormalizedHash,
		RawEventID:     raw.ID,
		ProcessedAt:    time.Now().UTC(),
	}
	if err := unit.InsertNormalizedEvent(ctx, normalized); err != nil {
		if !repositories.IsDuplicateKey(err) {
			return nil, nil, errors.Wrap(err, "failed to insert normalized event")
		}
		// Lost the race to a concurrent unit with the same canonical content.
		winner, findErr := unit.FindNormalizedEventByHash(ctx, record.NormalizedHash)
		if findErr != nil && !repositories.IsNotFound(findErr) {
			return nil, nil, errors.Wrap(findErr, "failed to load conflicting normalized event")
		}
		return p.markDuplicate(ctx, unit, raw, record, winner)
	}

	if err := unit.UpdateRawEventStatus(ctx, raw.ID, models.StatusNormalized, ""); err != nil {
		return nil, nil, errors.Wrap(err, "failed to mark raw event normalized")
	}
	if err := commit(ctx, unit); err != nil {
		return nil, nil, err
	}

	return &ProcessingOutcome{
		Status:            OutcomeSuccess,
		Reason:            ReasonNormalized,
		Message:           "event normalized",
		RawEventID:        uuidPtr(raw.ID),
		NormalizedEventID: uuidPtr(normalized.ID),
		Normalized:        record,
	}, &unitResult{raw: raw, normalized: normalized}, nil
}

// markDuplicate finalizes a raw event whose canonical content already exists.
// existing may be nil when the conflicting row is not visible yet.
func (p *EventProcessor) markDuplicate(ctx context.Context, unit repositories.Unit, raw *models.RawEvent, record *normalizer.NormalizedRecord, existing *models.NormalizedEvent) (*ProcessingOutcome, *unitResult, error) {
	if err := unit.UpdateRawEventStatus(ctx, raw.ID, models.StatusDuplicate, ""); err != nil {
		return nil, nil, errors.Wrap(err, "failed to mark raw event duplicate")
	}
	if err := commit(ctx, unit); err != nil {
		return nil, nil, err
	}

	outcome := &ProcessingOutcome{
		Status:     OutcomeDuplicate,
		Reason:     ReasonDuplicateNormalized,
		Message:    "an event with the same canonical content already exists",
		RawEventID: uuidPtr(raw.ID),
		Normalized: record,
	}
	if existing != nil {
		outcome.NormalizedEventID = uuidPtr(existing.ID)
	}
	return outcome, nil, nil
}

// recoverFailure marks the raw event failed outside the rolled-back unit.
// Its own failure is logged and swallowed.
func (p *EventProcessor) recoverFailure(ctx context.Context, source string, fields map[string]interface{}, rawHash string, cause error) *ProcessingOutcome {
	outcome := &ProcessingOutcome{
		Status:  OutcomeProcessingError,
		Reason:  ReasonProcessingFailed,
		Message: cause.Error(),
	}

	// The caller's deadline may be what failed the unit.
	recoveryCtx := context.WithoutCancel(ctx)

	raw, err := p.store.UpsertRawEventIfAbsent(recoveryCtx, rawHash, source, fields, models.StatusFailed)
	if err != nil {
		log.Error().Err(err).Str("content_hash", rawHash).Msg("Recovery write failed, raw event may remain in processing")
		return outcome
	}
	outcome.RawEventID = uuidPtr(raw.ID)

	// A concurrent unit may have normalized the same content; never downgrade it.
	if raw.Status == models.StatusNormalized {
		return outcome
	}
	if err := p.store.UpdateRawEventStatus(recoveryCtx, raw.ID, models.StatusFailed, cause.Error()); err != nil {
		log.Error().Err(err).Str("raw_event_id", raw.ID.String()).Msg("Recovery status update failed")
	}
	return outcome
}

func (p *EventProcessor) afterCommit(ctx context.Context, txn *newrelic.Transaction, rawHash string, result *unitResult) {
	if result == nil {
		return
	}
	if p.hints != nil {
		p.hints.RememberNormalized(ctx, rawHash, result.raw.ID)
	}
	if p.indexer != nil {
		seg := p.tracer.StartSegment(txn, "index-normalized-event")
		if err := p.indexer.IndexNormalizedEvent(ctx, result.normalized); err != nil {
			log.Warn().Err(err).
				Str("normalized_event_id", result.normalized.ID.String()).
				Msg("Failed to index normalized event")
		}
		tracing.EndSegment(seg)
	}
}

// GetStatistics returns point-in-time counts over committed records
func (p *EventProcessor) GetStatistics(ctx context.Context) (*StatisticsSnapshot, error) {
	counts := make(map[models.EventStatus]int64, len(models.AllStatuses))
	stats := &StatisticsSnapshot{}
	for _, status := range models.AllStatuses {
		n, err := p.store.CountRawEventsByStatus(ctx, status)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to count %s raw events", status)
		}
		counts[status] = n
		stats.TotalProcessed += n
	}
	stats.TotalFailed = counts[models.StatusFailed]
	stats.TotalDuplicates = counts[models.StatusDuplicate]

	normalized, err := p.store.CountNormalizedEvents(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count normalized events")
	}
	stats.TotalNormalized = normalized
	return stats, nil
}

// commit checks the caller's deadline before committing
func commit(ctx context.Context, unit repositories.Unit) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "context done before commit")
	}
	if err := unit.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit unit of work")
	}
	return nil
}

func invalidOutcome(err error) *ProcessingOutcome {
	return &ProcessingOutcome{
		Status:  OutcomeValidationError,
		Reason:  ReasonInvalidEvent,
		Message: err.Error(),
	}
}

func duplicateRawOutcome(rawID uuid.UUID) *ProcessingOutcome {
	return &ProcessingOutcome{
		Status:     OutcomeDuplicate,
		Reason:     ReasonDuplicateRaw,
		Message:    "event already processed",
		RawEventID: uuidPtr(rawID),
	}
}

func uuidPtr(id uuid.UUID) *uuid.UUID {
	return &id
}
