package repositories

import (
	"context"
	"time"

	"example.com/backstage/ingest/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const uniqueViolation = "23505"

// GormStore implements Store on a relational database. Uniqueness of
// content_hash and normalized_hash is enforced by unique indexes.
type GormStore struct {
	gormOps
	db *gorm.DB
}

// NewGormStore creates a new gorm backed store
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{gormOps: gormOps{db: db}, db: db}
}

// Begin starts a database transaction
func (s *GormStore) Begin(ctx context.Context) (Unit, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, errors.Wrap(tx.Error, "failed to begin transaction")
	}
	return &gormUnit{gormOps: gormOps{db: tx}}, nil
}

// CountRawEventsByStatus counts raw events in a status
func (s *GormStore) CountRawEventsByStatus(ctx context.Context, status models.EventStatus) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.RawEvent{}).
		Where("status = ?", status).
		Count(&count).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to count raw events")
	}
	return count, nil
}

// CountNormalizedEvents counts normalized events
func (s *GormStore) CountNormalizedEvents(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.NormalizedEvent{}).Count(&count).Error; err != nil {
		return 0, errors.Wrap(err, "failed to count normalized events")
	}
	return count, nil
}

// ScanNormalizedEvents returns normalized events matching the filter
func (s *GormStore) ScanNormalizedEvents(ctx context.Context, filter models.EventFilter) ([]models.NormalizedEvent, error) {
	q := s.db.WithContext(ctx).Model(&models.NormalizedEvent{})
	if filter.ClientID != "" {
		q = q.Where("client_id = ?", filter.ClientID)
	}
	if filter.HasRange() {
		q = q.Where("timestamp IS NOT NULL")
		if filter.StartDate != nil {
			q = q.Where("timestamp >= ?", *filter.StartDate)
		}
		if filter.EndDate != nil {
			q = q.Where("timestamp <= ?", *filter.EndDate)
		}
	}

	var events []models.NormalizedEvent
	if err := q.Order("processed_at ASC").Find(&events).Error; err != nil {
		return nil, errors.Wrap(err, "failed to scan normalized events")
	}
	return events, nil
}

// ListRawEventsByStatus lists raw events in status not updated since updatedBefore
func (s *GormStore) ListRawEventsByStatus(ctx context.Context, status models.EventStatus, updatedBefore time.Time, limit int) ([]models.RawEvent, error) {
	var events []models.RawEvent
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", status, updatedBefore).
		Order("updated_at ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list raw events by status")
	}
	return events, nil
}

// TransitionRawEventStatus updates status only while the row is still in from
func (s *GormStore) TransitionRawEventStatus(ctx context.Context, id uuid.UUID, from, to models.EventStatus, errorMessage string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&models.RawEvent{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{
			"status":        to,
			"error_message": errorMessagePtr(errorMessage),
			"updated_at":    time.Now().UTC(),
		})
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "failed to transition raw event status")
	}
	return result.RowsAffected > 0, nil
}

// gormUnit is a unit of work on a single transaction
type gormUnit struct {
	gormOps
	closed bool
}

// InsertNormalizedEvent wraps the insert in a savepoint so a unique
// violation leaves the transaction usable for the status update that follows.
func (u *gormUnit) InsertNormalizedEvent(ctx context.Context, event *models.NormalizedEvent) error {
	if u.closed {
		return ErrUnitClosed
	}
	const savepoint = "normalized_insert"
	if err := u.db.SavePoint(savepoint).Error; err != nil {
		return errors.Wrap(err, "failed to create savepoint")
	}
	if err := u.gormOps.InsertNormalizedEvent(ctx, event); err != nil {
		if rbErr := u.db.RollbackTo(savepoint).Error; rbErr != nil {
			log.Error().Err(rbErr).Msg("Failed to roll back to savepoint")
			return errors.Wrap(rbErr, "failed to roll back to savepoint")
		}
		return err
	}
	return nil
}

// Commit commits the transaction
func (u *gormUnit) Commit() error {
	if u.closed {
		return ErrUnitClosed
	}
	u.closed = true
	if err := u.db.Commit().Error; err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// Rollback rolls the transaction back; no-op once closed
func (u *gormUnit) Rollback() error {
	if u.closed {
		return nil
	}
	u.closed = true
	if err := u.db.Rollback().Error; err != nil {
		return errors.Wrap(err, "failed to roll back transaction")
	}
	return nil
}

// gormOps holds the lookups and writes shared by the store and its units
type gormOps struct {
	db *gorm.DB
}

func (o gormOps) FindRawEventByHash(ctx context.Context, hash string, statuses ...models.EventStatus) (*models.RawEvent, error) {
	q := o.db.WithContext(ctx).Where("content_hash = ?", hash)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}

	var raw models.RawEvent
	if err := q.First(&raw).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to find raw event by hash")
	}
	return &raw, nil
}

func (o gormOps) FindNormalizedEventByHash(ctx context.Context, hash string) (*models.NormalizedEvent, error) {
	var event models.NormalizedEvent
	if err := o.db.WithContext(ctx).Where("normalized_hash = ?", hash).First(&event).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to find normalized event by hash")
	}
	return &event, nil
}

func (o gormOps) UpsertRawEventIfAbsent(ctx context.Context, hash, source string, payload map[string]interface{}, status models.EventStatus) (*models.RawEvent, error) {
	now := time.Now().UTC()
	candidate := &models.RawEvent{
		ID:          uuid.New(),
		Source:      source,
		Payload:     datatypes.JSONMap(payload),
		ContentHash: hash,
		Status:      status,
		ReceivedAt:  now,
		UpdatedAt:   now,
	}

	// A concurrent insert of the same hash blocks on the unique index until
	// the other transaction finishes, then does nothing.
	err := o.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "content_hash"}},
			DoNothing: true,
		}).
		Create(candidate).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to upsert raw event")
	}

	raw, err := o.FindRawEventByHash(ctx, hash)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load upserted raw event")
	}
	return raw, nil
}

func (o gormOps) UpdateRawEventStatus(ctx context.Context, id uuid.UUID, status models.EventStatus, errorMessage string) error {
	result := o.db.WithContext(ctx).
		Model(&models.RawEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        status,
			"error_message": errorMessagePtr(errorMessage),
			"updated_at":    time.Now().UTC(),
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to update raw event status")
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (o gormOps) InsertNormalizedEvent(ctx context.Context, event *models.NormalizedEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.ProcessedAt.IsZero() {
		event.ProcessedAt = time.Now().UTC()
	}
	if err := o.db.WithContext(ctx).Omit(clause.Associations).Create(event).Error; err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(ErrDuplicateKey, "normalized hash %s", event.NormalizedHash)
		}
		return errors.Wrap(err, "failed to insert normalized event")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
