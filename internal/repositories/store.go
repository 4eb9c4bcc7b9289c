package repositories

import (
	"context"
	"time"

	"example.com/backstage/ingest/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Common repository errors
var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicateKey = errors.New("duplicate key violation")
	ErrUnitClosed   = errors.New("unit of work already closed")
)

// EventReader looks up events by content hash
type EventReader interface {
	// FindRawEventByHash returns the raw event for hash, optionally
	// restricted to the given statuses. ErrNotFound when absent.
	FindRawEventByHash(ctx context.Context, hash string, statuses ...models.EventStatus) (*models.RawEvent, error)

	// FindNormalizedEventByHash returns ErrNotFound when absent
	FindNormalizedEventByHash(ctx context.Context, hash string) (*models.NormalizedEvent, error)
}

// EventWriter mutates events
type EventWriter interface {
	// UpsertRawEventIfAbsent is an atomic get-or-create keyed by hash.
	// An existing record is returned untouched.
	UpsertRawEventIfAbsent(ctx context.Context, hash, source string, payload map[string]interface{}, status models.EventStatus) (*models.RawEvent, error)

	// UpdateRawEventStatus sets status and error message (empty clears it)
	UpdateRawEventStatus(ctx context.Context, id uuid.UUID, status models.EventStatus, errorMessage string) error

	// InsertNormalizedEvent fails with ErrDuplicateKey when the normalized
	// hash already exists
	InsertNormalizedEvent(ctx context.Context, event *models.NormalizedEvent) error
}

// Unit is a unit of work: its writes commit or roll back together.
// Rollback after Commit is a no-op, so it can be deferred.
type Unit interface {
	EventReader
	EventWriter
	Commit() error
	Rollback() error
}

// Store is the storage collaborator of the event pipeline. Methods called
// on the Store directly run outside any unit of work.
type Store interface {
	EventReader
	EventWriter

	// Begin opens a unit of work bound to ctx
	Begin(ctx context.Context) (Unit, error)

	CountRawEventsByStatus(ctx context.Context, status models.EventStatus) (int64, error)
	CountNormalizedEvents(ctx context.Context) (int64, error)

	// ScanNormalizedEvents returns committed normalized events matching filter
	ScanNormalizedEvents(ctx context.Context, filter models.EventFilter) ([]models.NormalizedEvent, error)

	// ListRawEventsByStatus returns up to limit raw events in status last
	// updated before the given time, oldest first
	ListRawEventsByStatus(ctx context.Context, status models.EventStatus, updatedBefore time.Time, limit int) ([]models.RawEvent, error)

	// TransitionRawEventStatus moves a raw event from one status to another
	// only if it is still in from. It reports whether the row changed.
	TransitionRawEventStatus(ctx context.Context, id uuid.UUID, from, to models.EventStatus, errorMessage string) (bool, error)
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicateKey checks if an error is a unique constraint violation
func IsDuplicateKey(err error) bool {
	return errors.Is(err, ErrDuplicateKey)
}

func errorMessagePtr(msg string) *string {
	if msg == "" {
		return nil
	}
	return &msg
}
