package services

import (
	"context"
	"sync"
	"time"

	"example.com/backstage/ingest/internal/models"
	"example.com/backstage/ingest/internal/repositories"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// MockUnit is a testify mock of repositories.Unit
type MockUnit struct {
	mock.Mock
}

func (m *MockUnit) FindRawEventByHash(ctx context.Context, hash string, statuses ...models.EventStatus) (*models.RawEvent, error) {
	args := m.Called(ctx, hash, statuses)
	raw, _ := args.Get(0).(*models.RawEvent)
	return raw, args.Error(1)
}

func (m *MockUnit) FindNormalizedEventByHash(ctx context.Context, hash string) (*models.NormalizedEvent, error) {
	args := m.Called(ctx, hash)
	ev, _ := args.Get(0).(*models.NormalizedEvent)
	return ev, args.Error(1)
}

func (m *MockUnit) UpsertRawEventIfAbsent(ctx context.Context, hash, source string, payload map[string]interface{}, status models.EventStatus) (*models.RawEvent, error) {
	args := m.Called(ctx, hash, source, payload, status)
	raw, _ := args.Get(0).(*models.RawEvent)
	return raw, args.Error(1)
}

func (m *MockUnit) UpdateRawEventStatus(ctx context.Context, id uuid.UUID, status models.EventStatus, errorMessage string) error {
	args := m.Called(ctx, id, status, errorMessage)
	return args.Error(0)
}

func (m *MockUnit) InsertNormalizedEvent(ctx context.Context, event *models.NormalizedEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockUnit) Commit() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockUnit) Rollback() error {
	args := m.Called()
	return args.Error(0)
}

// MockStore is a testify mock of repositories.Store
type MockStore struct {
	MockUnit
}

func (m *MockStore) Begin(ctx context.Context) (repositories.Unit, error) {
	args := m.Called(ctx)
	unit, _ := args.Get(0).(repositories.Unit)
	return unit, args.Error(1)
}

func (m *MockStore) CountRawEventsByStatus(ctx context.Context, status models.EventStatus) (int64, error) {
	args := m.Called(ctx, status)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) CountNormalizedEvents(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) ScanNormalizedEvents(ctx context.Context, filter models.EventFilter) ([]models.NormalizedEvent, error) {
	args := m.Called(ctx, filter)
	events, _ := args.Get(0).([]models.NormalizedEvent)
	return events, args.Error(1)
}

func (m *MockStore) ListRawEventsByStatus(ctx context.Context, status models.EventStatus, updatedBefore time.Time, limit int) ([]models.RawEvent, error) {
	args := m.Called(ctx, status, updatedBefore, limit)
	events, _ := args.Get(0).([]models.RawEvent)
	return events, args.Error(1)
}

func (m *MockStore) TransitionRawEventStatus(ctx context.Context, id uuid.UUID, from, to models.EventStatus, errorMessage string) (bool, error) {
	args := m.Called(ctx, id, from, to, errorMessage)
	return args.Bool(0), args.Error(1)
}

// fakeHints is an in-process DuplicateHints
type fakeHints struct {
	mu   sync.Mutex
	seen map[string]uuid.UUID
}

func newFakeHints() *fakeHints {
	return &fakeHints{seen: make(map[string]uuid.UUID)}
}

func (h *fakeHints) LookupNormalized(_ context.Context, contentHash string) (uuid.UUID, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.seen[contentHash]
	return id, ok
}

func (h *fakeHints) RememberNormalized(_ context.Context, contentHash string, rawEventID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen[contentHash] = rawEventID
}

func (h *fakeHints) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

// fakeIndexer records indexed events
type fakeIndexer struct {
	mu      sync.Mutex
	indexed []*models.NormalizedEvent
	err     error
}

func (f *fakeIndexer) IndexNormalizedEvent(_ context.Context, event *models.NormalizedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, event)
	return f.err
}

func (f *fakeIndexer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.indexed)
}
