package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"example.com/backstage/ingest/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source used for record timestamps
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// MemoryStore is an in-process Store. Units of work are serialized: a unit
// holds the store lock from Begin until Commit or Rollback, and its writes
// stay staged until Commit.
type MemoryStore struct {
	lock  chan struct{}
	state *memState
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		lock:  make(chan struct{}, 1),
		state: newMemState(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) acquire(ctx context.Context) error {
	select {
	case s.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for store lock")
	}
}

func (s *MemoryStore) release() {
	<-s.lock
}

func (s *MemoryStore) direct() *memTx {
	return &memTx{base: s.state, now: s.now}
}

// Begin opens a unit of work; it blocks until no other unit is open
func (s *MemoryStore) Begin(ctx context.Context) (Unit, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	return &memoryUnit{
		store: s,
		ctx:   ctx,
		tx:    &memTx{base: s.state, staged: newMemState(), now: s.now},
	}, nil
}

func (s *MemoryStore) FindRawEventByHash(ctx context.Context, hash string, statuses ...models.EventStatus) (*models.RawEvent, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()
	return s.direct().findRaw(hash, statuses)
}

func (s *MemoryStore) FindNormalizedEventByHash(ctx context.Context, hash string) (*models.NormalizedEvent, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()
	return s.direct().findNormalized(hash)
}

func (s *MemoryStore) UpsertRawEventIfAbsent(ctx context.Context, hash, source string, payload map[string]interface{}, status models.EventStatus) (*models.RawEvent, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()
	return s.direct().upsertRaw(hash, source, payload, status), nil
}

func (s *MemoryStore) UpdateRawEventStatus(ctx context.Context, id uuid.UUID, status models.EventStatus, errorMessage string) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return s.direct().updateStatus(id, status, errorMessage)
}

// TransitionRawEventStatus updates status only while the event is still in from
func (s *MemoryStore) TransitionRawEventStatus(ctx context.Context, id uuid.UUID, from, to models.EventStatus, errorMessage string) (bool, error) {
	if err := s.acquire(ctx); err != nil {
		return false, err
	}
	defer s.release()

	tx := s.direct()
	current := tx.lookupRawByID(id)
	if current == nil || current.Status != from {
		return false, nil
	}
	return true, tx.updateStatus(id, to, errorMessage)
}

func (s *MemoryStore) InsertNormalizedEvent(ctx context.Context, event *models.NormalizedEvent) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return s.direct().insertNormalized(event)
}

// CountRawEventsByStatus counts committed raw events in a status
func (s *MemoryStore) CountRawEventsByStatus(ctx context.Context, status models.EventStatus) (int64, error) {
	if err := s.acquire(ctx); err != nil {
		return 0, err
	}
	defer s.release()

	var count int64
	for _, raw := range s.state.raw {
		if raw.Status == status {
			count++
		}
	}
	return count, nil
}

// CountNormalizedEvents counts committed normalized events
func (s *MemoryStore) CountNormalizedEvents(ctx context.Context) (int64, error) {
	if err := s.acquire(ctx); err != nil {
		return 0, err
	}
	defer s.release()
	return int64(len(s.state.normalized)), nil
}

// ScanNormalizedEvents returns committed normalized events in insertion order
func (s *MemoryStore) ScanNormalizedEvents(ctx context.Context, filter models.EventFilter) ([]models.NormalizedEvent, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	events := make([]models.NormalizedEvent, 0, len(s.state.order))
	for _, hash := range s.state.order {
		ev := s.state.normalized[hash]
		if filter.Matches(ev) {
			events = append(events, *copyNormalized(ev))
		}
	}
	return events, nil
}

// ListRawEventsByStatus lists raw events in status not updated since updatedBefore
func (s *MemoryStore) ListRawEventsByStatus(ctx context.Context, status models.EventStatus, updatedBefore time.Time, limit int) ([]models.RawEvent, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	var events []models.RawEvent
	for _, raw := range s.state.raw {
		if raw.Status == status && raw.UpdatedAt.Before(updatedBefore) {
			events = append(events, *copyRaw(raw))
		}
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].UpdatedAt.Before(events[j].UpdatedAt)
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// memoryUnit stages writes until Commit
type memoryUnit struct {
	store *MemoryStore
	ctx   context.Context
	tx    *memTx

	mu     sync.Mutex
	closed bool
}

func (u *memoryUnit) check() error {
	if u.closed {
		return ErrUnitClosed
	}
	if err := u.ctx.Err(); err != nil {
		return errors.Wrap(err, "unit of work context done")
	}
	return nil
}

func (u *memoryUnit) FindRawEventByHash(_ context.Context, hash string, statuses ...models.EventStatus) (*models.RawEvent, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.check(); err != nil {
		return nil, err
	}
	return u.tx.findRaw(hash, statuses)
}

func (u *memoryUnit) FindNormalizedEventByHash(_ context.Context, hash string) (*models.NormalizedEvent, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.check(); err != nil {
		return nil, err
	}
	return u.tx.findNormalized(hash)
}

func (u *memoryUnit) UpsertRawEventIfAbsent(_ context.Context, hash, source string, payload map[string]interface{}, status models.EventStatus) (*models.RawEvent, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.check(); err != nil {
		return nil, err
	}
	return u.tx.upsertRaw(hash, source, payload, status), nil
}

func (u *memoryUnit) UpdateRawEventStatus(_ context.Context, id uuid.UUID, status models.EventStatus, errorMessage string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.check(); err != nil {
		return err
	}
	return u.tx.updateStatus(id, status, errorMessage)
}

func (u *memoryUnit) InsertNormalizedEvent(_ context.Context, event *models.NormalizedEvent) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.check(); err != nil {
		return err
	}
	return u.tx.insertNormalized(event)
}

// Commit applies staged writes and releases the store
func (u *memoryUnit) Commit() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.check(); err != nil {
		if !u.closed {
			u.closed = true
			u.store.release()
		}
		return err
	}
	u.tx.apply()
	u.closed = true
	u.store.release()
	return nil
}

// Rollback discards staged writes; no-op once closed
func (u *memoryUnit) Rollback() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	u.store.release()
	return nil
}

type memState struct {
	raw        map[string]*models.RawEvent
	rawByID    map[uuid.UUID]string
	normalized map[string]*models.NormalizedEvent
	order      []string
}

func newMemState() *memState {
	return &memState{
		raw:        make(map[string]*models.RawEvent),
		rawByID:    make(map[uuid.UUID]string),
		normalized: make(map[string]*models.NormalizedEvent),
	}
}

func (m *memState) putRaw(raw *models.RawEvent) {
	m.raw[raw.ContentHash] = raw
	m.rawByID[raw.ID] = raw.ContentHash
}

func (m *memState) putNormalized(ev *models.NormalizedEvent) {
	if _, exists := m.normalized[ev.NormalizedHash]; !exists {
		m.order = append(m.order, ev.NormalizedHash)
	}
	m.normalized[ev.NormalizedHash] = ev
}

// memTx reads through staged writes to the base state. A nil staged state
// writes straight to base.
type memTx struct {
	base   *memState
	staged *memState
	now    func() time.Time
}

func (t *memTx) target() *memState {
	if t.staged != nil {
		return t.staged
	}
	return t.base
}

func (t *memTx) lookupRaw(hash string) *models.RawEvent {
	if t.staged != nil {
		if raw, ok := t.staged.raw[hash]; ok {
			return raw
		}
	}
	return t.base.raw[hash]
}

func (t *memTx) lookupRawByID(id uuid.UUID) *models.RawEvent {
	if t.staged != nil {
		if hash, ok := t.staged.rawByID[id]; ok {
			return t.staged.raw[hash]
		}
	}
	if hash, ok := t.base.rawByID[id]; ok {
		return t.lookupRaw(hash)
	}
	return nil
}

func (t *memTx) lookupNormalized(hash string) *models.NormalizedEvent {
	if t.staged != nil {
		if ev, ok := t.staged.normalized[hash]; ok {
			return ev
		}
	}
	return t.base.normalized[hash]
}

func (t *memTx) findRaw(hash string, statuses []models.EventStatus) (*models.RawEvent, error) {
	raw := t.lookupRaw(hash)
	if raw == nil || !statusIn(raw.Status, statuses) {
		return nil, ErrNotFound
	}
	return copyRaw(raw), nil
}

func (t *memTx) findNormalized(hash string) (*models.NormalizedEvent, error) {
	ev := t.lookupNormalized(hash)
	if ev == nil {
		return nil, ErrNotFound
	}
	return copyNormalized(ev), nil
}

func (t *memTx) upsertRaw(hash, source string, payload map[string]interface{}, status models.EventStatus) *models.RawEvent {
	if existing := t.lookupRaw(hash); existing != nil {
		return copyRaw(existing)
	}
	now := t.now()
	raw := &models.RawEvent{
		ID:          uuid.New(),
		Source:      source,
		Payload:     copyPayload(payload),
		ContentHash: hash,
		Status:      status,
		ReceivedAt:  now,
		UpdatedAt:   now,
	}
	t.target().putRaw(raw)
	return copyRaw(raw)
}

func (t *memTx) updateStatus(id uuid.UUID, status models.EventStatus, errorMessage string) error {
	current := t.lookupRawByID(id)
	if current == nil {
		return ErrNotFound
	}
	updated := copyRaw(current)
	updated.Status = status
	updated.ErrorMessage = errorMessagePtr(errorMessage)
	updated.UpdatedAt = t.now()
	t.target().putRaw(updated)
	return nil
}

func (t *memTx) insertNormalized(event *models.NormalizedEvent) error {
	if t.lookupNormalized(event.NormalizedHash) != nil {
		return errors.Wrapf(ErrDuplicateKey, "normalized hash %s", event.NormalizedHash)
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.ProcessedAt.IsZero() {
		event.ProcessedAt = t.now()
	}
	t.target().putNormalized(copyNormalized(event))
	return nil
}

func (t *memTx) apply() {
	if t.staged == nil {
		return
	}
	for _, raw := range t.staged.raw {
		t.base.putRaw(raw)
	}
	for _, hash := range t.staged.order {
		t.base.putNormalized(t.staged.normalized[hash])
	}
	t.staged = newMemState()
}

func statusIn(status models.EventStatus, statuses []models.EventStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func copyPayload(payload map[string]interface{}) map[string]interface{} {
	if payload == nil {
		return nil
	}
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}

func copyRaw(raw *models.RawEvent) *models.RawEvent {
	c := *raw
	c.Payload = copyPayload(raw.Payload)
	if raw.ErrorMessage != nil {
		msg := *raw.ErrorMessage
		c.ErrorMessage = &msg
	}
	return &c
}

func copyNormalized(ev *models.NormalizedEvent) *models.NormalizedEvent {
	c := *ev
	if ev.Metric != nil {
		metric := *ev.Metric
		c.Metric = &metric
	}
	if ev.Amount != nil {
		amount := *ev.Amount
		c.Amount = &amount
	}
	if ev.Timestamp != nil {
		ts := *ev.Timestamp
		c.Timestamp = &ts
	}
	return &c
}
