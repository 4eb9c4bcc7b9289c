package services

import (
	"context"
	"testing"
	"time"

	"example.com/backstage/ingest/internal/models"
	"example.com/backstage/ingest/internal/repositories"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type seedEvent struct {
	client string
	metric *string
	amount *float64
	ts     *time.Time
}

func seedStore(t *testing.T, events ...seedEvent) *repositories.MemoryStore {
	t.Helper()
	store := repositories.NewMemoryStore()
	for _, ev := range events {
		require.NoError(t, store.InsertNormalizedEvent(context.Background(), &models.NormalizedEvent{
			ClientID:       ev.client,
			Metric:         ev.metric,
			Amount:         ev.amount,
			Timestamp:      ev.ts,
			NormalizedHash: uuid.NewString(),
			RawEventID:     uuid.New(),
		}))
	}
	return store
}

func amt(v float64) *float64 { return &v }

func str(s string) *string { return &s }

func at(year int, month time.Month, day int) *time.Time {
	ts := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return &ts
}

func TestGetAggregatesByClient(t *testing.T) {
	store := seedStore(t,
		seedEvent{client: "A", amount: amt(10)},
		seedEvent{client: "A", amount: amt(30)},
		seedEvent{client: "B", amount: amt(5)},
	)
	agg := NewAggregator(store, nil)

	summaries, err := agg.GetAggregates(context.Background(), AggregateQuery{GroupBy: GroupByClient})
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	a := summaries[0]
	require.NotNil(t, a.GroupKey)
	assert.Equal(t, "A", *a.GroupKey)
	assert.Equal(t, int64(2), a.Count)
	assert.Equal(t, 40.0, a.TotalAmount)
	assert.Equal(t, 20.0, a.AvgAmount)
	assert.Equal(t, 10.0, a.MinAmount)
	assert.Equal(t, 30.0, a.MaxAmount)

	b := summaries[1]
	assert.Equal(t, "B", *b.GroupKey)
	assert.Equal(t, int64(1), b.Count)
	assert.Equal(t, 5.0, b.TotalAmount)
	assert.Equal(t, 5.0, b.AvgAmount)
	assert.Equal(t, 5.0, b.MinAmount)
	assert.Equal(t, 5.0, b.MaxAmount)
}

func TestGetAggregatesUngrouped(t *testing.T) {
	store := seedStore(t,
		seedEvent{client: "A", amount: amt(10)},
		seedEvent{client: "A", amount: amt(30)},
		seedEvent{client: "B", amount: amt(5)},
	)
	agg := NewAggregator(store, nil)

	for _, groupBy := range []GroupBy{"", GroupByNone} {
		summaries, err := agg.GetAggregates(context.Background(), AggregateQuery{GroupBy: groupBy})
		require.NoError(t, err)
		require.Len(t, summaries, 1)
		assert.Nil(t, summaries[0].GroupKey)
		assert.Equal(t, int64(3), summaries[0].Count)
		assert.Equal(t, 45.0, summaries[0].TotalAmount)
		assert.Equal(t, 15.0, summaries[0].AvgAmount)
	}
}

func TestGetAggregatesFilterBoundaries(t *testing.T) {
	store := seedStore(t,
		seedEvent{client: "A", amount: amt(1), ts: at(2024, time.January, 1)},
		seedEvent{client: "A", amount: amt(2), ts: at(2024, time.January, 31)},
		seedEvent{client: "A", amount: amt(4), ts: at(2024, time.February, 1)},
		seedEvent{client: "A", amount: amt(8)},
	)
	agg := NewAggregator(store, nil)

	summaries, err := agg.GetAggregates(context.Background(), AggregateQuery{
		StartDate: at(2024, time.January, 1),
		EndDate:   at(2024, time.January, 31),
	})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, int64(2), summaries[0].Count)
	assert.Equal(t, 3.0, summaries[0].TotalAmount)
	assert.Equal(t, *at(2024, time.January, 1), *summaries[0].FirstTimestamp)
	assert.Equal(t, *at(2024, time.January, 31), *summaries[0].LastTimestamp)
}

func TestGetAggregatesClientFilterAndMetrics(t *testing.T) {
	store := seedStore(t,
		seedEvent{client: "A", metric: str("views"), amount: amt(1)},
		seedEvent{client: "A", metric: str("clicks"), amount: amt(2)},
		seedEvent{client: "A", metric: str("views"), amount: amt(3)},
		seedEvent{client: "A", metric: str("")},
		seedEvent{client: "B", metric: str("sales"), amount: amt(100)},
	)
	agg := NewAggregator(store, nil)

	summaries, err := agg.GetAggregates(context.Background(), AggregateQuery{ClientID: "A", GroupBy: GroupByClient})
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	s := summaries[0]
	assert.Equal(t, "A", *s.GroupKey)
	assert.Equal(t, int64(4), s.Count)
	assert.Equal(t, []string{"clicks", "views"}, s.Metrics)
	// the record without an amount contributes 0
	assert.Equal(t, 6.0, s.TotalAmount)
	assert.Equal(t, 1.5, s.AvgAmount)
	assert.Equal(t, 0.0, s.MinAmount)
	assert.Equal(t, 3.0, s.MaxAmount)
	assert.Nil(t, s.FirstTimestamp)
}

func TestGetAggregatesByClientTiesOrderedByKey(t *testing.T) {
	store := seedStore(t,
		seedEvent{client: "C", amount: amt(5)},
		seedEvent{client: "B", amount: amt(5)},
		seedEvent{client: "A", amount: amt(1)},
	)
	agg := NewAggregator(store, nil)

	summaries, err := agg.GetAggregates(context.Background(), AggregateQuery{GroupBy: GroupByClient})
	require.NoError(t, err)
	require.Len(t, summaries, 3)
	assert.Equal(t, "B", *summaries[0].GroupKey)
	assert.Equal(t, "C", *summaries[1].GroupKey)
	assert.Equal(t, "A", *summaries[2].GroupKey)
}

func TestGetAggregatesEmpty(t *testing.T) {
	agg := NewAggregator(repositories.NewMemoryStore(), nil)

	summaries, err := agg.GetAggregates(context.Background(), AggregateQuery{GroupBy: GroupByClient})
	require.NoError(t, err)
	assert.NotNil(t, summaries)
	assert.Empty(t, summaries)
}

func TestGetAggregatesInvalidQuery(t *testing.T) {
	agg := NewAggregator(repositories.NewMemoryStore(), nil)

	_, err := agg.GetAggregates(context.Background(), AggregateQuery{GroupBy: "byMetric"})
	assert.True(t, errors.Is(err, ErrInvalidQuery))

	_, err = agg.GetAggregates(context.Background(), AggregateQuery{
		StartDate: at(2024, time.February, 1),
		EndDate:   at(2024, time.January, 1),
	})
	assert.True(t, errors.Is(err, ErrInvalidQuery))
}

func TestGetAggregatesPropagatesReadFailure(t *testing.T) {
	store := new(MockStore)
	store.On("ScanNormalizedEvents", mock.Anything, mock.Anything).Return(nil, errors.New("read timeout"))

	_, err := NewAggregator(store, nil).GetAggregates(context.Background(), AggregateQuery{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read timeout")
}
