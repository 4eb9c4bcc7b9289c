package services

import (
	"context"
	"math"
	"sort"
	"time"

	"example.com/backstage/ingest/internal/metrics"
	"example.com/backstage/ingest/internal/models"
	"example.com/backstage/ingest/internal/repositories"

	"github.com/pkg/errors"
)

// ErrInvalidQuery is returned for an unknown group mode or an inverted range
var ErrInvalidQuery = errors.New("invalid aggregate query")

// GroupBy selects how normalized events are partitioned
type GroupBy string

// Group modes
const (
	GroupByNone   GroupBy = "none"
	GroupByClient GroupBy = "byClient"
)

// AggregateQuery filters and groups normalized events
type AggregateQuery struct {
	ClientID  string
	StartDate *time.Time
	EndDate   *time.Time
	GroupBy   GroupBy
}

// AggregateSummary holds statistics for one partition. A nil GroupKey marks
// the ungrouped partition.
type AggregateSummary struct {
	GroupKey       *string    `json:"groupKey"`
	Count          int64      `json:"count"`
	TotalAmount    float64    `json:"totalAmount"`
	AvgAmount      float64    `json:"avgAmount"`
	MinAmount      float64    `json:"minAmount"`
	MaxAmount      float64    `json:"maxAmount"`
	Metrics        []string   `json:"metrics"`
	FirstTimestamp *time.Time `json:"firstTimestamp,omitempty"`
	LastTimestamp  *time.Time `json:"lastTimestamp,omitempty"`
}

// Aggregator computes grouped statistics over committed normalized events
type Aggregator struct {
	store   repositories.Store
	metrics *metrics.Metrics
}

// NewAggregator creates a new aggregator
func NewAggregator(store repositories.Store, m *metrics.Metrics) *Aggregator {
	return &Aggregator{store: store, metrics: m}
}

// GetAggregates filters normalized events and summarizes each partition.
// byClient results are ordered by descending total, then client id.
func (a *Aggregator) GetAggregates(ctx context.Context, query AggregateQuery) ([]AggregateSummary, error) {
	groupBy := query.GroupBy
	if groupBy == "" {
		groupBy = GroupByNone
	}
	if groupBy != GroupByNone && groupBy != GroupByClient {
		return nil, errors.Wrapf(ErrInvalidQuery, "unknown group mode %q", query.GroupBy)
	}
	if query.StartDate != nil && query.EndDate != nil && query.StartDate.After(*query.EndDate) {
		return nil, errors.Wrap(ErrInvalidQuery, "startDate is after endDate")
	}
	a.metrics.RecordAggregateRequest(string(groupBy))

	events, err := a.store.ScanNormalizedEvents(ctx, models.EventFilter{
		ClientID:  query.ClientID,
		StartDate: query.StartDate,
		EndDate:   query.EndDate,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to read normalized events")
	}

	var order []string
	partitions := make(map[string]*accumulator)
	for i := range events {
		ev := &events[i]
		key := ""
		if groupBy == GroupByClient {
			key = ev.ClientID
		}
		acc, ok := partitions[key]
		if !ok {
			acc = newAccumulator()
			partitions[key] = acc
			order = append(order, key)
		}
		acc.add(ev)
	}

	summaries := make([]AggregateSummary, 0, len(order))
	for _, key := range order {
		var groupKey *string
		if groupBy == GroupByClient {
			k := key
			groupKey = &k
		}
		summaries = append(summaries, partitions[key].summary(groupKey))
	}

	if groupBy == GroupByClient {
		sort.SliceStable(summaries, func(i, j int) bool {
			if summaries[i].TotalAmount != summaries[j].TotalAmount {
				return summaries[i].TotalAmount > summaries[j].TotalAmount
			}
			return *summaries[i].GroupKey < *summaries[j].GroupKey
		})
	}
	return summaries, nil
}

// accumulator folds events of one partition. Absent amounts count as 0.
type accumulator struct {
	count   int64
	total   float64
	min     float64
	max     float64
	metrics map[string]struct{}
	first   *time.Time
	last    *time.Time
}

func newAccumulator() *accumulator {
	return &accumulator{
		min:     math.Inf(1),
		max:     math.Inf(-1),
		metrics: make(map[string]struct{}),
	}
}

func (a *accumulator) add(ev *models.NormalizedEvent) {
	amount := 0.0
	if ev.Amount != nil {
		amount = *ev.Amount
	}
	a.count++
	a.total += amount
	a.min = math.Min(a.min, amount)
	a.max = math.Max(a.max, amount)

	if ev.Metric != nil && *ev.Metric != "" {
		a.metrics[*ev.Metric] = struct{}{}
	}
	if ts := ev.Timestamp; ts != nil {
		if a.first == nil || ts.Before(*a.first) {
			t := *ts
			a.first = &t
		}
		if a.last == nil || ts.After(*a.last) {
			t := *ts
			a.last = &t
		}
	}
}

func (a *accumulator) summary(groupKey *string) AggregateSummary {
	metricNames := make([]string, 0, len(a.metrics))
	for m := range a.metrics {
		metricNames = append(metricNames, m)
	}
	sort.Strings(metricNames)

	return AggregateSummary{
		GroupKey:       groupKey,
		Count:          a.count,
		TotalAmount:    a.total,
		AvgAmount:      a.total / float64(a.count),
		MinAmount:      a.min,
		MaxAmount:      a.max,
		Metrics:        metricNames,
		FirstTimestamp: a.first,
		LastTimestamp:  a.last,
	}
}
