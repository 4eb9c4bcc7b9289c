package database

import (
	"time"

	"example.com/backstage/ingest/internal/metrics"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

const startTimeKey = "metrics:start_time"

// RegisterMetricsHooks times every create, query, update and delete and
// reports it to m
func RegisterMetricsHooks(db *gorm.DB, m *metrics.Metrics) error {
	if m == nil {
		return nil
	}

	cb := db.Callback()
	hooks := []struct {
		queryType string
		before    func() error
		after     func() error
	}{
		{
			queryType: metrics.DBQueryTypeInsert,
			before:    func() error { return cb.Create().Before("gorm:create").Register("metrics:before_create", startTimer) },
			after:     func() error { return cb.Create().After("gorm:create").Register("metrics:create", recordQuery(m, metrics.DBQueryTypeInsert)) },
		},
		{
			queryType: metrics.DBQueryTypeSelect,
			before:    func() error { return cb.Query().Before("gorm:query").Register("metrics:before_query", startTimer) },
			after:     func() error { return cb.Query().After("gorm:query").Register("metrics:query", recordQuery(m, metrics.DBQueryTypeSelect)) },
		},
		{
			queryType: metrics.DBQueryTypeUpdate,
			before:    func() error { return cb.Update().Before("gorm:update").Register("metrics:before_update", startTimer) },
			after:     func() error { return cb.Update().After("gorm:update").Register("metrics:update", recordQuery(m, metrics.DBQueryTypeUpdate)) },
		},
		{
			queryType: metrics.DBQueryTypeDelete,
			before:    func() error { return cb.Delete().Before("gorm:delete").Register("metrics:before_delete", startTimer) },
			after:     func() error { return cb.Delete().After("gorm:delete").Register("metrics:delete", recordQuery(m, metrics.DBQueryTypeDelete)) },
		},
	}

	for _, h := range hooks {
		if err := h.before(); err != nil {
			return errors.Wrapf(err, "failed to register %s timer", h.queryType)
		}
		if err := h.after(); err != nil {
			return errors.Wrapf(err, "failed to register %s metrics", h.queryType)
		}
	}
	return nil
}

func startTimer(db *gorm.DB) {
	db.InstanceSet(startTimeKey, time.Now())
}

func recordQuery(m *metrics.Metrics, queryType string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		m.RecordDatabaseQuery(queryType, db.Error == nil || errors.Is(db.Error, gorm.ErrRecordNotFound), elapsed(db))
	}
}

func elapsed(db *gorm.DB) time.Duration {
	if start, ok := db.InstanceGet(startTimeKey); ok {
		if t, ok := start.(time.Time); ok {
			return time.Since(t)
		}
	}
	return 0
}
