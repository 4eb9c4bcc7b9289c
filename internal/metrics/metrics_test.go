package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordOutcome(t *testing.T) {
	m := NewMetrics()

	m.RecordOutcome("success", "normalized", 10*time.Millisecond)
	m.RecordOutcome("success", "normalized", 5*time.Millisecond)
	m.RecordOutcome("duplicate", "duplicate_raw", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsProcessed.WithLabelValues("success", "normalized")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsProcessed.WithLabelValues("duplicate", "duplicate_raw")))
}

func TestRecordDatabaseQueryAndHealth(t *testing.T) {
	m := NewMetrics()

	m.RecordDatabaseQuery(DBQueryTypeInsert, true, time.Millisecond)
	m.RecordDatabaseQuery(DBQueryTypeInsert, false, time.Millisecond)
	m.SetHealth(ComponentDatabase, true)
	m.SetHealth(ComponentCache, false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.dbQueries.WithLabelValues(DBQueryTypeInsert, "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dbQueries.WithLabelValues(DBQueryTypeInsert, "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.health.WithLabelValues(ComponentDatabase)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.health.WithLabelValues(ComponentCache)))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordOutcome("success", "normalized", time.Millisecond)
		m.RecordDatabaseQuery(DBQueryTypeSelect, true, time.Millisecond)
		m.RecordMessage(MessageOperationReceive, true)
		m.RecordAggregateRequest("none")
		m.SetHealth(ComponentQueue, true)
	})
	assert.Nil(t, m.Registry())
	assert.Zero(t, m.Uptime())
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := NewMetrics()
	m.RecordAggregateRequest("byClient")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `ingest_aggregate_requests_total{group_by="byClient"} 1`)
}
