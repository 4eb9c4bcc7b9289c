package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"example.com/backstage/ingest/config"
	"example.com/backstage/ingest/internal/metrics"
	"example.com/backstage/ingest/internal/models"
	"example.com/backstage/ingest/internal/repositories"
	"example.com/backstage/ingest/internal/services"
	"example.com/backstage/ingest/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, checks ...HealthCheck) (*Server, *repositories.MemoryStore) {
	t.Helper()
	store := repositories.NewMemoryStore()
	m := metrics.NewMetrics()
	processor := services.NewEventProcessor(store, nil, services.WithMetrics(m))
	aggregator := services.NewAggregator(store, m)
	cfg := config.Config{Environment: "development"}
	return NewServer(cfg, processor, aggregator, m, tracing.Disabled(), checks...), store
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decodeOutcome(t *testing.T, w *httptest.ResponseRecorder) services.ProcessingOutcome {
	t.Helper()
	var outcome services.ProcessingOutcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &outcome))
	return outcome
}

func TestIngestEventStatusCodes(t *testing.T) {
	s, _ := newTestServer(t)
	event := EventRequest{Source: "client_A", Payload: map[string]interface{}{"metric": "views", "amount": "1,200.50"}}

	w := doJSON(t, s, http.MethodPost, "/events", event)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	outcome := decodeOutcome(t, w)
	assert.Equal(t, services.OutcomeSuccess, outcome.Status)
	require.NotNil(t, outcome.Normalized)
	require.NotNil(t, outcome.Normalized.Amount)
	assert.Equal(t, 1200.5, *outcome.Normalized.Amount)
	assert.NotEmpty(t, w.Header().Get(requestIDKey))

	w = doJSON(t, s, http.MethodPost, "/events", event)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, services.OutcomeDuplicate, decodeOutcome(t, w).Status)

	w = doJSON(t, s, http.MethodPost, "/events", EventRequest{Source: "", Payload: map[string]interface{}{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, services.OutcomeValidationError, decodeOutcome(t, w).Status)

	w = doJSON(t, s, http.MethodPost, "/events", EventRequest{Source: "client_A", Payload: []interface{}{1}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestEventSimulatedFailureThenRetry(t *testing.T) {
	s, store := newTestServer(t)
	event := EventRequest{Source: "client_B", Payload: map[string]interface{}{"amount": 5}, SimulateFailure: true}

	w := doJSON(t, s, http.MethodPost, "/events", event)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, services.OutcomeProcessingError, decodeOutcome(t, w).Status)

	count, err := store.CountNormalizedEvents(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)

	event.SimulateFailure = false
	w = doJSON(t, s, http.MethodPost, "/events", event)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestIngestEventMalformedBody(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/events", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "INVALID_REQUEST", resp.Code)
	assert.NotEmpty(t, resp.Details)
}

func TestIngestEventKeepsLargeIntegersDistinct(t *testing.T) {
	s, store := newTestServer(t)

	// both round to the same float64
	for _, id := range []string{"9007199254740993", "9007199254740992"} {
		w := doJSON(t, s, http.MethodPost, "/events", `{"source":"client_A","payload":{"metric":`+id+`}}`)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		outcome := decodeOutcome(t, w)
		assert.Equal(t, services.OutcomeSuccess, outcome.Status)
		require.NotNil(t, outcome.Normalized)
		require.NotNil(t, outcome.Normalized.Metric)
		assert.Equal(t, id, *outcome.Normalized.Metric)
	}

	count, err := store.CountRawEventsByStatus(context.Background(), models.StatusNormalized)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestGetStatistics(t *testing.T) {
	s, _ := newTestServer(t)
	event := EventRequest{Source: "client_A", Payload: map[string]interface{}{"amount": 1}}
	doJSON(t, s, http.MethodPost, "/events", event)
	doJSON(t, s, http.MethodPost, "/events", EventRequest{Source: "client_A", Payload: map[string]interface{}{"amount": 2}, SimulateFailure: true})

	w := doJSON(t, s, http.MethodGet, "/events/statistics", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats services.StatisticsSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(2), stats.TotalProcessed)
	assert.Equal(t, int64(1), stats.TotalFailed)
	assert.Equal(t, int64(1), stats.TotalNormalized)
}

func TestGetAggregates(t *testing.T) {
	s, _ := newTestServer(t)
	for _, ev := range []EventRequest{
		{Source: "A", Payload: map[string]interface{}{"amount": 10, "date": "2024-01-05"}},
		{Source: "A", Payload: map[string]interface{}{"amount": 30, "date": "2024-01-20"}},
		{Source: "B", Payload: map[string]interface{}{"amount": 5, "date": "2024-02-10"}},
	} {
		w := doJSON(t, s, http.MethodPost, "/events", ev)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w := doJSON(t, s, http.MethodGet, "/events/aggregates?groupBy=byClient", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var summaries []services.AggregateSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summaries))
	require.Len(t, summaries, 2)
	assert.Equal(t, "A", *summaries[0].GroupKey)
	assert.Equal(t, 40.0, summaries[0].TotalAmount)

	w = doJSON(t, s, http.MethodGet, "/events/aggregates?startDate=2024-01-01&endDate=2024-01-31", nil)
	require.Equal(t, http.StatusOK, w.Code)
	summaries = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	assert.Nil(t, summaries[0].GroupKey)
	assert.Equal(t, int64(2), summaries[0].Count)

	w = doJSON(t, s, http.MethodGet, "/events/aggregates?clientId=nobody", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestGetAggregatesRejectsBadQueries(t *testing.T) {
	s, _ := newTestServer(t)

	for _, path := range []string{
		"/events/aggregates?groupBy=byMetric",
		"/events/aggregates?startDate=not-a-date",
		"/events/aggregates?startDate=2024-02-01&endDate=2024-01-01",
	} {
		w := doJSON(t, s, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "INVALID_QUERY", resp.Code, path)
	}
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t,
		HealthCheck{Component: metrics.ComponentDatabase, Check: func(context.Context) error { return nil }},
	)
	w := doJSON(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	s, _ = newTestServer(t,
		HealthCheck{Component: metrics.ComponentCache, Check: func(context.Context) error { return errors.New("connection refused") }},
	)
	w = doJSON(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	doJSON(t, s, http.MethodPost, "/events", EventRequest{Source: "A", Payload: map[string]interface{}{"amount": 1}})

	w := doJSON(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ingest_events_processed_total")
}

func TestOutcomeStatusCode(t *testing.T) {
	cases := []struct {
		outcome services.ProcessingOutcome
		want    int
	}{
		{services.ProcessingOutcome{Status: services.OutcomeSuccess}, http.StatusCreated},
		{services.ProcessingOutcome{Status: services.OutcomeDuplicate}, http.StatusOK},
		{services.ProcessingOutcome{Status: services.OutcomeValidationError, Reason: services.ReasonInvalidEvent}, http.StatusBadRequest},
		{services.ProcessingOutcome{Status: services.OutcomeValidationError, Reason: services.ReasonValidationFailed}, http.StatusUnprocessableEntity},
		{services.ProcessingOutcome{Status: services.OutcomeProcessingError}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		outcome := tc.outcome
		assert.Equal(t, tc.want, outcomeStatusCode(&outcome), string(outcome.Status))
	}
}
