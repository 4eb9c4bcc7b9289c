package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"example.com/backstage/ingest/internal/services"

	"github.com/araddon/dateparse"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/pkg/errors"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("querydate", func(fl validator.FieldLevel) bool {
		_, err := dateparse.ParseIn(fl.Field().String(), time.UTC)
		return err == nil
	})
}

// EventRequest is the body of POST /events
type EventRequest struct {
	Source          string      `json:"source"`
	Payload         interface{} `json:"payload"`
	SimulateFailure bool        `json:"simulateFailure"`
}

// AggregatesParams are the query parameters of GET /events/aggregates
type AggregatesParams struct {
	ClientID  string `form:"clientId" validate:"omitempty,max=255"`
	StartDate string `form:"startDate" validate:"omitempty,querydate"`
	EndDate   string `form:"endDate" validate:"omitempty,querydate"`
	GroupBy   string `form:"groupBy" validate:"omitempty,oneof=none byClient"`
}

// Query converts validated parameters into an aggregate query
func (p AggregatesParams) Query() (services.AggregateQuery, error) {
	q := services.AggregateQuery{
		ClientID: p.ClientID,
		GroupBy:  services.GroupBy(p.GroupBy),
	}
	var err error
	if q.StartDate, err = parseQueryDate(p.StartDate); err != nil {
		return q, errors.Wrap(err, "startDate")
	}
	if q.EndDate, err = parseQueryDate(p.EndDate); err != nil {
		return q, errors.Wrap(err, "endDate")
	}
	return q, nil
}

func parseQueryDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}

// decodeJSON keeps numbers as json.Number so integers beyond 2^53 reach the
// content hash and storage unchanged
func decodeJSON(body io.Reader, v interface{}) error {
	if body == nil {
		return errors.New("empty request body")
	}
	dec := json.NewDecoder(body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "invalid JSON body")
	}
	return nil
}

// EventHandler serves the event endpoints
type EventHandler struct {
	processor  *services.EventProcessor
	aggregator *services.Aggregator
}

// NewEventHandler creates a new event handler
func NewEventHandler(processor *services.EventProcessor, aggregator *services.Aggregator) *EventHandler {
	return &EventHandler{
		processor:  processor,
		aggregator: aggregator,
	}
}

// RegisterRoutes registers the handler's routes
func (h *EventHandler) RegisterRoutes(router gin.IRouter) {
	events := router.Group("/events")
	{
		events.POST("", h.IngestEvent)
		events.GET("/statistics", h.GetStatistics)
		events.GET("/aggregates", h.GetAggregates)
	}
}

// IngestEvent processes one raw event
func (h *EventHandler) IngestEvent(c *gin.Context) {
	var req EventRequest
	if err := decodeJSON(c.Request.Body, &req); err != nil {
		writeError(c, ErrInvalidRequest, err)
		return
	}

	txn := nrgin.Transaction(c)
	txn.AddAttribute("source", req.Source)

	outcome := h.processor.ProcessEvent(c.Request.Context(), services.RawInput{
		Source:  req.Source,
		Payload: req.Payload,
	}, req.SimulateFailure)

	c.JSON(outcomeStatusCode(outcome), outcome)
}

// GetStatistics returns pipeline counts
func (h *EventHandler) GetStatistics(c *gin.Context) {
	stats, err := h.processor.GetStatistics(c.Request.Context())
	if err != nil {
		writeError(c, ErrInternalServer, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetAggregates returns grouped statistics over normalized events
func (h *EventHandler) GetAggregates(c *gin.Context) {
	var params AggregatesParams
	if err := c.ShouldBindQuery(&params); err != nil {
		writeError(c, ErrInvalidQuery, err)
		return
	}
	if err := validate.Struct(params); err != nil {
		writeError(c, ErrInvalidQuery, err)
		return
	}

	query, err := params.Query()
	if err != nil {
		writeError(c, ErrInvalidQuery, err)
		return
	}

	summaries, err := h.aggregator.GetAggregates(c.Request.Context(), query)
	if err != nil {
		if errors.Is(err, services.ErrInvalidQuery) {
			writeError(c, ErrInvalidQuery, err)
			return
		}
		writeError(c, ErrInternalServer, err)
		return
	}
	c.JSON(http.StatusOK, summaries)
}

// outcomeStatusCode maps a processing outcome to an HTTP status
func outcomeStatusCode(outcome *services.ProcessingOutcome) int {
	switch outcome.Status {
	case services.OutcomeSuccess:
		return http.StatusCreated
	case services.OutcomeDuplicate:
		return http.StatusOK
	case services.OutcomeValidationError:
		if outcome.Reason == services.ReasonInvalidEvent {
			return http.StatusBadRequest
		}
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
