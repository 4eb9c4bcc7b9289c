package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"example.com/backstage/ingest/internal/services"

	"github.com/pkg/errors"
)

// ErrUndecodable marks a message body that is not a raw event envelope
var ErrUndecodable = errors.New("undecodable message")

// EventHandler processes one raw event
type EventHandler interface {
	ProcessEvent(ctx context.Context, input services.RawInput, simulateFailure bool) *services.ProcessingOutcome
}

// Envelope is the queue message body carrying a raw event
type Envelope struct {
	Source          string      `json:"source"`
	Payload         interface{} `json:"payload"`
	SimulateFailure bool        `json:"simulateFailure,omitempty"`
}

// DecodeEnvelope parses a message body. Numbers stay json.Number so large
// integers are not rounded. Shape checks beyond JSON syntax are left to the
// processor so that invalid events get a validation outcome.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, errors.Wrapf(ErrUndecodable, "%v", err)
	}
	return env, nil
}

// RawInput converts the envelope to processor input
func (e Envelope) RawInput() services.RawInput {
	return services.RawInput{Source: e.Source, Payload: e.Payload}
}

// Disposition is what a consumer does with a message after processing
type Disposition int

// Dispositions
const (
	DispositionComplete Disposition = iota
	DispositionRetry
	DispositionDeadLetter
)

func (d Disposition) String() string {
	switch d {
	case DispositionComplete:
		return "complete"
	case DispositionRetry:
		return "retry"
	case DispositionDeadLetter:
		return "dead_letter"
	}
	return "unknown"
}

// Dispose maps an outcome to a disposition. Only processing errors are
// transient; every other outcome is final and safe to acknowledge.
func Dispose(outcome *services.ProcessingOutcome) Disposition {
	if outcome == nil || outcome.Status == services.OutcomeProcessingError {
		return DispositionRetry
	}
	return DispositionComplete
}

func outcomeMessage(outcome *services.ProcessingOutcome) string {
	if outcome == nil {
		return "no outcome"
	}
	return outcome.Message
}

// DeadLetter is the record written for messages that are given up on
type DeadLetter struct {
	Error    string          `json:"error"`
	Reason   string          `json:"reason"`
	Attempts int             `json:"attempts"`
	Body     json.RawMessage `json:"body,omitempty"`
	RawBody  string          `json:"rawBody,omitempty"`
	FailedAt time.Time       `json:"failedAt"`
}

// NewDeadLetter builds a dead letter record; non-JSON bodies are kept as text
func NewDeadLetter(body []byte, reason string, cause error, attempts int) DeadLetter {
	dl := DeadLetter{
		Reason:   reason,
		Attempts: attempts,
		FailedAt: time.Now().UTC(),
	}
	if cause != nil {
		dl.Error = cause.Error()
	}
	if json.Valid(body) {
		dl.Body = json.RawMessage(body)
	} else {
		dl.RawBody = string(body)
	}
	return dl
}

// sleepCtx waits for d or until ctx is done
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
