// Package normalizer maps arbitrary raw payloads onto the canonical event
// schema. Normalization is pure: it performs no I/O and only reads the
// current mapping snapshot.
package normalizer

import (
	"strings"
	"sync/atomic"
	"time"

	"example.com/backstage/ingest/internal/hashing"

	"github.com/pkg/errors"
)

// Normalization errors
var (
	ErrInvalidEvent = errors.New("invalid event")
	ErrValidation   = errors.New("normalization failed")
)

// NormalizedRecord is the canonical form of a raw event
type NormalizedRecord struct {
	ClientID       string     `json:"clientId"`
	Metric         *string    `json:"metric,omitempty"`
	Amount         *float64   `json:"amount,omitempty"`
	Timestamp      *time.Time `json:"timestamp,omitempty"`
	NormalizedHash string     `json:"normalizedHash"`
}

// Normalizer converts raw payloads using a swappable mapping snapshot
type Normalizer struct {
	mappings atomic.Pointer[MappingSet]
}

// New creates a normalizer; a nil set selects the built-in default table
func New(set *MappingSet) *Normalizer {
	if set == nil {
		set = DefaultMappingSet()
	}
	n := &Normalizer{}
	n.mappings.Store(set)
	return n
}

// Mappings returns the current mapping snapshot
func (n *Normalizer) Mappings() *MappingSet {
	return n.mappings.Load()
}

// UpdateMappings atomically replaces the mapping snapshot
func (n *Normalizer) UpdateMappings(set *MappingSet) {
	if set == nil {
		return
	}
	n.mappings.Store(set)
}

// ValidateInput checks the minimal shape of a raw event and returns the
// payload as a map.
func ValidateInput(source string, payload interface{}) (map[string]interface{}, error) {
	if strings.TrimSpace(source) == "" {
		return nil, errors.Wrap(ErrInvalidEvent, "source is required")
	}
	fields, ok := payload.(map[string]interface{})
	if !ok || fields == nil {
		return nil, errors.Wrap(ErrInvalidEvent, "payload must be an object")
	}
	return fields, nil
}

// Normalize maps payload onto the canonical schema. Missing, extra and
// unconvertible fields never fail normalization; only malformed input does.
func (n *Normalizer) Normalize(source string, payload interface{}) (*NormalizedRecord, error) {
	fields, err := ValidateInput(source, payload)
	if err != nil {
		return nil, err
	}

	record := &NormalizedRecord{ClientID: source}
	for _, m := range n.Mappings().Resolve(source) {
		raw, ok := fields[m.From]
		if !ok {
			continue
		}
		record.apply(m.To, raw)
	}

	hash, err := CanonicalHash(record.ClientID, record.Metric, record.Amount)
	if err != nil {
		return nil, errors.Wrapf(ErrValidation, "failed to fingerprint normalized event: %v", err)
	}
	record.NormalizedHash = hash

	return record, nil
}

// CanonicalHash fingerprints (clientId, metric, amount). Timestamps are
// excluded, so one reading reported at two different times collides.
func CanonicalHash(clientID string, metric *string, amount *float64) (string, error) {
	return hashing.Fingerprint(map[string]interface{}{
		"clientId": clientID,
		"metric":   metric,
		"amount":   amount,
	})
}
