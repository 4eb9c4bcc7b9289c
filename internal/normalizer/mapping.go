package normalizer

import (
	"os"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// CanonicalField is one of the fixed fields of the canonical event schema
type CanonicalField string

// Canonical fields
const (
	FieldMetric    CanonicalField = "metric"
	FieldAmount    CanonicalField = "amount"
	FieldTimestamp CanonicalField = "timestamp"
)

// DefaultClient is the table used when a client has no table of its own
const DefaultClient = "default"

// ErrUnknownField is returned when a mapping targets a field outside the canonical schema
var ErrUnknownField = errors.New("unknown canonical field")

// Valid reports whether f is part of the canonical schema
func (f CanonicalField) Valid() bool {
	switch f {
	case FieldMetric, FieldAmount, FieldTimestamp:
		return true
	}
	return false
}

// FieldMapping maps one raw payload field onto a canonical field
type FieldMapping struct {
	From string         `yaml:"from" json:"from"`
	To   CanonicalField `yaml:"to" json:"to"`
}

// MappingTable is applied in order; when two raw fields target the same
// canonical field the later entry wins.
type MappingTable []FieldMapping

// DefaultTable returns the built-in alias table
func DefaultTable() MappingTable {
	return MappingTable{
		{From: "metric", To: FieldMetric},
		{From: "event", To: FieldMetric},
		{From: "name", To: FieldMetric},
		{From: "amount", To: FieldAmount},
		{From: "price", To: FieldAmount},
		{From: "value", To: FieldAmount},
		{From: "timestamp", To: FieldTimestamp},
		{From: "date", To: FieldTimestamp},
		{From: "time", To: FieldTimestamp},
	}
}

func (t MappingTable) validate() error {
	for i, m := range t {
		if m.From == "" {
			return errors.Errorf("mapping %d has an empty source field", i)
		}
		if !m.To.Valid() {
			return errors.Wrapf(ErrUnknownField, "mapping %d (%s -> %s)", i, m.From, m.To)
		}
	}
	return nil
}

func (t MappingTable) clone() MappingTable {
	out := make(MappingTable, len(t))
	copy(out, t)
	return out
}

// MappingSet is an immutable snapshot of per-client mapping tables.
// Changes go through WithClient, which returns a new set.
type MappingSet struct {
	tables map[string]MappingTable
}

// NewMappingSet validates and copies the given tables. When no default table
// is provided the built-in one is used.
func NewMappingSet(tables map[string]MappingTable) (*MappingSet, error) {
	set := &MappingSet{tables: make(map[string]MappingTable, len(tables)+1)}
	for client, table := range tables {
		if err := table.validate(); err != nil {
			return nil, errors.Wrapf(err, "invalid mapping table for client %q", client)
		}
		set.tables[client] = table.clone()
	}
	if _, ok := set.tables[DefaultClient]; !ok {
		set.tables[DefaultClient] = DefaultTable()
	}
	return set, nil
}

// DefaultMappingSet returns a set containing only the built-in default table
func DefaultMappingSet() *MappingSet {
	set, _ := NewMappingSet(nil)
	return set
}

// Resolve returns the table for clientID, falling back to the default table
func (s *MappingSet) Resolve(clientID string) MappingTable {
	if table, ok := s.tables[clientID]; ok {
		return table
	}
	return s.tables[DefaultClient]
}

// WithClient returns a copy of the set with clientID's table replaced
func (s *MappingSet) WithClient(clientID string, table MappingTable) (*MappingSet, error) {
	if err := table.validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid mapping table for client %q", clientID)
	}
	next := &MappingSet{tables: make(map[string]MappingTable, len(s.tables)+1)}
	for client, t := range s.tables {
		next.tables[client] = t
	}
	next.tables[clientID] = table.clone()
	return next, nil
}

// Clients lists the clients with a table, sorted
func (s *MappingSet) Clients() []string {
	clients := make([]string, 0, len(s.tables))
	for client := range s.tables {
		clients = append(clients, client)
	}
	sort.Strings(clients)
	return clients
}

type mappingFile struct {
	Clients map[string]MappingTable `yaml:"clients"`
}

// ParseMappings decodes a YAML mapping document:
//
//	clients:
//	  default:
//	    - from: amount
//	      to: amount
//	  acme:
//	    - from: cost
//	      to: amount
func ParseMappings(data []byte) (*MappingSet, error) {
	var doc mappingFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "failed to parse mappings")
	}
	return NewMappingSet(doc.Clients)
}

// LoadMappingsFile reads and parses a YAML mapping file
func LoadMappingsFile(path string) (*MappingSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read mappings file %s", path)
	}
	return ParseMappings(data)
}
