package normalizer

import (
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAmountString(t *testing.T) {
	n := New(nil)

	record, err := n.Normalize("client-a", map[string]interface{}{"amount": "1,200.50"})
	require.NoError(t, err)
	require.NotNil(t, record.Amount)
	assert.Equal(t, 1200.50, *record.Amount)
}

func TestNormalizeTimestampFormats(t *testing.T) {
	n := New(nil)
	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name  string
		input interface{}
		want  *time.Time
	}{
		{name: "slashes", input: "2024/01/01", want: &want},
		{name: "dashes", input: "2024-01-01", want: &want},
		{name: "compact", input: "20240101", want: &want},
		{name: "prefix with time", input: "2024-01-01T15:04:05Z", want: &want},
		{name: "short parts", input: "2024/1/1", want: &want},
		{name: "time value", input: want, want: &want},
		{name: "garbage", input: "not-a-date", want: nil},
		{name: "number", input: 1704067200.0, want: nil},
		{name: "empty", input: "", want: nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			record, err := n.Normalize("client-a", map[string]interface{}{"timestamp": tc.input})
			require.NoError(t, err)
			if tc.want == nil {
				assert.Nil(t, record.Timestamp)
				return
			}
			require.NotNil(t, record.Timestamp)
			assert.True(t, tc.want.Equal(*record.Timestamp), "got %s", record.Timestamp)
			assert.Equal(t, time.UTC, record.Timestamp.Location())
		})
	}
}

func TestNormalizeTimestampGenericParse(t *testing.T) {
	n := New(nil)

	record, err := n.Normalize("client-a", map[string]interface{}{"date": "Mar 5, 2024"})
	require.NoError(t, err)
	require.NotNil(t, record.Timestamp)
	assert.Equal(t, 2024, record.Timestamp.Year())
	assert.Equal(t, time.March, record.Timestamp.Month())
	assert.Equal(t, 5, record.Timestamp.Day())
}

func TestNormalizeRejectsImpossibleDatePrefix(t *testing.T) {
	assert.Nil(t, toTimestamp("2024/13/45"))
	assert.Nil(t, toTimestamp("2023-02-30"))
}

func TestNormalizeAmountCoercion(t *testing.T) {
	cases := []struct {
		input interface{}
		want  *float64
	}{
		{input: 10, want: ptr(10.0)},
		{input: 12.5, want: ptr(12.5)},
		{input: json.Number("7.25"), want: ptr(7.25)},
		{input: "$ 99", want: ptr(99.0)},
		{input: "-3.5", want: ptr(-3.5)},
		{input: "abc", want: nil},
		{input: "1.2.3", want: nil},
		{input: true, want: nil},
		{input: nil, want: nil},
	}

	for _, tc := range cases {
		got := toAmount(tc.input)
		if tc.want == nil {
			assert.Nil(t, got, "input %#v", tc.input)
			continue
		}
		require.NotNil(t, got, "input %#v", tc.input)
		assert.Equal(t, *tc.want, *got)
	}
}

func TestNormalizeFoldsNegativeZero(t *testing.T) {
	n := New(nil)

	neg, err := n.Normalize("client-a", map[string]interface{}{"amount": "-0"})
	require.NoError(t, err)
	pos, err := n.Normalize("client-a", map[string]interface{}{"amount": 0})
	require.NoError(t, err)

	require.NotNil(t, neg.Amount)
	assert.False(t, math.Signbit(*neg.Amount))
	assert.Equal(t, pos.NormalizedHash, neg.NormalizedHash)

	got := toAmount(json.Number("-0.0"))
	require.NotNil(t, got)
	assert.False(t, math.Signbit(*got))
}

func TestNormalizeMetricStringifies(t *testing.T) {
	assert.Equal(t, "", toMetric(nil))
	assert.Equal(t, "cpu", toMetric("cpu"))
	assert.Equal(t, "42", toMetric(42.0))
	assert.Equal(t, "true", toMetric(true))
	assert.Equal(t, `{"a":1}`, toMetric(map[string]interface{}{"a": 1}))
}

func TestNormalizeNullMetricIsEmptyNotAbsent(t *testing.T) {
	n := New(nil)

	record, err := n.Normalize("client-a", map[string]interface{}{"metric": nil})
	require.NoError(t, err)
	require.NotNil(t, record.Metric)
	assert.Equal(t, "", *record.Metric)
}

func TestNormalizeUnknownFieldsDegradeGracefully(t *testing.T) {
	n := New(nil)

	record, err := n.Normalize("client-a", map[string]interface{}{"foo": 1, "bar": "baz"})
	require.NoError(t, err)
	assert.Equal(t, "client-a", record.ClientID)
	assert.Nil(t, record.Metric)
	assert.Nil(t, record.Amount)
	assert.Nil(t, record.Timestamp)
	assert.NotEmpty(t, record.NormalizedHash)
}

func TestNormalizeAliasesLaterEntryWins(t *testing.T) {
	n := New(nil)

	record, err := n.Normalize("client-a", map[string]interface{}{"amount": 5, "price": "7"})
	require.NoError(t, err)
	require.NotNil(t, record.Amount)
	assert.Equal(t, 7.0, *record.Amount)

	record, err = n.Normalize("client-a", map[string]interface{}{"price": 3})
	require.NoError(t, err)
	require.NotNil(t, record.Amount)
	assert.Equal(t, 3.0, *record.Amount)
}

func TestNormalizeClientSpecificTable(t *testing.T) {
	set, err := NewMappingSet(map[string]MappingTable{
		"acme": {{From: "cost", To: FieldAmount}, {From: "kind", To: FieldMetric}},
	})
	require.NoError(t, err)
	n := New(set)

	record, err := n.Normalize("acme", map[string]interface{}{"cost": "12", "kind": "sale", "amount": 99})
	require.NoError(t, err)
	require.NotNil(t, record.Amount)
	assert.Equal(t, 12.0, *record.Amount)
	assert.Equal(t, "sale", *record.Metric)

	record, err = n.Normalize("other", map[string]interface{}{"cost": "12", "amount": 99})
	require.NoError(t, err)
	assert.Equal(t, 99.0, *record.Amount)
}

func TestNormalizeHashIgnoresTimestamp(t *testing.T) {
	n := New(nil)

	a, err := n.Normalize("client-a", map[string]interface{}{"metric": "x", "amount": 10, "timestamp": "2024-01-01"})
	require.NoError(t, err)
	b, err := n.Normalize("client-a", map[string]interface{}{"event": "x", "price": "10.00", "date": "2024-06-01"})
	require.NoError(t, err)
	c, err := n.Normalize("client-b", map[string]interface{}{"metric": "x", "amount": 10})
	require.NoError(t, err)

	assert.Equal(t, a.NormalizedHash, b.NormalizedHash)
	assert.NotEqual(t, a.NormalizedHash, c.NormalizedHash)
}

func TestNormalizeRejectsInvalidInput(t *testing.T) {
	n := New(nil)

	_, err := n.Normalize("", map[string]interface{}{"amount": 1})
	require.True(t, errors.Is(err, ErrInvalidEvent))

	_, err = n.Normalize("   ", map[string]interface{}{"amount": 1})
	require.True(t, errors.Is(err, ErrInvalidEvent))

	_, err = n.Normalize("client-a", []interface{}{1, 2})
	require.True(t, errors.Is(err, ErrInvalidEvent))

	_, err = n.Normalize("client-a", nil)
	require.True(t, errors.Is(err, ErrInvalidEvent))
}

func TestUpdateMappingsSwapsSnapshot(t *testing.T) {
	n := New(nil)
	before := n.Mappings()

	next, err := before.WithClient("acme", MappingTable{{From: "cost", To: FieldAmount}})
	require.NoError(t, err)
	n.UpdateMappings(next)

	assert.Equal(t, []string{"default"}, before.Clients())
	assert.Equal(t, []string{"acme", "default"}, n.Mappings().Clients())

	record, err := n.Normalize("acme", map[string]interface{}{"cost": 4})
	require.NoError(t, err)
	assert.Equal(t, 4.0, *record.Amount)
}

func TestConcurrentNormalizeDuringSwap(t *testing.T) {
	n := New(nil)
	acme, err := n.Mappings().WithClient("acme", MappingTable{{From: "cost", To: FieldAmount}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				record, err := n.Normalize("acme", map[string]interface{}{"cost": 1, "amount": 1})
				if assert.NoError(t, err) && assert.NotNil(t, record.Amount) {
					assert.Equal(t, 1.0, *record.Amount)
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		n.UpdateMappings(acme)
		n.UpdateMappings(DefaultMappingSet())
	}
	wg.Wait()
}

func TestParseMappings(t *testing.T) {
	doc := []byte(`
clients:
  acme:
    - from: cost
      to: amount
    - from: label
      to: metric
`)
	set, err := ParseMappings(doc)
	require.NoError(t, err)

	table := set.Resolve("acme")
	require.Len(t, table, 2)
	assert.Equal(t, FieldMapping{From: "cost", To: FieldAmount}, table[0])
	assert.Equal(t, DefaultTable(), set.Resolve("unknown"))
}

func TestParseMappingsRejectsUnknownField(t *testing.T) {
	_, err := ParseMappings([]byte("clients:\n  acme:\n    - from: cost\n      to: price\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownField))
}

func ptr(f float64) *float64 { return &f }
