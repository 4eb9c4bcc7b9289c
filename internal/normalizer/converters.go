package normalizer

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

var datePrefixes = []*regexp.Regexp{
	regexp.MustCompile(`^(\d{4})/(\d{1,2})/(\d{1,2})`),
	regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})`),
	regexp.MustCompile(`^(\d{4})(\d{2})(\d{2})`),
}

// apply converts raw with the converter bound to field and stores the
// result on the record, absent results included.
func (r *NormalizedRecord) apply(field CanonicalField, raw interface{}) {
	switch field {
	case FieldAmount:
		r.Amount = toAmount(raw)
	case FieldTimestamp:
		r.Timestamp = toTimestamp(raw)
	case FieldMetric:
		metric := toMetric(raw)
		r.Metric = &metric
	}
}

func toAmount(raw interface{}) *float64 {
	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int8:
		f = float64(v)
	case int16:
		f = float64(v)
	case int32:
		f = float64(v)
	case int64:
		f = float64(v)
	case uint:
		f = float64(v)
	case uint8:
		f = float64(v)
	case uint16:
		f = float64(v)
	case uint32:
		f = float64(v)
	case uint64:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case string:
		parsed, ok := parseAmountString(v)
		if !ok {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	// -0 would encode differently from 0 in the canonical hash
	if f == 0 {
		f = 0
	}
	return &f
}

// parseAmountString keeps digits, sign and decimal point only, so
// "1,200.50" and "$ 12" parse while "abc" does not.
func parseAmountString(s string) (float64, bool) {
	cleaned := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '-' || r == '+' || r == '.' {
			return r
		}
		return -1
	}, s)
	if cleaned == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func toTimestamp(raw interface{}) *time.Time {
	switch v := raw.(type) {
	case time.Time:
		t := v.UTC()
		return &t
	case *time.Time:
		if v == nil {
			return nil
		}
		t := v.UTC()
		return &t
	case string:
		return parseTimestampString(strings.TrimSpace(v))
	}
	return nil
}

func parseTimestampString(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, re := range datePrefixes {
		m := re.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		if t, ok := utcDate(m[1], m[2], m[3]); ok {
			return &t
		}
	}
	if t, ok := parseGeneric(s); ok {
		return &t
	}
	return nil
}

// utcDate builds midnight UTC for the given parts, rejecting dates that
// time.Date would otherwise roll over (month 13, February 30).
func utcDate(year, month, day string) (time.Time, bool) {
	y, err := strconv.Atoi(year)
	if err != nil {
		return time.Time{}, false
	}
	m, err := strconv.Atoi(month)
	if err != nil || m < 1 || m > 12 {
		return time.Time{}, false
	}
	d, err := strconv.Atoi(day)
	if err != nil || d < 1 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}

func parseGeneric(s string) (t time.Time, ok bool) {
	defer func() {
		if recover() != nil {
			t, ok = time.Time{}, false
		}
	}()
	parsed, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return parsed.UTC(), true
}

func toMetric(raw interface{}) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case json.Number:
		return v.String()
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Sprint(raw)
	}
	return string(data)
}
