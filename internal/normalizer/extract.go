package normalizer

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

// timeKeys are row members that carry a timestamp rather than a value.
var timeKeys = map[string]bool{
	"t": true, "ts": true, "time": true, "timestamp": true, "date": true, "datetime": true, "index": true,
}

// valueKeys are preferred row members when a row carries a single value.
var valueKeys = []string{"value", "return", "returns", "equity", "nav", "close", "v"}

// rows flattens an array or a timestamp-keyed object into chronological rows.
// Objects are ordered by key: numerically when every key is a number, lexically otherwise.
func rows(raw any) []any {
	switch v := raw.(type) {
	case []any:
		return v
	case map[string]any:
		keys := make([]string, 0, len(v))
		numeric := true
		for k := range v {
			keys = append(keys, k)
			if _, err := strconv.ParseFloat(k, 64); err != nil {
				numeric = false
			}
		}
		if numeric {
			sort.Slice(keys, func(i, j int) bool {
				a, _ := strconv.ParseFloat(keys[i], 64)
				b, _ := strconv.ParseFloat(keys[j], 64)
				return a < b
			})
		} else {
			sort.Strings(keys)
		}
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = v[k]
		}
		return out
	default:
		return nil
	}
}

// directSeries reads a series of returns, dropping entries that are not finite numbers.
func directSeries(raw any) []float64 {
	rs := rows(raw)
	out := make([]float64, 0, len(rs))
	for _, r := range rs {
		if v, ok := pickValue(r); ok {
			out = append(out, v)
		}
	}
	return out
}

// levelSeries builds a percentage-change series from a level series (equity, positions).
// Non-numeric rows are dropped before differencing; a zero level cannot be a base.
func levelSeries(value func(any) (float64, bool)) func(any) []float64 {
	return func(raw any) []float64 {
		rs := rows(raw)
		levels := make([]float64, 0, len(rs))
		for _, r := range rs {
			if v, ok := value(r); ok {
				levels = append(levels, v)
			}
		}
		if len(levels) < 2 {
			return nil
		}
		out := make([]float64, 0, len(levels)-1)
		for i := 1; i < len(levels); i++ {
			prev := levels[i-1]
			if prev == 0 {
				continue
			}
			r := levels[i]/prev - 1
			if isFinite(r) {
				out = append(out, r)
			}
		}
		return out
	}
}

// pickValue reads a single value from a row: a number, the last element of an array
// (e.g. [timestamp, value]) or the value member of an object.
func pickValue(row any) (float64, bool) {
	switch r := row.(type) {
	case []any:
		if len(r) == 0 {
			return 0, false
		}
		return toFloat(r[len(r)-1])
	case map[string]any:
		for _, k := range valueKeys {
			if v, ok := toFloat(r[k]); ok {
				return v, true
			}
		}
		var found []float64
		for k, x := range r {
			if timeKeys[strings.ToLower(k)] {
				continue
			}
			if v, ok := toFloat(x); ok {
				found = append(found, v)
			}
		}
		if len(found) == 1 {
			return found[0], true
		}
		return 0, false
	default:
		return toFloat(row)
	}
}

// sumValues reads a position-value row: a number, or the sum of the numeric members of
// an array or object (one member per holding).
func sumValues(row any) (float64, bool) {
	switch r := row.(type) {
	case []any:
		sum, n := 0.0, 0
		for _, x := range r {
			if v, ok := toFloat(x); ok {
				sum += v
				n++
			}
		}
		return sum, n > 0
	case map[string]any:
		sum, n := 0.0, 0
		for k, x := range r {
			if timeKeys[strings.ToLower(k)] {
				continue
			}
			if v, ok := toFloat(x); ok {
				sum += v
				n++
			}
		}
		return sum, n > 0
	default:
		return toFloat(row)
	}
}

// toFloat converts a decoded JSON value to a finite float. Numeric strings are accepted;
// NaN and infinities are not.
func toFloat(x any) (float64, bool) {
	var v float64
	switch n := x.(type) {
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		v = f
	case float64:
		v = n
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		v = f
	default:
		return 0, false
	}
	if !isFinite(v) {
		return 0, false
	}
	return v, true
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
