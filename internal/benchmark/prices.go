package benchmark

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/saltfish/freqsearch/go-evolver/internal/normalizer"
)

// priceColumns are the header names accepted for the price column of a CSV file.
var priceColumns = []string{"close", "price", "adj_close", "value"}

// PriceFileSource computes the buy-and-hold sharpe of a price series stored as CSV or JSON.
type PriceFileSource struct {
	path           string
	periodsPerYear float64
}

// NewPriceFileSource creates a source reading path.
func NewPriceFileSource(path string, periodsPerYear float64) *PriceFileSource {
	if periodsPerYear <= 0 {
		periodsPerYear = normalizer.DefaultPeriodsPerYear
	}
	return &PriceFileSource{path: path, periodsPerYear: periodsPerYear}
}

// Name identifies the source in logs.
func (s *PriceFileSource) Name() string {
	return "prices:" + s.path
}

// Load reads the price file and returns the sharpe ratio of its simple returns.
func (s *PriceFileSource) Load() (float64, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return 0, err
	}

	var prices []float64
	if strings.EqualFold(filepath.Ext(s.path), ".json") {
		prices, err = parseJSONPrices(data)
	} else {
		prices, err = parseCSVPrices(data)
	}
	if err != nil {
		return 0, err
	}

	returns, err := SimpleReturns(prices)
	if err != nil {
		return 0, err
	}
	sharpe, ok := normalizer.Sharpe(returns, s.periodsPerYear)
	if !ok {
		return 0, errors.New("benchmark sharpe is undefined for a constant price series")
	}
	return sharpe, nil
}

// SimpleReturns converts prices into period returns p[t]/p[t-1] - 1.
func SimpleReturns(prices []float64) ([]float64, error) {
	if len(prices) < 3 {
		return nil, fmt.Errorf("need at least 3 prices, got %d", len(prices))
	}
	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 {
			return nil, fmt.Errorf("non-positive price %v at row %d", prices[i-1], i-1)
		}
		returns = append(returns, prices[i]/prices[i-1]-1)
	}
	return returns, nil
}

// parseCSVPrices reads the price column of a CSV file. Without a recognised header the last
// column is used.
func parseCSVPrices(data []byte) ([]float64, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	col := -1
	var prices []float64
	for row := 0; ; row++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse csv: %w", err)
		}
		if len(rec) == 0 {
			continue
		}

		if row == 0 {
			if idx := headerIndex(rec); idx >= 0 {
				col = idx
				continue
			}
		}
		idx := col
		if idx < 0 {
			idx = len(rec) - 1
		}
		if idx >= len(rec) {
			return nil, fmt.Errorf("row %d has no price column", row)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[idx]), 64)
		if err != nil {
			if row == 0 {
				// Unrecognised header.
				continue
			}
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		prices = append(prices, v)
	}
	return prices, nil
}

func headerIndex(header []string) int {
	for _, name := range priceColumns {
		for i, h := range header {
			if strings.EqualFold(strings.TrimSpace(h), name) {
				return i
			}
		}
	}
	return -1
}

// parseJSONPrices accepts an array of numbers or an array of objects with a price field.
func parseJSONPrices(data []byte) ([]float64, error) {
	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}

	prices := make([]float64, 0, len(rows))
	for i, raw := range rows {
		var v float64
		if err := json.Unmarshal(raw, &v); err == nil {
			prices = append(prices, v)
			continue
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		found := false
		for _, name := range priceColumns {
			field, ok := obj[name]
			if !ok {
				continue
			}
			if err := json.Unmarshal(field, &v); err != nil {
				return nil, fmt.Errorf("row %d field %s: %w", i, name, err)
			}
			prices = append(prices, v)
			found = true
			break
		}
		if !found {
			return nil, fmt.Errorf("row %d has no price field", i)
		}
	}
	return prices, nil
}
