// Package rates converts tip amounts between currencies using a fixed table.
package rates

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnknownCurrency is returned for a currency missing from the table.
var ErrUnknownCurrency = errors.New("unknown currency")

// Static holds rates expressed as the value of one unit in the base currency.
type Static struct {
	base  string
	rates map[string]float64
}

// NewStatic returns a table over base. The base currency is always 1.
func NewStatic(base string, table map[string]float64) *Static {
	base = strings.ToUpper(strings.TrimSpace(base))
	s := &Static{base: base, rates: map[string]float64{base: 1}}
	for cur, r := range table {
		s.rates[strings.ToUpper(strings.TrimSpace(cur))] = r
	}
	return s
}

// Parse builds a table from "EUR=1.08,GBP=1.27".
func Parse(base, spec string) (*Static, error) {
	table := map[string]float64{}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		cur, val, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("exchange rate %q: expected CUR=rate", part)
		}
		r, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil || r <= 0 {
			return nil, fmt.Errorf("exchange rate %q: invalid rate", part)
		}
		table[cur] = r
	}
	return NewStatic(base, table), nil
}

// Base returns the base currency code.
func (s *Static) Base() string { return s.base }

// Exchange converts amount from one currency to another.
func (s *Static) Exchange(amount float64, from, to string) (float64, error) {
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))
	if from == to {
		return amount, nil
	}
	rf, ok := s.rates[from]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCurrency, from)
	}
	rt, ok := s.rates[to]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCurrency, to)
	}
	return amount * rf / rt, nil
}
