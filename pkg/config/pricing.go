package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// ModelPriceYAML is the YAML-side price entry for one model. Prices are
// USD per 1000 tokens, written as decimal strings.
type ModelPriceYAML struct {
	Provider     string `yaml:"provider"`
	InputPer1K   string `yaml:"input_per_1k"`
	OutputPer1K  string `yaml:"output_per_1k"`
}

// ModelPrice holds parsed per-token prices for one model.
type ModelPrice struct {
	Provider    string
	InputPer1K  decimal.Decimal
	OutputPer1K decimal.Decimal
}

// PriceTable maps model name to its price entry. Unknown models resolve
// to a conservative fallback so accounting errs on the side of
// over-counting spend.
type PriceTable struct {
	models   map[string]ModelPrice
	fallback ModelPrice
}

var oneThousand = decimal.NewFromInt(1000)

// NewPriceTable parses YAML price entries. The fallback applies to any
// model absent from the table.
func NewPriceTable(entries map[string]ModelPriceYAML, fallbackInPer1K, fallbackOutPer1K string) (*PriceTable, error) {
	table := &PriceTable{models: make(map[string]ModelPrice, len(entries))}
	for model, entry := range entries {
		in, err := decimal.NewFromString(entry.InputPer1K)
		if err != nil {
			return nil, fmt.Errorf("model %q: invalid input_per_1k %q: %w", model, entry.InputPer1K, err)
		}
		out, err := decimal.NewFromString(entry.OutputPer1K)
		if err != nil {
			return nil, fmt.Errorf("model %q: invalid output_per_1k %q: %w", model, entry.OutputPer1K, err)
		}
		if in.IsNegative() || out.IsNegative() {
			return nil, fmt.Errorf("model %q: prices must be non-negative", model)
		}
		table.models[model] = ModelPrice{Provider: entry.Provider, InputPer1K: in, OutputPer1K: out}
	}

	fin, err := decimal.NewFromString(fallbackInPer1K)
	if err != nil {
		return nil, fmt.Errorf("invalid fallback input price %q: %w", fallbackInPer1K, err)
	}
	fout, err := decimal.NewFromString(fallbackOutPer1K)
	if err != nil {
		return nil, fmt.Errorf("invalid fallback output price %q: %w", fallbackOutPer1K, err)
	}
	table.fallback = ModelPrice{InputPer1K: fin, OutputPer1K: fout}
	return table, nil
}

// Price returns the price entry for a model, and whether it was listed
// explicitly (false = conservative fallback).
func (t *PriceTable) Price(model string) (ModelPrice, bool) {
	if p, ok := t.models[model]; ok {
		return p, true
	}
	// Allow versioned model names ("gpt-4o-2024-11-20") to match their base entry.
	for name, p := range t.models {
		if strings.HasPrefix(model, name+"-") {
			return p, true
		}
	}
	return t.fallback, false
}

// Cost computes the exact decimal cost of a call, rounded to 6
// fractional digits.
func (t *PriceTable) Cost(model string, tokensIn, tokensOut int) decimal.Decimal {
	price, _ := t.Price(model)
	in := price.InputPer1K.Mul(decimal.NewFromInt(int64(tokensIn))).Div(oneThousand)
	out := price.OutputPer1K.Mul(decimal.NewFromInt(int64(tokensOut))).Div(oneThousand)
	return in.Add(out).Round(6)
}

// Len returns the number of explicitly priced models.
func (t *PriceTable) Len() int { return len(t.models) }

// Models returns the priced model names in stable order.
func (t *PriceTable) Models() []string {
	names := make([]string, 0, len(t.models))
	for name := range t.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
