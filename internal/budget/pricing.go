package budget

import (
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/foundry/internal/errors"
)

// Price is what a model charges per million tokens
type Price struct {
	InputPerMTok  Money
	OutputPerMTok Money
}

// PriceTable maps model names to prices. Unknown models use the fallback price.
type PriceTable struct {
	models   map[string]Price
	fallback Price
}

// DefaultPrices covers the models the OpenAI adapter is usually pointed at
func DefaultPrices() PriceTable {
	return PriceTable{
		models: map[string]Price{
			"gpt-4o":       {InputPerMTok: 2_500_000, OutputPerMTok: 10_000_000},
			"gpt-4o-mini":  {InputPerMTok: 150_000, OutputPerMTok: 600_000},
			"gpt-4.1":      {InputPerMTok: 2_000_000, OutputPerMTok: 8_000_000},
			"gpt-4.1-mini": {InputPerMTok: 400_000, OutputPerMTok: 1_600_000},
			"o3-mini":      {InputPerMTok: 1_100_000, OutputPerMTok: 4_400_000},
			"echo":         {},
		},
		fallback: Price{InputPerMTok: 2_500_000, OutputPerMTok: 10_000_000},
	}
}

// NewPriceTable builds a table from explicit prices
func NewPriceTable(models map[string]Price, fallback Price) PriceTable {
	m := make(map[string]Price, len(models))
	for k, v := range models {
		m[strings.ToLower(k)] = v
	}
	return PriceTable{models: m, fallback: fallback}
}

type priceFile struct {
	Fallback *priceEntry           `yaml:"fallback"`
	Models   map[string]priceEntry `yaml:"models"`
}

type priceEntry struct {
	Input  string `yaml:"input_per_mtok"`
	Output string `yaml:"output_per_mtok"`
}

func (e priceEntry) price() (Price, error) {
	in, err := ParseUSD(e.Input)
	if err != nil {
		return Price{}, err
	}
	out, err := ParseUSD(e.Output)
	if err != nil {
		return Price{}, err
	}
	return Price{InputPerMTok: in, OutputPerMTok: out}, nil
}

// LoadPrices reads a YAML price file and overlays it on DefaultPrices:
//
//	fallback: {input_per_mtok: "3", output_per_mtok: "15"}
//	models:
//	  gpt-4o-mini: {input_per_mtok: "0.15", output_per_mtok: "0.60"}
func LoadPrices(path string) (PriceTable, error) {
	table := DefaultPrices()
	if path == "" {
		return table, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return table, errors.Wrap(errors.ErrCodeConfigInvalid, "read price file", err)
	}
	var f priceFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return table, errors.Wrap(errors.ErrCodeConfigInvalid, "parse price file", err)
	}

	if f.Fallback != nil {
		p, err := f.Fallback.price()
		if err != nil {
			return table, err
		}
		table.fallback = p
	}
	for name, entry := range f.Models {
		p, err := entry.price()
		if err != nil {
			return table, err
		}
		table.models[strings.ToLower(name)] = p
	}
	return table, nil
}

// Price returns model's price and whether it was listed explicitly
func (pt PriceTable) Price(model string) (Price, bool) {
	p, ok := pt.models[strings.ToLower(model)]
	if !ok {
		return pt.fallback, false
	}
	return p, true
}

// Cost prices a call, rounding up to the next micro-dollar
func (pt PriceTable) Cost(model string, promptTokens, completionTokens int) Money {
	p, _ := pt.Price(model)
	return perMillion(promptTokens, p.InputPerMTok) + perMillion(completionTokens, p.OutputPerMTok)
}

func perMillion(tokens int, rate Money) Money {
	if tokens <= 0 || rate <= 0 {
		return 0
	}
	micros := int64(tokens) * int64(rate)
	return Money((micros + 999_999) / 1_000_000)
}

// TokenCounter estimates how many tokens a text occupies
type TokenCounter interface {
	Count(text string) int
}

// Estimator predicts the cost of a call before it is made
type Estimator struct {
	prices      PriceTable
	counter     TokenCounter
	outputRatio float64
}

// NewEstimator creates an estimator. outputRatio is the expected completion size as a
// fraction of max tokens; values outside (0, 1] default to 0.5.
func NewEstimator(prices PriceTable, counter TokenCounter, outputRatio float64) *Estimator {
	if counter == nil {
		counter = HeuristicCounter{}
	}
	if outputRatio <= 0 || outputRatio > 1 {
		outputRatio = 0.5
	}
	return &Estimator{prices: prices, counter: counter, outputRatio: outputRatio}
}

// Estimate prices prompt plus the expected completion for model
func (e *Estimator) Estimate(model, prompt string, maxTokens int) Money {
	in := e.counter.Count(prompt)
	out := int(math.Ceil(float64(maxTokens) * e.outputRatio))
	if maxTokens <= 0 {
		out = in
	}
	return e.prices.Cost(model, in, out)
}

// Cost prices a completed call
func (e *Estimator) Cost(model string, promptTokens, completionTokens int) Money {
	return e.prices.Cost(model, promptTokens, completionTokens)
}
