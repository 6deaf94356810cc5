package pricing

import "github.com/shopspring/decimal"

// Cost is the USD cost of a single model call
type Cost struct {
	InputCost             float64 `json:"input_cost"`
	OutputCost            float64 `json:"output_cost"`
	TotalCost             float64 `json:"total_cost"`
	InputPricePerMillion  float64 `json:"input_price_per_million"`
	OutputPricePerMillion float64 `json:"output_price_per_million"`
}

type rate struct {
	input  decimal.Decimal
	output decimal.Decimal
}

var million = decimal.NewFromInt(1_000_000)

// USD per million tokens
var rates = map[string]rate{
	"accounts/fireworks/models/qwen3-vl-30b-a3b-instruct": {
		input:  decimal.RequireFromString("0.15"),
		output: decimal.RequireFromString("0.60"),
	},
	"gemini-2.5-flash": {
		input:  decimal.RequireFromString("0.30"),
		output: decimal.RequireFromString("2.50"),
	},
}

// Unknown models are billed at this rate so costs are never under-reported
var defaultRate = rate{
	input:  decimal.RequireFromString("1.00"),
	output: decimal.RequireFromString("1.00"),
}

// Calculate returns the cost of a call to modelID with the given token counts
func Calculate(modelID string, inputTokens, outputTokens int) Cost {
	r, ok := rates[modelID]
	if !ok {
		r = defaultRate
	}

	in := decimal.NewFromInt(int64(inputTokens)).Div(million).Mul(r.input)
	out := decimal.NewFromInt(int64(outputTokens)).Div(million).Mul(r.output)

	return Cost{
		InputCost:             in.InexactFloat64(),
		OutputCost:            out.InexactFloat64(),
		TotalCost:             in.Add(out).InexactFloat64(),
		InputPricePerMillion:  r.input.InexactFloat64(),
		OutputPricePerMillion: r.output.InexactFloat64(),
	}
}

// Known reports whether modelID has an explicit entry in the price table
func Known(modelID string) bool {
	_, ok := rates[modelID]
	return ok
}
