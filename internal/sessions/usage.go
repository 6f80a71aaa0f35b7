package sessions

// ModelPrice is the per-million-token price of a model, in USD.
type ModelPrice struct {
	InputUSD  float64
	OutputUSD float64
}

// defaultPricing covers the models the agent ships with. Unknown models fall
// back to gemini-2.5-flash rates so cost tracking degrades rather than stops.
var defaultPricing = map[string]ModelPrice{
	"gemini-2.5-flash":     {InputUSD: 0.30, OutputUSD: 2.50},
	"gemini-3-pro-preview": {InputUSD: 2.00, OutputUSD: 12.00},
	"gpt-4o":               {InputUSD: 2.50, OutputUSD: 10.00},
	"gpt-4o-mini":          {InputUSD: 0.15, OutputUSD: 0.60},
	"claude-sonnet-4-5":    {InputUSD: 3.00, OutputUSD: 15.00},
	"claude-haiku-4-5":     {InputUSD: 1.00, OutputUSD: 5.00},
}

const fallbackPriceModel = "gemini-2.5-flash"

// Pricing returns the price entry for model, falling back to the default
// model's rates when the model is unknown.
func Pricing(model string, table map[string]ModelPrice) ModelPrice {
	if table == nil {
		table = defaultPricing
	}
	if price, ok := table[model]; ok {
		return price
	}
	return table[fallbackPriceModel]
}

// CostFor computes the USD cost of a token count pair under the model's rates.
func CostFor(model string, table map[string]ModelPrice, inputTokens, outputTokens int64) float64 {
	price := Pricing(model, table)
	return float64(inputTokens)/1e6*price.InputUSD + float64(outputTokens)/1e6*price.OutputUSD
}

// EstimateTokens approximates the token count of text for providers that do
// not report usage. Roughly four bytes per token, rounded up.
func EstimateTokens(text string) int64 {
	if text == "" {
		return 0
	}
	return int64((len(text) + 3) / 4)
}
