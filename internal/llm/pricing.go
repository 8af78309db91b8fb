package llm

import "strings"

// price is USD per 1M tokens
type price struct {
	input  float64
	output float64
}

var modelPricing = map[string]price{
	"claude-sonnet-4-5": {3.00, 15.00},
	"claude-sonnet-4":   {3.00, 15.00},
	"claude-opus-4-1":   {15.00, 75.00},
	"claude-opus-4":     {15.00, 75.00},
	"claude-haiku-4-5":  {1.00, 5.00},
	"claude-3-5-haiku":  {0.80, 4.00},
	"gpt-4o-mini":       {0.15, 0.60},
	"gpt-4o":            {2.50, 10.00},
	"gpt-4-turbo":       {10.00, 30.00},
	"gpt-4":             {30.00, 60.00},
	"gpt-3.5-turbo":     {0.50, 1.50},
}

// fallbackPricing applies to unknown models
var fallbackPricing = modelPricing["claude-sonnet-4-5"]

// Cost estimates the USD price of a call. Dated model ids such as
// claude-sonnet-4-5-20250929 are matched by their longest known prefix.
func Cost(model string, inputTokens, outputTokens int64) float64 {
	if inputTokens <= 0 && outputTokens <= 0 {
		return 0
	}
	p := lookupPrice(model)
	return float64(max(inputTokens, 0))/1_000_000*p.input +
		float64(max(outputTokens, 0))/1_000_000*p.output
}

func lookupPrice(model string) price {
	if p, ok := modelPricing[model]; ok {
		return p
	}
	best := ""
	for name := range modelPricing {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best != "" {
		return modelPricing[best]
	}
	return fallbackPricing
}
