package embedder

// embeddingPricing is USD per 1M tokens
var embeddingPricing = map[string]float64{
	"text-embedding-3-small": 0.02,
	"text-embedding-3-large": 0.13,
	"text-embedding-ada-002": 0.10,
	"jina-embeddings-v3":     0.02,
}

// Cost estimates the USD cost of tokens embedded with model. Unknown hosted
// models are priced like text-embedding-3-small; local providers are free.
func Cost(provider, model string, tokens int) float64 {
	if tokens <= 0 {
		return 0
	}
	switch provider {
	case ProviderLocal, ProviderOllama:
		return 0
	}
	perMillion, ok := embeddingPricing[model]
	if !ok {
		perMillion = embeddingPricing[DefaultOpenAIModel]
	}
	return float64(tokens) / 1_000_000 * perMillion
}
