package pricing

import "strings"

// ModelPricing is quoted in USD per million tokens.
type ModelPricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

type rule struct {
	all     []string
	any     []string
	pricing ModelPricing
}

// rules are checked in order, family+tier combinations before bare
// families. A rule matches when the model contains every entry of all and
// at least one entry of any (when any is set).
var rules = []rule{
	{all: []string{"claude", "opus"}, pricing: ModelPricing{15.00, 75.00}},
	{all: []string{"claude", "sonnet"}, pricing: ModelPricing{3.00, 15.00}},
	{all: []string{"claude", "haiku"}, pricing: ModelPricing{0.25, 1.25}},
	{all: []string{"gpt-5"}, pricing: ModelPricing{15.00, 45.00}},
	{all: []string{"gpt-4o"}, pricing: ModelPricing{2.50, 10.00}},
	{any: []string{"gpt-4-turbo", "gpt-4"}, pricing: ModelPricing{10.00, 30.00}},
	{all: []string{"gpt-3.5"}, pricing: ModelPricing{0.50, 1.50}},
	{all: []string{"gemini", "pro"}, pricing: ModelPricing{1.25, 5.00}},
	{all: []string{"gemini", "flash"}, pricing: ModelPricing{0.075, 0.30}},
	{all: []string{"gemini-2"}, pricing: ModelPricing{0.10, 0.40}},
	{all: []string{"qwen"}, pricing: ModelPricing{0.50, 2.00}},
}

// Fallback applies to models no rule recognises, including "auto".
var Fallback = ModelPricing{InputPerMTok: 1.00, OutputPerMTok: 3.00}

func Lookup(model string) ModelPricing {
	m := strings.ToLower(strings.TrimSpace(model))
	for _, r := range rules {
		if r.matches(m) {
			return r.pricing
		}
	}
	return Fallback
}

func (r rule) matches(model string) bool {
	for _, s := range r.all {
		if !strings.Contains(model, s) {
			return false
		}
	}
	if len(r.any) == 0 {
		return true
	}
	for _, s := range r.any {
		if strings.Contains(model, s) {
			return true
		}
	}
	return false
}

func EstimateCostUSD(model string, inputTokens, outputTokens int64) float64 {
	p := Lookup(model)
	inputCostUSD := (float64(inputTokens) / 1_000_000.0) * p.InputPerMTok
	outputCostUSD := (float64(outputTokens) / 1_000_000.0) * p.OutputPerMTok
	return inputCostUSD + outputCostUSD
}
