package llm

import "strings"

// USD per one million tokens.
type price struct {
	input  float64
	output float64
}

var prices = map[string]price{
	"gpt-4o":                  {input: 2.50, output: 10.00},
	"gpt-4o-mini":             {input: 0.15, output: 0.60},
	"gpt-4-turbo":             {input: 10.00, output: 30.00},
	"gpt-3.5-turbo":           {input: 0.50, output: 1.50},
	"llama-3.1-8b-instant":    {input: 0.05, output: 0.08},
	"llama-3.3-70b-versatile": {input: 0.59, output: 0.79},
	"mixtral-8x7b-32768":      {input: 0.24, output: 0.24},
}

// ModelLabel maps a model name onto a bounded set of metric label values. Models outside the
// price table share the "other" label.
func ModelLabel(model string) string {
	m := strings.ToLower(model)
	if _, ok := prices[m]; ok {
		return m
	}
	return "other"
}

// EstimateCost returns the USD cost of a generation. Unknown and local models cost 0.
func EstimateCost(model string, inputTokens, outputTokens int) float64 {
	p, ok := prices[strings.ToLower(model)]
	if !ok {
		return 0
	}
	return (float64(inputTokens)*p.input + float64(outputTokens)*p.output) / 1_000_000
}
