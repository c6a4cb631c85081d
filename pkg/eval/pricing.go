package eval

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/strandkit/strand/pkg/protocol"
)

// Price is the USD cost per million input/output tokens for one model.
type Price struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// PriceTable maps model names (the part after the provider tag, longest
// prefix wins) to prices.
type PriceTable map[string]Price

// DefaultPriceTable carries published list prices for common models. Update
// as providers reprice; unknown models cost zero.
var DefaultPriceTable = PriceTable{
	"gpt-4o":            {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	"gpt-4o-mini":       {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"gpt-4.1":           {InputPerMTok: 2.00, OutputPerMTok: 8.00},
	"gpt-4.1-mini":      {InputPerMTok: 0.40, OutputPerMTok: 1.60},
	"claude-opus-4":     {InputPerMTok: 15.00, OutputPerMTok: 75.00},
	"claude-sonnet-4":   {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"claude-3-5-haiku":  {InputPerMTok: 0.80, OutputPerMTok: 4.00},
	"gemini-2.5-pro":    {InputPerMTok: 1.25, OutputPerMTok: 10.00},
	"gemini-2.5-flash":  {InputPerMTok: 0.30, OutputPerMTok: 2.50},
	"mistral-large":     {InputPerMTok: 2.00, OutputPerMTok: 6.00},
	"mistral-small":     {InputPerMTok: 0.10, OutputPerMTok: 0.30},
	"open-mistral-nemo": {InputPerMTok: 0.15, OutputPerMTok: 0.15},
}

// Cost computes the USD cost of the given usage under the table. The model
// spec may carry a provider tag ("openai:gpt-4o"); matching is by longest
// table-key prefix of the model name. Unknown models cost zero.
func (p PriceTable) Cost(modelSpec string, usage protocol.Usage) float64 {
	price, ok := p.lookup(modelSpec)
	if !ok {
		return 0
	}
	return float64(usage.InputTokens)/1e6*price.InputPerMTok +
		float64(usage.OutputTokens)/1e6*price.OutputPerMTok
}

func (p PriceTable) lookup(modelSpec string) (Price, bool) {
	name := modelSpec
	if _, rest, ok := strings.Cut(modelSpec, ":"); ok {
		name = rest
	}
	if price, ok := p[name]; ok {
		return price, true
	}

	best := ""
	for key := range p {
		if strings.HasPrefix(name, key) && len(key) > len(best) {
			best = key
		}
	}
	if best == "" {
		return Price{}, false
	}
	return p[best], true
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokens approximates the token count of text with the cl100k_base
// encoding, falling back to a chars/4 heuristic if the encoding cannot be
// loaded offline.
func EstimateTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding == nil {
		return (len(text) + 3) / 4
	}
	return len(encoding.Encode(text, nil, nil))
}
