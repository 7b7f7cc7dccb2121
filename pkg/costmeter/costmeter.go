// Package costmeter prices LLM and processing usage into USD and
// aggregates the resulting line items into Service records.
package costmeter

import (
	"math"
	"sort"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// tokenEncoding is the shared cl100k_base tokenizer used for estimation.
// Left nil if the encoding table can't be loaded, in which case
// EstimateTokens falls back to a length/4 approximation.
var tokenEncoding *tiktoken.Tiktoken

func init() {
	if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
		tokenEncoding = enc
	}
}

// ServiceType names a kind of billable work consumed to satisfy a request.
type ServiceType string

const (
	ServiceOpenAI        ServiceType = "openai"
	ServiceFileProcessor ServiceType = "file_processor"
	ServiceNative        ServiceType = "native"
	ServiceTransformer   ServiceType = "transformer"
)

// Service is a line-item of external work with a computed USD cost.
type Service struct {
	ServiceType      ServiceType    `json:"service_type"`
	Breakdown        map[string]any `json:"breakdown"`
	EstimatedCostUSD float64        `json:"estimated_cost_usd"`
}

// ToDict renders the Service the way the rest of the system serializes it:
// a plain map with cost rounded to 6 decimal places.
func (s Service) ToDict() map[string]any {
	return map[string]any{
		"service_type":       string(s.ServiceType),
		"breakdown":          s.Breakdown,
		"estimated_cost_usd": round(s.EstimatedCostUSD, 6),
	}
}

// FromDict reconstructs a Service from its ToDict representation.
func FromDict(d map[string]any) Service {
	st := ServiceNative
	if v, ok := d["service_type"].(string); ok && v != "" {
		st = ServiceType(v)
	}
	breakdown, _ := d["breakdown"].(map[string]any)
	cost, _ := d["estimated_cost_usd"].(float64)
	return Service{ServiceType: st, Breakdown: breakdown, EstimatedCostUSD: cost}
}

// modelPricing is (input $/1M tokens, output $/1M tokens, cached-read $/1M tokens).
type modelPricing struct {
	input, output, cachedRead float64
}

var pricingTable = map[string]modelPricing{
	"gpt-4o":        {2.5, 10.0, 1.25},
	"gpt-4.1":       {2.0, 8.0, 0.5},
	"gpt-4o-mini":   {0.15, 0.60, 0.075},
	"gpt-4.1-mini":  {0.4, 1.6, 0.1},
	"gpt-5-mini":    {0.25, 2.0, 0.025},
}

var defaultPricing = modelPricing{5.0, 15.0, 0.5}

// Meter computes USD cost for a given model's token usage, with an
// overridable pricing table (see pkg/config for override loading).
type Meter struct {
	pricing map[string]modelPricing
}

// New builds a Meter seeded with the built-in pricing table, optionally
// merged with operator-supplied overrides (keys lower-cased model names).
func New(overrides map[string][3]float64) *Meter {
	m := &Meter{pricing: make(map[string]modelPricing, len(pricingTable))}
	for k, v := range pricingTable {
		m.pricing[k] = v
	}
	for k, v := range overrides {
		m.pricing[strings.ToLower(k)] = modelPricing{v[0], v[1], v[2]}
	}
	return m
}

// pricingFor resolves a model name to its pricing, first by exact match,
// then by substring match (longest registered key contained in the name
// wins — checked in descending key length so the result is deterministic
// regardless of map iteration order, e.g. "gpt-4o-mini-2024-07-18"
// matches "gpt-4o-mini" rather than the shorter "gpt-4o"), finally
// falling back to a conservative default.
func (m *Meter) pricingFor(model string) modelPricing {
	lower := strings.ToLower(model)
	if p, ok := m.pricing[lower]; ok {
		return p
	}

	keys := make([]string, 0, len(m.pricing))
	for key := range m.pricing {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })

	for _, key := range keys {
		if strings.Contains(lower, key) {
			return m.pricing[key]
		}
	}
	return defaultPricing
}

// EstimateTokens approximates content's token count for use when a
// provider's streamed completion omits usage accounting, using the same
// cl100k_base tokenizer the reference this was ported from uses, with
// the same length/4 fallback if the tokenizer failed to load.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	if tokenEncoding != nil {
		return len(tokenEncoding.Encode(content, nil, nil))
	}
	if n := len(content) / 4; n > 0 {
		return n
	}
	return 1
}

// Cost computes the USD cost of a chat-completion call, rounded to 6
// decimal places. cachedTokens is a subset of inputTokens billed at the
// cached-read rate instead of the regular input rate.
func (m *Meter) Cost(model string, inputTokens, outputTokens, cachedTokens int) float64 {
	p := m.pricingFor(model)
	regularInput := inputTokens - cachedTokens
	if regularInput < 0 {
		regularInput = 0
	}
	cost := float64(regularInput)/1_000_000*p.input +
		float64(cachedTokens)/1_000_000*p.cachedRead +
		float64(outputTokens)/1_000_000*p.output
	return round(cost, 6)
}

func round(v float64, places int) float64 {
	mul := math.Pow(10, float64(places))
	return math.Round(v*mul) / mul
}
