package inference

import (
	"fmt"
	"strconv"
	"strings"

	"coinpulse/internal/domain"

	"github.com/tidwall/gjson"
)

// Result is a validated remote answer. Nil numbers were absent or unusable.
type Result struct {
	Decision        domain.Decision
	PumpProbability *float64
	DumpProbability *float64
	Confidence      *float64
	EntryPrice      *float64
	StopLoss        *float64
	TakeProfit      *float64
	Explanation     string
}

// envelopePaths are where common completion APIs put the model text.
var envelopePaths = []string{
	"choices.0.message.content",
	"choices.0.text",
	"content.0.text",
	"response",
	"text",
	"content",
	"output",
}

// ParseResult extracts the first JSON object from raw and validates it. A
// missing object or a missing or unknown decision is domain.ErrParse.
func ParseResult(raw string) (Result, error) {
	obj, ok := ExtractObject(unwrapEnvelope(raw))
	if !ok {
		return Result{}, fmt.Errorf("%w: no json object", domain.ErrParse)
	}

	parsed := gjson.Parse(obj)
	rawDecision := parsed.Get("decision")
	if !rawDecision.Exists() {
		return Result{}, fmt.Errorf("%w: missing decision", domain.ErrParse)
	}
	decision, known := domain.ParseDecision(rawDecision.String())
	if !known {
		return Result{}, fmt.Errorf("%w: unknown decision %q", domain.ErrParse, rawDecision.String())
	}

	return Result{
		Decision:        decision,
		PumpProbability: probability(parsed.Get("pump_probability")),
		DumpProbability: probability(parsed.Get("dump_probability")),
		Confidence:      number(parsed.Get("confidence")),
		EntryPrice:      number(parsed.Get("entry_price")),
		StopLoss:        number(parsed.Get("stoploss")),
		TakeProfit:      number(parsed.Get("take_profit")),
		Explanation:     strings.TrimSpace(parsed.Get("explanation").String()),
	}, nil
}

func unwrapEnvelope(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !gjson.Valid(trimmed) {
		return raw
	}
	doc := gjson.Parse(trimmed)
	if !doc.IsObject() || doc.Get("decision").Exists() {
		return raw
	}
	for _, path := range envelopePaths {
		if v := doc.Get(path); v.Type == gjson.String {
			return v.String()
		}
	}
	return raw
}

func number(r gjson.Result) *float64 {
	var v float64
	switch r.Type {
	case gjson.Number:
		v = r.Float()
	case gjson.String:
		parsed, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(r.Str), "%"), 64)
		if err != nil {
			return nil
		}
		v = parsed
	default:
		return nil
	}
	return &v
}

// probability accepts 0-1 or a 0-100 percentage.
func probability(r gjson.Result) *float64 {
	v := number(r)
	if v == nil {
		return nil
	}
	if *v > 1 && *v <= 100 {
		scaled := *v / 100
		return &scaled
	}
	return v
}
