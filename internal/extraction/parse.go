package extraction

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Outcome describes which parse strategy produced a Result
type Outcome int

const (
	// OutcomeParsed means the whole content was valid JSON
	OutcomeParsed Outcome = iota
	// OutcomeRecovered means a brace-delimited substring was valid JSON
	OutcomeRecovered
	// OutcomeFallback means nothing parsed and a zero-confidence result was synthesized
	OutcomeFallback
)

func (o Outcome) String() string {
	switch o {
	case OutcomeParsed:
		return "parsed"
	case OutcomeRecovered:
		return "recovered"
	default:
		return "fallback"
	}
}

// UnknownName is the sentinel a model uses when it could not read a name
const UnknownName = "Unknown"

// unreadableConfidenceCap bounds confidence when no usable name was extracted
const unreadableConfidenceCap = 0.3

// Parsed is the outcome of ParseContent
type Parsed struct {
	Outcome Outcome
	Result  *Result
}

// ParseContent turns raw model output into a Result. It never fails: content that is not
// JSON degrades to a fallback result with zero confidence carrying the content as raw text.
func ParseContent(content string) Parsed {
	if r, ok := decodeObject(strings.TrimSpace(content)); ok {
		return Parsed{Outcome: OutcomeParsed, Result: r}
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start != -1 && end > start {
		if r, ok := decodeObject(content[start : end+1]); ok {
			return Parsed{Outcome: OutcomeRecovered, Result: r}
		}
	}

	return Parsed{Outcome: OutcomeFallback, Result: fallbackResult(content)}
}

func decodeObject(text string) (*Result, bool) {
	if !strings.HasPrefix(text, "{") {
		return nil, false
	}
	var r Result
	if err := json.Unmarshal([]byte(text), &r); err != nil {
		return nil, false
	}
	return &r, true
}

// number decodes JSON numbers and numeric strings. Values that are neither decode as zero
// so one badly typed field does not discard the rest of the object.
type number float64

func (n *number) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err == nil {
			f = parsed
		}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		f = 0
	}
	*n = number(f)
	return nil
}

// UnmarshalJSON accepts amount and confidence_score as numbers or numeric strings
func (r *Result) UnmarshalJSON(data []byte) error {
	type plain Result
	aux := struct {
		*plain
		Amount          number `json:"amount"`
		ConfidenceScore number `json:"confidence_score"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Amount = float64(aux.Amount)
	r.ConfidenceScore = float64(aux.ConfidenceScore)
	return nil
}

func fallbackResult(content string) *Result {
	return &Result{
		SubscriptionName: UnknownName,
		Amount:           0,
		Currency:         "USD",
		BillingCycle:     "unknown",
		ConfidenceScore:  0,
		RawText:          content,
	}
}

// HasUsableName reports whether the result carries a real subscription name
func (r *Result) HasUsableName() bool {
	name := strings.TrimSpace(r.SubscriptionName)
	return name != "" && name != UnknownName
}

// ApplyConfidencePolicy caps the confidence of results without a usable name
func ApplyConfidencePolicy(r *Result) {
	if r == nil || r.HasUsableName() {
		return
	}
	if r.ConfidenceScore > unreadableConfidenceCap {
		r.ConfidenceScore = unreadableConfidenceCap
	}
}

// finish runs the shared parse and validation steps on provider content
func finish(content string) *Result {
	parsed := ParseContent(content)
	ApplyConfidencePolicy(parsed.Result)
	return parsed.Result
}
