package extraction

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when the model call exceeds its request budget
	ErrTimeout = errors.New("extraction request timed out")
	// ErrNoContent is returned when the model answered with an empty message
	ErrNoContent = errors.New("no content in model response")
)

// Result is the structured subscription data read from a receipt image.
// Nullable fields are pointers so that an omitted value stays distinguishable from an empty one.
type Result struct {
	SubscriptionName     string  `json:"subscription_name"`
	BillingEntity        *string `json:"billing_entity"`
	Amount               float64 `json:"amount"`
	Currency             string  `json:"currency"`
	BillingCycle         string  `json:"billing_cycle"`
	StartDate            *string `json:"start_date"`
	NextChargeDate       *string `json:"next_charge_date"`
	PaymentMethod        *string `json:"payment_method"`
	RenewalTerms         *string `json:"renewal_terms"`
	CancellationPolicy   *string `json:"cancellation_policy"`
	CancellationDeadline *string `json:"cancellation_deadline"`
	ConfidenceScore      float64 `json:"confidence_score"`
	RawText              string  `json:"raw_text"`
}

// TokenUsage is the provider-reported token breakdown of one call
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is everything an extractor learned from one model call.
// TokensUsed and Usage are nil when the provider did not report usage.
type Response struct {
	Extraction *Result
	RawContent string
	Model      string
	TokensUsed *int
	Usage      *TokenUsage
}

// Extractor reads subscription terms out of a receipt image
type Extractor interface {
	// Extract sends the image to a vision model and returns the parsed result
	Extract(ctx context.Context, image []byte, mimeType string) (*Response, error)
	// Close releases any resources held by the extractor
	Close() error
}

// StatusError is returned when the provider answers with a non-success status
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatusCode returns the status the provider answered with
func (e *StatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// maxErrorBody bounds how much of a failed response body is kept for diagnostics
const maxErrorBody = 500

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
