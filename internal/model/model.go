package model

import (
	"encoding/json"
	"strings"
	"time"
)

// DateLayout is the calendar-date format used for every date-only field
const DateLayout = "2006-01-02"

// ReviewThreshold is the confidence below which a subscription needs user review
const ReviewThreshold = 0.8

// ProcessingStatus tracks a receipt through the extraction pipeline
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// BillingCycle is the recurrence pattern of a subscription's charge
type BillingCycle string

const (
	CycleWeekly     BillingCycle = "weekly"
	CycleMonthly    BillingCycle = "monthly"
	CycleQuarterly  BillingCycle = "quarterly"
	CycleSemiAnnual BillingCycle = "semi_annual"
	CycleAnnual     BillingCycle = "annual"
	CycleOneTime    BillingCycle = "one_time"
	CycleUnknown    BillingCycle = "unknown"
)

// ParseBillingCycle maps free text onto a known cycle, falling back to unknown
func ParseBillingCycle(s string) BillingCycle {
	switch c := BillingCycle(strings.ToLower(strings.TrimSpace(s))); c {
	case CycleWeekly, CycleMonthly, CycleQuarterly, CycleSemiAnnual, CycleAnnual, CycleOneTime:
		return c
	}
	return CycleUnknown
}

// DevicePlatform is the operating system of a registered device
type DevicePlatform string

const (
	PlatformAndroid DevicePlatform = "android"
	PlatformIOS     DevicePlatform = "ios"
)

// Valid reports whether p is a supported platform
func (p DevicePlatform) Valid() bool {
	return p == PlatformAndroid || p == PlatformIOS
}

// NotificationType identifies which renewal reminder was sent
type NotificationType string

const (
	NotifyRenewal1d NotificationType = "renewal_1d"
	NotifyRenewal3d NotificationType = "renewal_3d"
)

// NotificationStatus is the outcome of a single device send
type NotificationStatus string

const (
	NotificationSent   NotificationStatus = "sent"
	NotificationFailed NotificationStatus = "failed"
)

// Receipt is an uploaded image and its extraction state
type Receipt struct {
	ID               string           `json:"id"`
	UserID           string           `json:"user_id"`
	StoragePath      string           `json:"storage_path"`
	OriginalFilename string           `json:"original_filename"`
	FileSizeBytes    *int64           `json:"file_size_bytes"`
	MimeType         string           `json:"mime_type"`
	ProcessingStatus ProcessingStatus `json:"processing_status"`
	RawLLMResponse   json.RawMessage  `json:"raw_llm_response"`
	ErrorMessage     *string          `json:"error_message"`
	LLMModel         *string          `json:"llm_model"`
	LLMTokensUsed    *int             `json:"llm_tokens_used"`
	LLMCostUSD       *float64         `json:"llm_cost_usd"`
	CreatedAt        time.Time        `json:"created_at"`
	ProcessedAt      *time.Time       `json:"processed_at"`
}

// Subscription is a recurring charge extracted from a receipt. Date fields use DateLayout.
type Subscription struct {
	ID                   string       `json:"id"`
	UserID               string       `json:"user_id"`
	ReceiptID            *string      `json:"receipt_id"`
	SubscriptionName     string       `json:"subscription_name"`
	BillingEntity        *string      `json:"billing_entity"`
	Amount               float64      `json:"amount"`
	Currency             string       `json:"currency"`
	BillingCycle         BillingCycle `json:"billing_cycle"`
	StartDate            *string      `json:"start_date"`
	NextChargeDate       *string      `json:"next_charge_date"`
	LastChargeDate       *string      `json:"last_charge_date"`
	CancellationDeadline *string      `json:"cancellation_deadline"`
	CancellationPolicy   *string      `json:"cancellation_policy"`
	PaymentMethod        *string      `json:"payment_method"`
	RenewalTerms         *string      `json:"renewal_terms"`
	ConfidenceScore      *float64     `json:"confidence_score"`
	UserVerified         bool         `json:"user_verified"`
	IsActive             bool         `json:"is_active"`
	IsDeleted            bool         `json:"is_deleted"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

// NotificationPreferences holds the per-user reminder switches
type NotificationPreferences struct {
	Renewal3d     bool `json:"renewal_3d"`
	Renewal1d     bool `json:"renewal_1d"`
	WeeklySummary bool `json:"weekly_summary"`
}

// DefaultNotificationPreferences returns the preferences a new user starts with
func DefaultNotificationPreferences() NotificationPreferences {
	return NotificationPreferences{Renewal3d: true, Renewal1d: true}
}

// Allows reports whether the given reminder type is enabled
func (p NotificationPreferences) Allows(t NotificationType) bool {
	switch t {
	case NotifyRenewal1d:
		return p.Renewal1d
	case NotifyRenewal3d:
		return p.Renewal3d
	}
	return false
}

// User is an account known to the backend
type User struct {
	ID                      string                  `json:"id"`
	Email                   string                  `json:"email"`
	DisplayName             *string                 `json:"display_name"`
	Timezone                string                  `json:"timezone"`
	NotificationPreferences NotificationPreferences `json:"notification_preferences"`
	CreatedAt               time.Time               `json:"created_at"`
	UpdatedAt               time.Time               `json:"updated_at"`
}

// DueSubscription is a subscription joined with its owner's preferences
type DueSubscription struct {
	Subscription
	Preferences NotificationPreferences `json:"preferences"`
}

// UserDevice is a push-token registration
type UserDevice struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	FCMToken       string         `json:"fcm_token"`
	DevicePlatform DevicePlatform `json:"device_platform"`
	DeviceName     *string        `json:"device_name"`
	IsActive       bool           `json:"is_active"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// NotificationLog records one send attempt to one device
type NotificationLog struct {
	ID               string             `json:"id"`
	UserID           string             `json:"user_id"`
	SubscriptionID   string             `json:"subscription_id"`
	NotificationType NotificationType   `json:"notification_type"`
	FCMMessageID     *string            `json:"fcm_message_id"`
	Status           NotificationStatus `json:"status"`
	ErrorMessage     *string            `json:"error_message"`
	CreatedAt        time.Time          `json:"created_at"`
}

// AuditLog captures a snapshot of a created or changed entity
type AuditLog struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Action     string          `json:"action"`
	NewValues  json.RawMessage `json:"new_values"`
	CreatedAt  time.Time       `json:"created_at"`
}

// StringPtr returns a pointer to s, or nil when s is empty
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
