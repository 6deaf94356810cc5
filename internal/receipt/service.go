package receipt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zombor/receiptsnap/internal/apperr"
	"github.com/zombor/receiptsnap/internal/clock"
	"github.com/zombor/receiptsnap/internal/extraction"
	"github.com/zombor/receiptsnap/internal/model"
	"github.com/zombor/receiptsnap/internal/pricing"
)

const (
	defaultFilename         = "receipt.jpg"
	unknownSubscriptionName = "Unknown Subscription"
	defaultCurrency         = "USD"
)

// Store is the persistence the pipeline needs
type Store interface {
	CreateReceipt(ctx context.Context, r *model.Receipt) error
	UpdateReceipt(ctx context.Context, r *model.Receipt) error
	CreateSubscription(ctx context.Context, s *model.Subscription) error
	CreateAuditLog(ctx context.Context, l *model.AuditLog) error
}

// Request is an uploaded receipt image
type Request struct {
	ImageBase64 string `json:"image_base64"`
	Filename    string `json:"filename,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
}

// Result is the outcome of a successful pipeline run
type Result struct {
	ReceiptID      string              `json:"receipt_id"`
	Subscription   *model.Subscription `json:"subscription"`
	Extracted      *extraction.Result  `json:"extracted"`
	RequiresReview bool                `json:"requires_review"`
}

// Service turns receipt images into subscriptions
type Service struct {
	db          Store
	extractor   extraction.Extractor
	storage     Storage
	logger      *zap.Logger
	idGenerator clock.IDGenerator
	timeSource  clock.TimeSource
}

// NewService creates a new Service with UUID ids and the system clock
func NewService(db Store, extractor extraction.Extractor, storage Storage, logger *zap.Logger) *Service {
	return NewServiceWithDeps(db, extractor, storage, logger, clock.UUIDGenerator{}, clock.System{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db Store, extractor extraction.Extractor, storage Storage, logger *zap.Logger, idGen clock.IDGenerator, timeSrc clock.TimeSource) *Service {
	return &Service{
		db:          db,
		extractor:   extractor,
		storage:     storage,
		logger:      logger,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// ProcessReceipt stores the image, extracts it and records the resulting subscription.
// Failures after the receipt row exists carry its id.
func (s *Service) ProcessReceipt(ctx context.Context, userID string, req Request) (*Result, error) {
	if strings.TrimSpace(req.ImageBase64) == "" {
		return nil, apperr.Validation("Missing image_base64")
	}
	image, uriMime, err := decodeImage(req.ImageBase64)
	if err != nil {
		return nil, apperr.Validation("Invalid image_base64")
	}

	filename := strings.TrimSpace(req.Filename)
	if filename == "" {
		filename = defaultFilename
	}
	mimeType := strings.ToLower(strings.TrimSpace(req.MimeType))
	if mimeType == "" {
		mimeType = uriMime
	}
	if mimeType == "" {
		mimeType = extraction.DefaultMimeType
	}

	receipt := &model.Receipt{
		ID:               s.idGenerator.Generate(),
		UserID:           userID,
		StoragePath:      "",
		OriginalFilename: filename,
		MimeType:         mimeType,
		ProcessingStatus: model.StatusProcessing,
		CreatedAt:        s.timeSource.Now(),
	}
	if err := s.db.CreateReceipt(ctx, receipt); err != nil {
		s.logger.Error("Failed to create receipt", zap.String("user_id", userID), zap.Error(err))
		return nil, apperr.Upstream(fmt.Sprintf("Failed to create receipt: %v", err), err)
	}

	path := storagePath(userID, receipt.ID, mimeType)
	if err := s.storage.Upload(ctx, path, image, mimeType, true); err != nil {
		msg := fmt.Sprintf("Storage upload failed: %v", err)
		s.logger.Error("Storage upload failed", zap.String("receipt_id", receipt.ID), zap.Error(err))
		s.markFailed(ctx, receipt, msg, false)
		return nil, apperr.Upstream(msg, err).WithReceipt(receipt.ID)
	}

	size := int64(len(image))
	receipt.StoragePath = path
	receipt.FileSizeBytes = &size
	if err := s.db.UpdateReceipt(ctx, receipt); err != nil {
		return nil, apperr.Upstream(fmt.Sprintf("Failed to update receipt: %v", err), err).WithReceipt(receipt.ID)
	}

	resp, err := s.extractor.Extract(ctx, image, mimeType)
	if err == nil && (resp == nil || resp.Extraction == nil) {
		err = errors.New("Extraction failed")
	}
	if err != nil {
		s.logger.Error("Failed to extract receipt",
			zap.String("receipt_id", receipt.ID),
			zap.String("mime_type", mimeType),
			zap.Int64("file_size", size),
			zap.Error(err),
		)
		s.markFailed(ctx, receipt, err.Error(), true)
		return nil, apperr.Upstream(err.Error(), err).WithReceipt(receipt.ID)
	}

	if err := s.markCompleted(ctx, receipt, resp); err != nil {
		return nil, apperr.Upstream(fmt.Sprintf("Failed to update receipt: %v", err), err).WithReceipt(receipt.ID)
	}

	sub := newSubscription(s.idGenerator.Generate(), userID, receipt.ID, resp.Extraction, s.timeSource.Now())
	if err := s.db.CreateSubscription(ctx, sub); err != nil {
		s.logger.Error("Failed to create subscription", zap.String("receipt_id", receipt.ID), zap.Error(err))
		return nil, apperr.Upstream(fmt.Sprintf("Failed to create subscription: %v", err), err).WithReceipt(receipt.ID)
	}

	s.audit(ctx, sub)

	s.logger.Info("Processed receipt",
		zap.String("receipt_id", receipt.ID),
		zap.String("subscription_id", sub.ID),
		zap.Float64("confidence", resp.Extraction.ConfidenceScore),
	)

	return &Result{
		ReceiptID:      receipt.ID,
		Subscription:   sub,
		Extracted:      resp.Extraction,
		RequiresReview: resp.Extraction.ConfidenceScore < model.ReviewThreshold,
	}, nil
}

func (s *Service) markFailed(ctx context.Context, receipt *model.Receipt, message string, stampProcessed bool) {
	receipt.ProcessingStatus = model.StatusFailed
	receipt.ErrorMessage = &message
	if stampProcessed {
		now := s.timeSource.Now()
		receipt.ProcessedAt = &now
	}
	if err := s.db.UpdateReceipt(ctx, receipt); err != nil {
		s.logger.Error("Failed to mark receipt failed", zap.String("receipt_id", receipt.ID), zap.Error(err))
	}
}

func (s *Service) markCompleted(ctx context.Context, receipt *model.Receipt, resp *extraction.Response) error {
	raw, err := json.Marshal(resp.Extraction)
	if err != nil {
		return fmt.Errorf("marshaling extraction: %w", err)
	}
	now := s.timeSource.Now()

	receipt.ProcessingStatus = model.StatusCompleted
	receipt.RawLLMResponse = raw
	receipt.ProcessedAt = &now
	receipt.LLMModel = model.StringPtr(resp.Model)
	receipt.LLMTokensUsed = resp.TokensUsed
	if resp.Usage != nil {
		if !pricing.Known(resp.Model) {
			s.logger.Warn("No price entry for model, using default rate", zap.String("model", resp.Model))
		}
		cost := pricing.Calculate(resp.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		receipt.LLMCostUSD = &cost.TotalCost
	}

	return s.db.UpdateReceipt(ctx, receipt)
}

// audit failures are logged, not returned: the subscription already exists
func (s *Service) audit(ctx context.Context, sub *model.Subscription) {
	snapshot, err := json.Marshal(sub)
	if err != nil {
		s.logger.Warn("Failed to snapshot subscription", zap.String("subscription_id", sub.ID), zap.Error(err))
		return
	}
	entry := &model.AuditLog{
		ID:         s.idGenerator.Generate(),
		UserID:     sub.UserID,
		EntityType: "subscription",
		EntityID:   sub.ID,
		Action:     "create",
		NewValues:  snapshot,
		CreatedAt:  s.timeSource.Now(),
	}
	if err := s.db.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Warn("Failed to write audit log", zap.String("subscription_id", sub.ID), zap.Error(err))
	}
}

func newSubscription(id, userID, receiptID string, r *extraction.Result, now time.Time) *model.Subscription {
	name := strings.TrimSpace(r.SubscriptionName)
	if !r.HasUsableName() {
		name = unknownSubscriptionName
	}

	currency := strings.ToUpper(strings.TrimSpace(r.Currency))
	if len(currency) != 3 {
		currency = defaultCurrency
	}

	confidence := math.Min(math.Max(r.ConfidenceScore, 0), 1)

	return &model.Subscription{
		ID:                   id,
		UserID:               userID,
		ReceiptID:            &receiptID,
		SubscriptionName:     name,
		BillingEntity:        r.BillingEntity,
		Amount:               r.Amount,
		Currency:             currency,
		BillingCycle:         model.ParseBillingCycle(r.BillingCycle),
		StartDate:            validDate(r.StartDate),
		NextChargeDate:       validDate(r.NextChargeDate),
		CancellationDeadline: validDate(r.CancellationDeadline),
		CancellationPolicy:   r.CancellationPolicy,
		PaymentMethod:        r.PaymentMethod,
		RenewalTerms:         r.RenewalTerms,
		ConfidenceScore:      &confidence,
		UserVerified:         false,
		IsActive:             true,
		IsDeleted:            false,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// validDate keeps only well-formed calendar dates
func validDate(s *string) *string {
	if s == nil {
		return nil
	}
	t, err := time.Parse(model.DateLayout, strings.TrimSpace(*s))
	if err != nil {
		return nil
	}
	out := t.Format(model.DateLayout)
	return &out
}

// decodeImage accepts plain base64 or a data URI, returning the URI's MIME type when present
func decodeImage(encoded string) ([]byte, string, error) {
	encoded = strings.TrimSpace(encoded)
	var mimeType string
	if strings.HasPrefix(encoded, "data:") {
		header, payload, ok := strings.Cut(encoded, ",")
		if !ok {
			return nil, "", fmt.Errorf("malformed data URI")
		}
		mimeType = strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
		encoded = payload
	}
	encoded = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, encoded)

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(encoded)
	}
	if err != nil {
		return nil, "", fmt.Errorf("decoding base64: %w", err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("empty image")
	}
	return data, strings.ToLower(mimeType), nil
}

var extensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/jpg":       ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"image/gif":       ".gif",
	"image/heic":      ".heic",
	"image/heif":      ".heif",
	"application/pdf": ".pdf",
}

// storagePath is <owner>/<receipt><ext>, so objects are grouped per user
func storagePath(userID, receiptID, mimeType string) string {
	ext, ok := extensions[mimeType]
	if !ok {
		ext = ".jpg"
	}
	return fmt.Sprintf("%s/%s%s", userID, receiptID, ext)
}
