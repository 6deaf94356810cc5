package notify

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/zombor/receiptsnap/internal/clock"
	"github.com/zombor/receiptsnap/internal/model"
	"github.com/zombor/receiptsnap/internal/push"
)

// Status is the per-subscription outcome of a run
type Status string

const (
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

const (
	ReasonDisabled        = "User disabled this notification type"
	ReasonAlreadyNotified = "Already notified today"
	ReasonNoDevices       = "No active devices"
)

// Store is the persistence the scheduler reads and appends to
type Store interface {
	DueSubscriptions(ctx context.Context, dates []string) ([]model.DueSubscription, error)
	NotifiedSince(ctx context.Context, subscriptionID string, t model.NotificationType, since time.Time) (bool, error)
	ActiveDevices(ctx context.Context, userID string) ([]model.UserDevice, error)
	CreateNotificationLog(ctx context.Context, l *model.NotificationLog) error
}

// Sender delivers one message to one device token
type Sender interface {
	Send(ctx context.Context, deviceToken string, msg push.Message) push.Result
}

// Outcome is what happened to one due subscription
type Outcome struct {
	SubscriptionID string `json:"subscription_id"`
	UserID         string `json:"user_id"`
	Status         Status `json:"status"`
	Reason         string `json:"reason,omitempty"`
}

type Summary struct {
	Total   int `json:"total"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// RunReport is the result of one scheduler pass
type RunReport struct {
	Summary Summary   `json:"summary"`
	Results []Outcome `json:"results"`
}

func (r *RunReport) add(o Outcome) {
	r.Results = append(r.Results, o)
	r.Summary.Total++
	switch o.Status {
	case StatusSent:
		r.Summary.Sent++
	case StatusFailed:
		r.Summary.Failed++
	case StatusSkipped:
		r.Summary.Skipped++
	}
}

// Scheduler sends renewal reminders for subscriptions charging in one or three days
type Scheduler struct {
	db          Store
	sender      Sender
	logger      *zap.Logger
	location    *time.Location
	idGenerator clock.IDGenerator
	timeSource  clock.TimeSource
}

// NewScheduler creates a Scheduler. Calendar days are computed in loc; nil means UTC.
func NewScheduler(db Store, sender Sender, logger *zap.Logger, loc *time.Location) *Scheduler {
	return NewSchedulerWithDeps(db, sender, logger, loc, clock.UUIDGenerator{}, clock.System{})
}

func NewSchedulerWithDeps(db Store, sender Sender, logger *zap.Logger, loc *time.Location, idGen clock.IDGenerator, timeSrc clock.TimeSource) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		db:          db,
		sender:      sender,
		logger:      logger,
		location:    loc,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// Run performs one pass. It only fails when the due subscriptions cannot be read;
// per-subscription problems are reported in the results.
func (s *Scheduler) Run(ctx context.Context) (*RunReport, error) {
	now := s.timeSource.Now().In(s.location)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.location)
	in1Day := today.AddDate(0, 0, 1).Format(model.DateLayout)
	in3Days := today.AddDate(0, 0, 3).Format(model.DateLayout)

	s.logger.Info("Checking renewals", zap.String("in_1_day", in1Day), zap.String("in_3_days", in3Days))

	due, err := s.db.DueSubscriptions(ctx, []string{in1Day, in3Days})
	if err != nil {
		return nil, fmt.Errorf("fetching due subscriptions: %w", err)
	}

	s.logger.Info("Found subscriptions to notify", zap.Int("count", len(due)))

	report := &RunReport{Results: make([]Outcome, 0, len(due))}
	for _, sub := range due {
		report.add(s.notify(ctx, sub, now, today))
	}

	s.logger.Info("Notification summary",
		zap.Int("total", report.Summary.Total),
		zap.Int("sent", report.Summary.Sent),
		zap.Int("failed", report.Summary.Failed),
		zap.Int("skipped", report.Summary.Skipped),
	)
	return report, nil
}

func (s *Scheduler) notify(ctx context.Context, sub model.DueSubscription, now, today time.Time) Outcome {
	out := Outcome{SubscriptionID: sub.ID, UserID: sub.UserID}
	log := s.logger.With(zap.String("subscription_id", sub.ID), zap.String("user_id", sub.UserID))

	charge, err := time.ParseInLocation(model.DateLayout, *sub.NextChargeDate, s.location)
	if err != nil {
		out.Status, out.Reason = StatusFailed, fmt.Sprintf("Invalid next_charge_date: %v", err)
		return out
	}
	daysUntil := int(math.Ceil(charge.Sub(now).Hours() / 24))
	notificationType := model.NotifyRenewal3d
	if daysUntil == 1 {
		notificationType = model.NotifyRenewal1d
	}

	if !sub.Preferences.Allows(notificationType) {
		out.Status, out.Reason = StatusSkipped, ReasonDisabled
		return out
	}

	notified, err := s.db.NotifiedSince(ctx, sub.ID, notificationType, today)
	if err != nil {
		log.Error("Failed to check notification history", zap.Error(err))
		out.Status, out.Reason = StatusFailed, fmt.Sprintf("Notification history unavailable: %v", err)
		return out
	}
	if notified {
		out.Status, out.Reason = StatusSkipped, ReasonAlreadyNotified
		return out
	}

	devices, err := s.db.ActiveDevices(ctx, sub.UserID)
	if err != nil {
		log.Error("Failed to list devices", zap.Error(err))
		out.Status, out.Reason = StatusFailed, fmt.Sprintf("Device lookup failed: %v", err)
		return out
	}
	if len(devices) == 0 {
		out.Status, out.Reason = StatusSkipped, ReasonNoDevices
		return out
	}

	msg := push.BuildRenewalMessage(sub.SubscriptionName, sub.Amount, sub.Currency, daysUntil, sub.ID, string(notificationType))

	sent, failed := 0, 0
	for _, d := range devices {
		res := s.sender.Send(ctx, d.FCMToken, msg)

		entry := &model.NotificationLog{
			ID:               s.idGenerator.Generate(),
			UserID:           sub.UserID,
			SubscriptionID:   sub.ID,
			NotificationType: notificationType,
			FCMMessageID:     model.StringPtr(res.MessageID),
			Status:           model.NotificationSent,
			CreatedAt:        s.timeSource.Now(),
		}
		if res.OK() {
			sent++
		} else {
			failed++
			entry.Status = model.NotificationFailed
			entry.ErrorMessage = &res.Error.Message
			log.Warn("Push send failed",
				zap.String("device_id", d.ID),
				zap.Int("code", res.Error.Code),
				zap.String("status", res.Error.Status),
				zap.String("error", res.Error.Message),
			)
		}

		if err := s.db.CreateNotificationLog(ctx, entry); err != nil {
			log.Error("Failed to write notification log", zap.Error(err))
		}
	}

	out.Status = StatusFailed
	if sent > 0 {
		out.Status = StatusSent
	}
	out.Reason = fmt.Sprintf("Sent: %d, Failed: %d", sent, failed)
	return out
}
