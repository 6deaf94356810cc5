package store

import (
	"context"
	"errors"
	"time"

	"github.com/zombor/receiptsnap/internal/model"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("not found")

// DB is the relational store behind every service
type DB interface {
	// CreateReceipt inserts a new receipt
	CreateReceipt(ctx context.Context, r *model.Receipt) error
	// UpdateReceipt overwrites an existing receipt
	UpdateReceipt(ctx context.Context, r *model.Receipt) error

	// CreateSubscription inserts a new subscription
	CreateSubscription(ctx context.Context, s *model.Subscription) error
	// DueSubscriptions returns active, non-deleted subscriptions whose next charge
	// falls on one of dates, joined with their owner's preferences
	DueSubscriptions(ctx context.Context, dates []string) ([]model.DueSubscription, error)

	// CreateAuditLog appends an audit entry
	CreateAuditLog(ctx context.Context, l *model.AuditLog) error

	// FindDevice looks up a registration by owner and token
	FindDevice(ctx context.Context, userID, fcmToken string) (*model.UserDevice, error)
	// SaveDevice inserts or replaces a registration
	SaveDevice(ctx context.Context, d *model.UserDevice) error
	// DeactivateDevices marks the owner's other active tokens on platform inactive
	DeactivateDevices(ctx context.Context, userID string, platform model.DevicePlatform, exceptToken string, at time.Time) error
	// ActiveDevices lists the owner's active registrations, oldest first
	ActiveDevices(ctx context.Context, userID string) ([]model.UserDevice, error)

	// NotifiedSince reports whether a log entry for the subscription and type exists at or after since
	NotifiedSince(ctx context.Context, subscriptionID string, t model.NotificationType, since time.Time) (bool, error)
	// CreateNotificationLog appends a send attempt
	CreateNotificationLog(ctx context.Context, l *model.NotificationLog) error

	// EnsureUser inserts the user if no row with its ID exists
	EnsureUser(ctx context.Context, u *model.User) error

	// Close releases the underlying connection
	Close() error
}
