package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zombor/receiptsnap/internal/apperr"
	"github.com/zombor/receiptsnap/internal/clock"
	"github.com/zombor/receiptsnap/internal/model"
	"github.com/zombor/receiptsnap/internal/store"
)

const (
	MessageUpdated    = "FCM token updated"
	MessageRegistered = "FCM token registered"
)

// Store is the persistence device registration needs
type Store interface {
	FindDevice(ctx context.Context, userID, fcmToken string) (*model.UserDevice, error)
	SaveDevice(ctx context.Context, d *model.UserDevice) error
	DeactivateDevices(ctx context.Context, userID string, platform model.DevicePlatform, exceptToken string, at time.Time) error
}

// Request is a push token submitted by an app install
type Request struct {
	FCMToken       string `json:"fcm_token"`
	DevicePlatform string `json:"device_platform"`
	DeviceName     string `json:"device_name,omitempty"`
}

// Registration is the stored device and what happened to it
type Registration struct {
	DeviceID string `json:"device_id"`
	Message  string `json:"message"`
}

// Service registers push tokens
type Service struct {
	db          Store
	logger      *zap.Logger
	idGenerator clock.IDGenerator
	timeSource  clock.TimeSource
}

func NewService(db Store, logger *zap.Logger) *Service {
	return NewServiceWithDeps(db, logger, clock.UUIDGenerator{}, clock.System{})
}

func NewServiceWithDeps(db Store, logger *zap.Logger, idGen clock.IDGenerator, timeSrc clock.TimeSource) *Service {
	return &Service{db: db, logger: logger, idGenerator: idGen, timeSource: timeSrc}
}

// Register upserts the (user, token) pair. A new token retires the user's
// other tokens on the same platform.
func (s *Service) Register(ctx context.Context, userID string, req Request) (*Registration, error) {
	token := strings.TrimSpace(req.FCMToken)
	if token == "" {
		return nil, apperr.Validation("Missing fcm_token")
	}
	platform := model.DevicePlatform(req.DevicePlatform)
	if !platform.Valid() {
		return nil, apperr.Validation("Invalid device_platform (must be android or ios)")
	}

	now := s.timeSource.Now()

	existing, err := s.db.FindDevice(ctx, userID, token)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Internal(fmt.Errorf("looking up device: %w", err))
	}

	if existing != nil {
		existing.DevicePlatform = platform
		existing.DeviceName = model.StringPtr(req.DeviceName)
		existing.IsActive = true
		existing.UpdatedAt = now
		if err := s.db.SaveDevice(ctx, existing); err != nil {
			return nil, apperr.Internal(fmt.Errorf("Failed to update device: %w", err))
		}
		s.logger.Info("Device token refreshed", zap.String("user_id", userID), zap.String("device_id", existing.ID))
		return &Registration{DeviceID: existing.ID, Message: MessageUpdated}, nil
	}

	if err := s.db.DeactivateDevices(ctx, userID, platform, token, now); err != nil {
		// a stale token only costs a failed send later
		s.logger.Warn("Failed to deactivate old devices", zap.String("user_id", userID), zap.Error(err))
	}

	d := &model.UserDevice{
		ID:             s.idGenerator.Generate(),
		UserID:         userID,
		FCMToken:       token,
		DevicePlatform: platform,
		DeviceName:     model.StringPtr(req.DeviceName),
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.db.SaveDevice(ctx, d); err != nil {
		return nil, apperr.Internal(fmt.Errorf("Failed to create device: %w", err))
	}

	s.logger.Info("Device token registered",
		zap.String("user_id", userID),
		zap.String("device_id", d.ID),
		zap.String("platform", string(platform)),
	)
	return &Registration{DeviceID: d.ID, Message: MessageRegistered}, nil
}
