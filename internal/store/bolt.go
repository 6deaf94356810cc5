package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zombor/receiptsnap/internal/model"
)

const (
	receiptsBucket         = "receipts"
	subscriptionsBucket    = "subscriptions"
	auditLogsBucket        = "audit_logs"
	devicesBucket          = "user_devices"
	notificationLogsBucket = "notification_logs"
	usersBucket            = "users"
)

var allBuckets = []string{
	receiptsBucket,
	subscriptionsBucket,
	auditLogsBucket,
	devicesBucket,
	notificationLogsBucket,
	usersBucket,
}

// BoltDB implements DB on an embedded bbolt file. Rows are stored as JSON keyed by ID.
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB opens (or creates) the database file at path
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

func put(tx *bbolt.Tx, bucket, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s row: %w", bucket, err)
	}
	return tx.Bucket([]byte(bucket)).Put([]byte(id), data)
}

func get(tx *bbolt.Tx, bucket, id string, v any) error {
	data := tx.Bucket([]byte(bucket)).Get([]byte(id))
	if data == nil {
		return fmt.Errorf("%s %s: %w", bucket, id, ErrNotFound)
	}
	return json.Unmarshal(data, v)
}

// each decodes every row of bucket into a fresh T and calls fn
func each[T any](tx *bbolt.Tx, bucket string, fn func(*T) error) error {
	return tx.Bucket([]byte(bucket)).ForEach(func(k, v []byte) error {
		var row T
		if err := json.Unmarshal(v, &row); err != nil {
			return fmt.Errorf("unmarshaling %s row %s: %w", bucket, k, err)
		}
		return fn(&row)
	})
}

func (b *BoltDB) insert(bucket, id string, v any) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(bucket)).Get([]byte(id)) != nil {
			return fmt.Errorf("%s %s already exists", bucket, id)
		}
		return put(tx, bucket, id, v)
	})
}

// CreateReceipt inserts a new receipt
func (b *BoltDB) CreateReceipt(_ context.Context, r *model.Receipt) error {
	return b.insert(receiptsBucket, r.ID, r)
}

// UpdateReceipt overwrites an existing receipt
func (b *BoltDB) UpdateReceipt(_ context.Context, r *model.Receipt) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		var existing model.Receipt
		if err := get(tx, receiptsBucket, r.ID, &existing); err != nil {
			return err
		}
		return put(tx, receiptsBucket, r.ID, r)
	})
}

// GetReceipt retrieves a receipt by ID
func (b *BoltDB) GetReceipt(_ context.Context, id string) (*model.Receipt, error) {
	var r model.Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		return get(tx, receiptsBucket, id, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateSubscription inserts a new subscription
func (b *BoltDB) CreateSubscription(_ context.Context, s *model.Subscription) error {
	return b.insert(subscriptionsBucket, s.ID, s)
}

// GetSubscription retrieves a subscription by ID
func (b *BoltDB) GetSubscription(_ context.Context, id string) (*model.Subscription, error) {
	var s model.Subscription
	err := b.db.View(func(tx *bbolt.Tx) error {
		return get(tx, subscriptionsBucket, id, &s)
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// DueSubscriptions returns active subscriptions charging on one of dates.
// Subscriptions whose owner has no user row are skipped, like an inner join.
func (b *BoltDB) DueSubscriptions(_ context.Context, dates []string) ([]model.DueSubscription, error) {
	due := make([]model.DueSubscription, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return each(tx, subscriptionsBucket, func(s *model.Subscription) error {
			if !s.IsActive || s.IsDeleted || s.NextChargeDate == nil || !slices.Contains(dates, *s.NextChargeDate) {
				return nil
			}
			var u model.User
			if err := get(tx, usersBucket, s.UserID, &u); err != nil {
				return nil
			}
			due = append(due, model.DueSubscription{Subscription: *s, Preferences: u.NotificationPreferences})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(due, func(i, j int) bool {
		if *due[i].NextChargeDate != *due[j].NextChargeDate {
			return *due[i].NextChargeDate < *due[j].NextChargeDate
		}
		return due[i].ID < due[j].ID
	})
	return due, nil
}

// CreateAuditLog appends an audit entry
func (b *BoltDB) CreateAuditLog(_ context.Context, l *model.AuditLog) error {
	return b.insert(auditLogsBucket, l.ID, l)
}

// AuditLogs returns every audit entry for entityID
func (b *BoltDB) AuditLogs(_ context.Context, entityID string) ([]model.AuditLog, error) {
	logs := make([]model.AuditLog, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return each(tx, auditLogsBucket, func(l *model.AuditLog) error {
			if l.EntityID == entityID {
				logs = append(logs, *l)
			}
			return nil
		})
	})
	return logs, err
}

// FindDevice looks up a registration by owner and token
func (b *BoltDB) FindDevice(_ context.Context, userID, fcmToken string) (*model.UserDevice, error) {
	var found *model.UserDevice
	err := b.db.View(func(tx *bbolt.Tx) error {
		return each(tx, devicesBucket, func(d *model.UserDevice) error {
			if d.UserID == userID && d.FCMToken == fcmToken {
				found = d
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("device for user %s: %w", userID, ErrNotFound)
	}
	return found, nil
}

// SaveDevice inserts or replaces a registration
func (b *BoltDB) SaveDevice(_ context.Context, d *model.UserDevice) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, devicesBucket, d.ID, d)
	})
}

// DeactivateDevices marks the owner's other active tokens on platform inactive
func (b *BoltDB) DeactivateDevices(_ context.Context, userID string, platform model.DevicePlatform, exceptToken string, at time.Time) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		var stale []*model.UserDevice
		err := each(tx, devicesBucket, func(d *model.UserDevice) error {
			if d.UserID == userID && d.DevicePlatform == platform && d.IsActive && d.FCMToken != exceptToken {
				stale = append(stale, d)
			}
			return nil
		})
		if err != nil {
			return err
		}
		// bbolt forbids writes inside ForEach
		for _, d := range stale {
			d.IsActive = false
			d.UpdatedAt = at
			if err := put(tx, devicesBucket, d.ID, d); err != nil {
				return err
			}
		}
		return nil
	})
}

// ActiveDevices lists the owner's active registrations, oldest first
func (b *BoltDB) ActiveDevices(_ context.Context, userID string) ([]model.UserDevice, error) {
	devices := make([]model.UserDevice, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return each(tx, devicesBucket, func(d *model.UserDevice) error {
			if d.UserID == userID && d.IsActive {
				devices = append(devices, *d)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].CreatedAt.Before(devices[j].CreatedAt)
	})
	return devices, nil
}

// NotifiedSince reports whether a log entry for the subscription and type exists at or after since
func (b *BoltDB) NotifiedSince(_ context.Context, subscriptionID string, t model.NotificationType, since time.Time) (bool, error) {
	found := false
	err := b.db.View(func(tx *bbolt.Tx) error {
		return each(tx, notificationLogsBucket, func(l *model.NotificationLog) error {
			if l.SubscriptionID == subscriptionID && l.NotificationType == t && !l.CreatedAt.Before(since) {
				found = true
			}
			return nil
		})
	})
	return found, err
}

// CreateNotificationLog appends a send attempt
func (b *BoltDB) CreateNotificationLog(_ context.Context, l *model.NotificationLog) error {
	return b.insert(notificationLogsBucket, l.ID, l)
}

// NotificationLogs returns every send attempt for subscriptionID
func (b *BoltDB) NotificationLogs(_ context.Context, subscriptionID string) ([]model.NotificationLog, error) {
	logs := make([]model.NotificationLog, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return each(tx, notificationLogsBucket, func(l *model.NotificationLog) error {
			if l.SubscriptionID == subscriptionID {
				logs = append(logs, *l)
			}
			return nil
		})
	})
	return logs, err
}

// EnsureUser inserts the user if no row with its ID exists
func (b *BoltDB) EnsureUser(_ context.Context, u *model.User) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(usersBucket)).Get([]byte(u.ID)) != nil {
			return nil
		}
		return put(tx, usersBucket, u.ID, u)
	})
}

// SaveUser inserts or replaces a user
func (b *BoltDB) SaveUser(_ context.Context, u *model.User) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, usersBucket, u.ID, u)
	})
}

// GetUser retrieves a user by ID
func (b *BoltDB) GetUser(_ context.Context, id string) (*model.User, error) {
	var u model.User
	err := b.db.View(func(tx *bbolt.Tx) error {
		return get(tx, usersBucket, id, &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Close closes the database
func (b *BoltDB) Close() error {
	return b.db.Close()
}
