package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/zombor/receiptsnap/internal/model"
)

//go:embed schema.sql
var schema string

// pgxPool is the subset of *pgxpool.Pool used by Postgres
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Postgres implements DB on PostgreSQL
type Postgres struct {
	db     pgxPool
	logger *zap.Logger
}

// NewPool connects to databaseURL and verifies the connection
func NewPool(ctx context.Context, databaseURL string, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connection established",
		zap.String("host", poolConfig.ConnConfig.Host),
		zap.String("database", poolConfig.ConnConfig.Database),
	)
	return pool, nil
}

// NewPostgres wraps a pool
func NewPostgres(pool *pgxpool.Pool, logger *zap.Logger) *Postgres {
	return &Postgres{db: pool, logger: logger}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	p.logger.Info("Database schema applied")
	return nil
}

func psql() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

func (p *Postgres) exec(ctx context.Context, q squirrel.Sqlizer) error {
	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building query: %w", err)
	}
	_, err = p.db.Exec(ctx, sql, args...)
	return err
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

// dateArg converts a DateLayout string to a value pgx can bind to a DATE column
func dateArg(s *string) any {
	if s == nil {
		return nil
	}
	t, err := time.Parse(model.DateLayout, *s)
	if err != nil {
		return nil
	}
	return t
}

func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

var receiptColumns = []string{
	"id", "user_id", "storage_path", "original_filename", "file_size_bytes", "mime_type",
	"processing_status", "raw_llm_response", "error_message", "llm_model", "llm_tokens_used",
	"llm_cost_usd", "created_at", "processed_at",
}

func insertReceiptQuery(r *model.Receipt) squirrel.InsertBuilder {
	return psql().Insert("receipts").
		Columns(receiptColumns...).
		Values(r.ID, r.UserID, r.StoragePath, r.OriginalFilename, r.FileSizeBytes, r.MimeType,
			string(r.ProcessingStatus), jsonArg(r.RawLLMResponse), r.ErrorMessage, r.LLMModel, r.LLMTokensUsed,
			r.LLMCostUSD, r.CreatedAt, r.ProcessedAt)
}

// CreateReceipt inserts a new receipt
func (p *Postgres) CreateReceipt(ctx context.Context, r *model.Receipt) error {
	return p.exec(ctx, insertReceiptQuery(r))
}

func updateReceiptQuery(r *model.Receipt) squirrel.UpdateBuilder {
	return psql().Update("receipts").SetMap(map[string]any{
		"storage_path":      r.StoragePath,
		"file_size_bytes":   r.FileSizeBytes,
		"processing_status": string(r.ProcessingStatus),
		"raw_llm_response":  jsonArg(r.RawLLMResponse),
		"error_message":     r.ErrorMessage,
		"llm_model":         r.LLMModel,
		"llm_tokens_used":   r.LLMTokensUsed,
		"llm_cost_usd":      r.LLMCostUSD,
		"processed_at":      r.ProcessedAt,
	}).Where(squirrel.Eq{"id": r.ID})
}

// UpdateReceipt overwrites the mutable columns of a receipt
func (p *Postgres) UpdateReceipt(ctx context.Context, r *model.Receipt) error {
	sql, args, err := updateReceiptQuery(r).ToSql()
	if err != nil {
		return fmt.Errorf("building query: %w", err)
	}
	tag, err := p.db.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("receipt %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

// GetReceipt retrieves a receipt by ID
func (p *Postgres) GetReceipt(ctx context.Context, id string) (*model.Receipt, error) {
	sql, args, err := psql().Select(receiptColumns...).From("receipts").Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}

	var (
		r      model.Receipt
		status string
		raw    []byte
	)
	err = p.db.QueryRow(ctx, sql, args...).Scan(
		&r.ID, &r.UserID, &r.StoragePath, &r.OriginalFilename, &r.FileSizeBytes, &r.MimeType,
		&status, &raw, &r.ErrorMessage, &r.LLMModel, &r.LLMTokensUsed,
		&r.LLMCostUSD, &r.CreatedAt, &r.ProcessedAt,
	)
	if err != nil {
		return nil, notFound(err, "receipt "+id)
	}
	r.ProcessingStatus = model.ProcessingStatus(status)
	r.RawLLMResponse = raw
	return &r, nil
}

// subscriptionColumns lists the subscription columns with date columns rendered as text
func subscriptionColumns(prefix string) []string {
	c := func(name string) string { return prefix + name }
	d := func(name string) string { return c(name) + "::text" }
	return []string{
		c("id"), c("user_id"), c("receipt_id"), c("subscription_name"), c("billing_entity"),
		c("amount"), c("currency"), c("billing_cycle"), d("start_date"), d("next_charge_date"),
		d("last_charge_date"), d("cancellation_deadline"), c("cancellation_policy"), c("payment_method"),
		c("renewal_terms"), c("confidence_score"), c("user_verified"), c("is_active"), c("is_deleted"),
		c("created_at"), c("updated_at"),
	}
}

func scanSubscription(row pgx.Row, s *model.Subscription, extra ...any) error {
	var cycle string
	dest := []any{
		&s.ID, &s.UserID, &s.ReceiptID, &s.SubscriptionName, &s.BillingEntity,
		&s.Amount, &s.Currency, &cycle, &s.StartDate, &s.NextChargeDate,
		&s.LastChargeDate, &s.CancellationDeadline, &s.CancellationPolicy, &s.PaymentMethod,
		&s.RenewalTerms, &s.ConfidenceScore, &s.UserVerified, &s.IsActive, &s.IsDeleted,
		&s.CreatedAt, &s.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return err
	}
	s.BillingCycle = model.BillingCycle(cycle)
	return nil
}

func insertSubscriptionQuery(s *model.Subscription) squirrel.InsertBuilder {
	return psql().Insert("subscriptions").
		Columns(
			"id", "user_id", "receipt_id", "subscription_name", "billing_entity",
			"amount", "currency", "billing_cycle", "start_date", "next_charge_date",
			"last_charge_date", "cancellation_deadline", "cancellation_policy", "payment_method",
			"renewal_terms", "confidence_score", "user_verified", "is_active", "is_deleted",
			"created_at", "updated_at",
		).
		Values(
			s.ID, s.UserID, s.ReceiptID, s.SubscriptionName, s.BillingEntity,
			s.Amount, s.Currency, string(s.BillingCycle), dateArg(s.StartDate), dateArg(s.NextChargeDate),
			dateArg(s.LastChargeDate), dateArg(s.CancellationDeadline), s.CancellationPolicy, s.PaymentMethod,
			s.RenewalTerms, s.ConfidenceScore, s.UserVerified, s.IsActive, s.IsDeleted,
			s.CreatedAt, s.UpdatedAt,
		)
}

// CreateSubscription inserts a new subscription
func (p *Postgres) CreateSubscription(ctx context.Context, s *model.Subscription) error {
	return p.exec(ctx, insertSubscriptionQuery(s))
}

// GetSubscription retrieves a subscription by ID
func (p *Postgres) GetSubscription(ctx context.Context, id string) (*model.Subscription, error) {
	sql, args, err := psql().Select(subscriptionColumns("")...).From("subscriptions").Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	var s model.Subscription
	if err := scanSubscription(p.db.QueryRow(ctx, sql, args...), &s); err != nil {
		return nil, notFound(err, "subscription "+id)
	}
	return &s, nil
}

func dueSubscriptionsQuery(dates []string) squirrel.SelectBuilder {
	targets := make([]any, 0, len(dates))
	for _, d := range dates {
		targets = append(targets, dateArg(&d))
	}
	return psql().Select(append(subscriptionColumns("s."), "u.notification_preferences")...).
		From("subscriptions s").
		Join("users u ON u.id = s.user_id").
		Where(squirrel.Eq{
			"s.is_active":        true,
			"s.is_deleted":       false,
			"s.next_charge_date": targets,
		}).
		OrderBy("s.next_charge_date", "s.id")
}

// DueSubscriptions returns active subscriptions charging on one of dates
func (p *Postgres) DueSubscriptions(ctx context.Context, dates []string) ([]model.DueSubscription, error) {
	sql, args, err := dueSubscriptionsQuery(dates).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}

	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	due := make([]model.DueSubscription, 0)
	for rows.Next() {
		var d model.DueSubscription
		if err := scanSubscription(rows, &d.Subscription, &d.Preferences); err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		due = append(due, d)
	}
	return due, rows.Err()
}

// CreateAuditLog appends an audit entry
func (p *Postgres) CreateAuditLog(ctx context.Context, l *model.AuditLog) error {
	return p.exec(ctx, psql().Insert("audit_logs").
		Columns("id", "user_id", "entity_type", "entity_id", "action", "new_values", "created_at").
		Values(l.ID, l.UserID, l.EntityType, l.EntityID, l.Action, jsonArg(l.NewValues), l.CreatedAt))
}

var deviceColumns = []string{
	"id", "user_id", "fcm_token", "device_platform", "device_name", "is_active", "created_at", "updated_at",
}

func scanDevice(row pgx.Row, d *model.UserDevice) error {
	var platform string
	if err := row.Scan(&d.ID, &d.UserID, &d.FCMToken, &platform, &d.DeviceName, &d.IsActive, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return err
	}
	d.DevicePlatform = model.DevicePlatform(platform)
	return nil
}

// FindDevice looks up a registration by owner and token
func (p *Postgres) FindDevice(ctx context.Context, userID, fcmToken string) (*model.UserDevice, error) {
	sql, args, err := psql().Select(deviceColumns...).From("user_devices").
		Where(squirrel.Eq{"user_id": userID, "fcm_token": fcmToken}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	var d model.UserDevice
	if err := scanDevice(p.db.QueryRow(ctx, sql, args...), &d); err != nil {
		return nil, notFound(err, "device for user "+userID)
	}
	return &d, nil
}

func saveDeviceQuery(d *model.UserDevice) squirrel.InsertBuilder {
	return psql().Insert("user_devices").
		Columns(deviceColumns...).
		Values(d.ID, d.UserID, d.FCMToken, string(d.DevicePlatform), d.DeviceName, d.IsActive, d.CreatedAt, d.UpdatedAt).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			fcm_token = EXCLUDED.fcm_token,
			device_platform = EXCLUDED.device_platform,
			device_name = EXCLUDED.device_name,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at`)
}

// SaveDevice inserts or replaces a registration
func (p *Postgres) SaveDevice(ctx context.Context, d *model.UserDevice) error {
	return p.exec(ctx, saveDeviceQuery(d))
}

func deactivateDevicesQuery(userID string, platform model.DevicePlatform, exceptToken string, at time.Time) squirrel.UpdateBuilder {
	return psql().Update("user_devices").
		Set("is_active", false).
		Set("updated_at", at).
		Where(squirrel.Eq{"user_id": userID, "device_platform": string(platform), "is_active": true}).
		Where(squirrel.NotEq{"fcm_token": exceptToken})
}

// DeactivateDevices marks the owner's other active tokens on platform inactive
func (p *Postgres) DeactivateDevices(ctx context.Context, userID string, platform model.DevicePlatform, exceptToken string, at time.Time) error {
	return p.exec(ctx, deactivateDevicesQuery(userID, platform, exceptToken, at))
}

// ActiveDevices lists the owner's active registrations, oldest first
func (p *Postgres) ActiveDevices(ctx context.Context, userID string) ([]model.UserDevice, error) {
	sql, args, err := psql().Select(deviceColumns...).From("user_devices").
		Where(squirrel.Eq{"user_id": userID, "is_active": true}).
		OrderBy("created_at").ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}

	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := make([]model.UserDevice, 0)
	for rows.Next() {
		var d model.UserDevice
		if err := scanDevice(rows, &d); err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func notifiedSinceQuery(subscriptionID string, t model.NotificationType, since time.Time) squirrel.SelectBuilder {
	return psql().Select("1").From("notification_logs").
		Where(squirrel.Eq{"subscription_id": subscriptionID, "notification_type": string(t)}).
		Where(squirrel.GtOrEq{"created_at": since}).
		Limit(1)
}

// NotifiedSince reports whether a log entry for the subscription and type exists at or after since
func (p *Postgres) NotifiedSince(ctx context.Context, subscriptionID string, t model.NotificationType, since time.Time) (bool, error) {
	sql, args, err := notifiedSinceQuery(subscriptionID, t, since).ToSql()
	if err != nil {
		return false, fmt.Errorf("building query: %w", err)
	}
	var one int
	err = p.db.QueryRow(ctx, sql, args...).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateNotificationLog appends a send attempt
func (p *Postgres) CreateNotificationLog(ctx context.Context, l *model.NotificationLog) error {
	return p.exec(ctx, psql().Insert("notification_logs").
		Columns("id", "user_id", "subscription_id", "notification_type", "fcm_message_id", "status", "error_message", "created_at").
		Values(l.ID, l.UserID, l.SubscriptionID, string(l.NotificationType), l.FCMMessageID, string(l.Status), l.ErrorMessage, l.CreatedAt))
}

func ensureUserQuery(u *model.User) squirrel.InsertBuilder {
	return psql().Insert("users").
		Columns("id", "email", "display_name", "timezone", "notification_preferences", "created_at", "updated_at").
		Values(u.ID, u.Email, u.DisplayName, u.Timezone, u.NotificationPreferences, u.CreatedAt, u.UpdatedAt).
		Suffix("ON CONFLICT (id) DO NOTHING")
}

// EnsureUser inserts the user if no row with its ID exists
func (p *Postgres) EnsureUser(ctx context.Context, u *model.User) error {
	return p.exec(ctx, ensureUserQuery(u))
}

// GetUser retrieves a user by ID
func (p *Postgres) GetUser(ctx context.Context, id string) (*model.User, error) {
	sql, args, err := psql().
		Select("id", "email", "display_name", "timezone", "notification_preferences", "created_at", "updated_at").
		From("users").Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	var u model.User
	err = p.db.QueryRow(ctx, sql, args...).Scan(
		&u.ID, &u.Email, &u.DisplayName, &u.Timezone, &u.NotificationPreferences, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "user "+id)
	}
	return &u, nil
}

// Close closes the pool
func (p *Postgres) Close() error {
	p.db.Close()
	return nil
}
