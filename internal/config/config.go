package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
)

// EnvPrefix is prepended to every flag name to form its environment variable
const EnvPrefix = "RECEIPTSNAP"

const (
	StoreBolt     = "bolt"
	StorePostgres = "postgres"

	StorageLocal = "local"
	StorageGCS   = "gcs"

	ExtractorFireworks = "fireworks"
	ExtractorGemini    = "gemini"
)

// Config is the process configuration
type Config struct {
	Port     int
	LogLevel string

	Store       string
	DBPath      string
	DatabaseURL string
	Migrate     bool

	Storage       string
	StoragePath   string
	StorageBucket string

	Extractor      string
	FireworksKey   string
	FireworksModel string
	FireworksURL   string
	GeminiKey      string
	GeminiModel    string

	FirebaseProjectID   string
	FirebaseClientEmail string
	FirebasePrivateKey  string

	JWTSecret  string
	CronSecret string
	Timezone   string

	NotifyOnce  bool
	ShowVersion bool
}

// UsageError is a parse failure together with the flag help text
type UsageError struct {
	Usage string
	Err   error
}

func (e *UsageError) Error() string { return e.Err.Error() }
func (e *UsageError) Unwrap() error { return e.Err }

// Load reads an optional env file, then flags and RECEIPTSNAP_* environment variables.
// Flags win over the environment.
func Load(args []string) (*Config, error) {
	envFile := os.Getenv(EnvPrefix + "_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading %s: %w", envFile, err)
	}

	flags := ff.NewFlagSet("receiptsnap")
	var (
		port        = flags.IntLong("port", 8080, "HTTP server port")
		logLevel    = flags.StringLong("log-level", "info", "Log level: debug, info, warn, error")
		store       = flags.StringLong("store", StoreBolt, "Database backend: 'bolt' or 'postgres'")
		dbPath      = flags.StringLong("db", "receiptsnap.db", "bbolt database file path")
		databaseURL = flags.StringLong("database-url", "", "PostgreSQL connection URL")
		skipMigrate = flags.BoolLong("skip-migrate", "Do not apply the schema on startup (postgres only)")

		storage       = flags.StringLong("storage", StorageLocal, "Object storage: 'local' or 'gcs'")
		storagePath   = flags.StringLong("storage-path", "./receipts", "Local storage directory path")
		storageBucket = flags.StringLong("storage-bucket", "", "GCS bucket name")

		extractor      = flags.StringLong("extractor", ExtractorFireworks, "Extraction model provider: 'fireworks' or 'gemini'")
		fireworksKey   = flags.StringLong("fireworks-api-key", "", "Fireworks API key (or FIREWORKS_API_KEY)")
		fireworksModel = flags.StringLong("fireworks-model", "", "Fireworks vision model id")
		fireworksURL   = flags.StringLong("fireworks-url", "", "Fireworks chat completions URL")
		geminiKey      = flags.StringLong("gemini-api-key", "", "Google Gemini API key (or GEMINI_API_KEY)")
		geminiModel    = flags.StringLong("gemini-model", "", "Google Gemini model name")

		firebaseProject = flags.StringLong("firebase-project-id", "", "Firebase project id (or FIREBASE_PROJECT_ID)")
		firebaseEmail   = flags.StringLong("firebase-client-email", "", "Firebase service account email (or FIREBASE_CLIENT_EMAIL)")
		firebaseKey     = flags.StringLong("firebase-private-key", "", "Firebase service account PEM key (or FIREBASE_PRIVATE_KEY)")

		jwtSecret  = flags.StringLong("jwt-secret", "", "Shared secret that signs user access tokens (or JWT_SECRET)")
		cronSecret = flags.StringLong("cron-secret", "", "Bearer secret required by notify-renewals (optional)")
		timezone   = flags.StringLong("timezone", "UTC", "IANA zone that defines the scheduler's calendar day")

		notifyOnce  = flags.BoolLong("notify-once", "Run one renewal scan and exit")
		showVersion = flags.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(flags, args, ff.WithEnvVarPrefix(EnvPrefix)); err != nil {
		return nil, &UsageError{Usage: fmt.Sprintf("%s", ffhelp.Flags(flags)), Err: err}
	}

	return &Config{
		Port:     *port,
		LogLevel: *logLevel,

		Store:       *store,
		DBPath:      *dbPath,
		DatabaseURL: *databaseURL,
		Migrate:     !*skipMigrate,

		Storage:       *storage,
		StoragePath:   *storagePath,
		StorageBucket: *storageBucket,

		Extractor:      *extractor,
		FireworksKey:   orEnv(*fireworksKey, "FIREWORKS_API_KEY"),
		FireworksModel: *fireworksModel,
		FireworksURL:   *fireworksURL,
		GeminiKey:      orEnv(*geminiKey, "GEMINI_API_KEY"),
		GeminiModel:    *geminiModel,

		FirebaseProjectID:   orEnv(*firebaseProject, "FIREBASE_PROJECT_ID"),
		FirebaseClientEmail: orEnv(*firebaseEmail, "FIREBASE_CLIENT_EMAIL"),
		FirebasePrivateKey:  orEnv(*firebaseKey, "FIREBASE_PRIVATE_KEY"),

		JWTSecret:  orEnv(*jwtSecret, "JWT_SECRET"),
		CronSecret: *cronSecret,
		Timezone:   *timezone,

		NotifyOnce:  *notifyOnce,
		ShowVersion: *showVersion,
	}, nil
}

// orEnv falls back to the conventional unprefixed variable for vendor secrets
func orEnv(v, key string) string {
	if v != "" {
		return v
	}
	return os.Getenv(key)
}

// Validate reports every missing or invalid setting at once
func (c *Config) Validate() error {
	var errs []error
	require := func(v, name string) {
		if v == "" {
			errs = append(errs, fmt.Errorf("missing required setting %s", name))
		}
	}

	require(c.FirebaseProjectID, "firebase-project-id")
	require(c.FirebaseClientEmail, "firebase-client-email")
	require(c.FirebasePrivateKey, "firebase-private-key")
	require(c.JWTSecret, "jwt-secret")

	switch c.Extractor {
	case ExtractorFireworks:
		require(c.FireworksKey, "fireworks-api-key")
	case ExtractorGemini:
		require(c.GeminiKey, "gemini-api-key")
	default:
		errs = append(errs, fmt.Errorf("invalid extractor %q (must be fireworks or gemini)", c.Extractor))
	}

	switch c.Store {
	case StoreBolt:
		require(c.DBPath, "db")
	case StorePostgres:
		require(c.DatabaseURL, "database-url")
	default:
		errs = append(errs, fmt.Errorf("invalid store %q (must be bolt or postgres)", c.Store))
	}

	switch c.Storage {
	case StorageLocal:
		require(c.StoragePath, "storage-path")
	case StorageGCS:
		require(c.StorageBucket, "storage-bucket")
	default:
		errs = append(errs, fmt.Errorf("invalid storage %q (must be local or gcs)", c.Storage))
	}

	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Location is the scheduler's time zone
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
