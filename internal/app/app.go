package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/zombor/receiptsnap/internal/api"
	"github.com/zombor/receiptsnap/internal/config"
	"github.com/zombor/receiptsnap/internal/device"
	"github.com/zombor/receiptsnap/internal/extraction"
	"github.com/zombor/receiptsnap/internal/identity"
	"github.com/zombor/receiptsnap/internal/notify"
	"github.com/zombor/receiptsnap/internal/push"
	"github.com/zombor/receiptsnap/internal/receipt"
	"github.com/zombor/receiptsnap/internal/store"
)

// App is the fully wired backend
type App struct {
	Server    *api.Server
	Scheduler *notify.Scheduler

	closers []func() error
}

// Close releases every resource opened by Build, in reverse order
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build validates cfg and wires the store, object storage, extractor, push client and services
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	a := &App{}
	fail := func(err error) (*App, error) {
		_ = a.Close()
		return nil, err
	}

	db, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	a.closers = append(a.closers, db.Close)

	objects, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	if c, ok := objects.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	extractor, err := openExtractor(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	a.closers = append(a.closers, extractor.Close)

	sender, err := push.NewFromConfig(push.Config{
		Account: push.ServiceAccount{
			ProjectID:   cfg.FirebaseProjectID,
			ClientEmail: cfg.FirebaseClientEmail,
			PrivateKey:  cfg.FirebasePrivateKey,
		},
	})
	if err != nil {
		return fail(fmt.Errorf("initializing push client: %w", err))
	}

	a.Scheduler = notify.NewScheduler(db, sender, logger.Named("notify"), loc)
	a.Server = api.NewServer(api.Services{
		Receipts: receipt.NewService(db, extractor, objects, logger.Named("receipt")),
		Devices:  device.NewService(db, logger.Named("device")),
		Renewals: a.Scheduler,
		Verifier: identity.NewJWTVerifier(cfg.JWTSecret),
		Users:    db,
	}, cfg.CronSecret, logger.Named("api"))

	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.DB, error) {
	switch cfg.Store {
	case config.StorePostgres:
		pool, err := store.NewPool(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		pg := store.NewPostgres(pool, logger.Named("postgres"))
		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return nil, err
			}
		}
		return pg, nil
	default:
		logger.Info("Initializing database", zap.String("path", cfg.DBPath))
		return store.NewBoltDB(cfg.DBPath)
	}
}

func openStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (receipt.Storage, error) {
	switch cfg.Storage {
	case config.StorageGCS:
		logger.Info("Initializing storage", zap.String("bucket", cfg.StorageBucket))
		return receipt.NewGCSStorage(ctx, cfg.StorageBucket)
	default:
		logger.Info("Initializing storage", zap.String("path", cfg.StoragePath))
		return receipt.NewLocalStorage(cfg.StoragePath)
	}
}

func openExtractor(ctx context.Context, cfg *config.Config, logger *zap.Logger) (extraction.Extractor, error) {
	switch cfg.Extractor {
	case config.ExtractorGemini:
		logger.Info("Initializing Gemini extractor", zap.String("model", cfg.GeminiModel))
		return extraction.NewGemini(ctx, cfg.GeminiKey, cfg.GeminiModel)
	default:
		fw, err := extraction.NewFireworks(extraction.FireworksConfig{
			APIKey:  cfg.FireworksKey,
			BaseURL: cfg.FireworksURL,
			Model:   cfg.FireworksModel,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("Initializing Fireworks extractor", zap.String("model", fw.Model()))
		return fw, nil
	}
}
