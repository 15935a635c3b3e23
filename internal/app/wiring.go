package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/manabi-erp/manabi/internal/billing"
	"github.com/manabi-erp/manabi/internal/billing/generator"
	"github.com/manabi-erp/manabi/internal/billing/runctl"
	"github.com/manabi-erp/manabi/internal/directory"
	"github.com/manabi-erp/manabi/internal/discount"
	"github.com/manabi-erp/manabi/internal/platform/cache"
	"github.com/manabi-erp/manabi/internal/platform/db"
	"github.com/manabi-erp/manabi/internal/settlement"
)

// Services bundles the domain services shared by the API server, the worker and the CLI.
type Services struct {
	Directory      *directory.PGDirectory
	Billings       *billing.Store
	Generator      *generator.Generator
	Discounts      *discount.Engine
	SettlementRepo settlement.Repository
	Settlement     *settlement.Service
	Runs           *runctl.Control
}

// NewServices wires the PostgreSQL repositories and Redis run control into services.
func NewServices(cfg *Config, pool *pgxpool.Pool, redisClient *redis.Client, logger *slog.Logger) (*Services, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: config required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	rate, err := cfg.CorporateRate()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	dir := directory.NewPGDirectory(pool)
	store := billing.NewStore(billing.NewPGRepository(pool), logger)
	merger := billing.NewAdjustmentMerger(store, dir, logger)
	gen := generator.New(store, dir.Sources(),
		generator.WithAdjustmentMerger(merger),
		generator.WithMessageCap(cfg.BillingMessageCap),
		generator.WithLocation(loc),
		generator.WithLogger(logger),
	)

	corporate := discount.NewCorporatePass(store, dir, rate, logger)
	mile := discount.NewFamilyMilePass(store, dir, discount.MilePolicy{
		UnitPoints: cfg.MileUnitPoints,
		YenPerUnit: cfg.MileYenPerUnit,
		MaxYen:     cfg.MileMaxYen,
	}, logger)
	engine := discount.NewEngine(corporate, mile, logger).WithMessageCap(cfg.BillingMessageCap)

	settlementRepo := settlement.NewPGRepository(pool)
	settlementService := settlement.NewService(settlementRepo, dir, logger)
	settlementService.WithMessageCap(cfg.BillingMessageCap)

	var runs *runctl.Control
	if redisClient != nil {
		runs = runctl.New(redisClient, cfg.BillingRunTTL)
	}

	return &Services{
		Directory:      dir,
		Billings:       store,
		Generator:      gen,
		Discounts:      engine,
		SettlementRepo: settlementRepo,
		Settlement:     settlementService,
		Runs:           runs,
	}, nil
}

// SyncProviders upserts the providers declared in SETTLEMENT_PROVIDERS_FILE. It is a
// no-op when the file is not configured.
func (s *Services) SyncProviders(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	if cfg == nil || cfg.SettlementProvidersFile == "" {
		return nil
	}
	providers, err := settlement.LoadProviderFile(cfg.SettlementProvidersFile)
	if err != nil {
		return err
	}
	saved, err := settlement.SyncProviders(ctx, s.SettlementRepo, providers)
	if err != nil {
		return err
	}
	if logger != nil {
		logger.Info("payment providers synced", slog.Int("count", len(saved)), slog.String("file", cfg.SettlementProvidersFile))
	}
	return nil
}

// Connect opens the PostgreSQL pool and the Redis client. The returned closer releases both.
// appName tags the database sessions of the calling process.
func Connect(ctx context.Context, cfg *Config, appName string) (*pgxpool.Pool, *redis.Client, func(), error) {
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PoolOptions(appName))
	if err != nil {
		return nil, nil, nil, err
	}
	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	closer := func() {
		_ = redisClient.Close()
		pool.Close()
	}
	return pool, redisClient, closer, nil
}
