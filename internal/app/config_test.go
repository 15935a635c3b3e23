package app

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	_ "github.com/manabi-erp/manabi/testing"
)

func validConfig() *Config {
	return &Config{
		AppEnv:                   "development",
		AppTimezone:              "Asia/Tokyo",
		PGDSN:                    "postgres://localhost/manabi",
		PGMaxConns:               10,
		BillingWorkerConcurrency: 5,
		BillingTenantParallelism: 4,
		BillingMessageCap:        20,
		BillingRunTTL:            time.Hour,
		DiscountCorporateRate:    "0.5",
		MileUnitPoints:           500,
		MileYenPerUnit:           500,
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, "0 2 20 * *", cfg.BillingGenerateCron)
	require.Equal(t, 24*time.Hour, cfg.BillingRunTTL)
	require.Equal(t, int64(500), cfg.MileUnitPoints)
	require.Equal(t, int32(10), cfg.PGMaxConns)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("DISCOUNT_CORPORATE_RATE", "0.3")
	t.Setenv("BILLING_TENANT_PARALLELISM", "8")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.True(t, cfg.IsProduction())
	require.Equal(t, 8, cfg.BillingTenantParallelism)
	rate, err := cfg.CorporateRate()
	require.NoError(t, err)
	require.True(t, rate.Equal(decimal.RequireFromString("0.3")))
}

func TestConfigValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"empty dsn":      func(c *Config) { c.PGDSN = "" },
		"rate above one": func(c *Config) { c.DiscountCorporateRate = "1.5" },
		"negative rate":  func(c *Config) { c.DiscountCorporateRate = "-0.1" },
		"rate garbage":   func(c *Config) { c.DiscountCorporateRate = "half" },
		"mile unit zero": func(c *Config) { c.MileUnitPoints = 0 },
		"no parallelism": func(c *Config) { c.BillingTenantParallelism = 0 },
		"min above max":  func(c *Config) { c.PGMinConns = 11 },
		"bad timezone":   func(c *Config) { c.AppTimezone = "Mars/Olympus" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
	require.NoError(t, validConfig().Validate())
}

func TestConfigConnectionOptions(t *testing.T) {
	cfg := validConfig()
	cfg.PGMinConns = 2
	cfg.PGMaxConnLifetime = time.Hour
	cfg.RedisAddr = "redis:6379"
	cfg.RedisPassword = "pw"
	cfg.RedisDB = 3

	pool := cfg.PoolOptions("manabi-worker")
	require.Equal(t, int32(10), pool.MaxConns)
	require.Equal(t, int32(2), pool.MinConns)
	require.Equal(t, time.Hour, pool.MaxConnLifetime)
	require.Equal(t, "manabi-worker", pool.AppName)

	redisOpts := cfg.RedisOptions()
	require.Equal(t, "redis:6379", redisOpts.Addr)
	require.Equal(t, 3, redisOpts.DB)

	queue := cfg.QueueRedis()
	require.Equal(t, redisOpts.Addr, queue.Addr)
	require.Equal(t, "pw", queue.Password)
	require.Equal(t, 3, queue.DB)
}

func TestConfigLocation(t *testing.T) {
	loc, err := validConfig().Location()
	require.NoError(t, err)
	require.Equal(t, "Asia/Tokyo", loc.String())
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&Config{LogFormat: "json", LogLevel: "warn"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "tenant_id", 3)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	require.Equal(t, "shown", entry["msg"])
	require.Equal(t, float64(3), entry["tenant_id"])

	buf.Reset()
	newLogger(nil, &buf).Debug("dropped")
	require.Empty(t, buf.String())
}
