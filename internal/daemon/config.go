package daemon

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
)

// Store drivers.
const (
	StoreDriverGORM   = "gorm"
	StoreDriverPGX    = "pgx"
	StoreDriverMemory = "memory"
)

// Refill schedulers.
const (
	RefillQueueInline = "inline"
	RefillQueueRiver  = "river"
)

const (
	defaultDatabaseURL     = "sqlite:///tmp/creditmeter.db"
	defaultHTTPListenAddr  = ":8080"
	defaultGRPCListenAddr  = ":7000"
	defaultRequestTimeout  = 10 * time.Second
	defaultMaxAttempts     = 3
	defaultRiverMaxWorkers = 10
	defaultLogLevel        = "info"
)

var defaultEnvironments = []string{"sandbox", "production"}

// PlanSeed is a subscription plan registered at start-up.
type PlanSeed struct {
	PlanID                 string `mapstructure:"plan_id"`
	Environment            string `mapstructure:"environment"`
	Name                   string `mapstructure:"name"`
	MonthlyCreditAllowance int64  `mapstructure:"monthly_credit_allowance"`
}

// Config aggregates runtime settings for creditd.
type Config struct {
	DatabaseURL     string        `mapstructure:"database_url"`
	StoreDriver     string        `mapstructure:"store_driver"`
	HTTPListenAddr  string        `mapstructure:"http_listen_addr"`
	GRPCListenAddr  string        `mapstructure:"grpc_listen_addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	Environments    []string      `mapstructure:"environments"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	RefillQueue     string        `mapstructure:"refill_queue"`
	RiverMaxWorkers int           `mapstructure:"river_max_workers"`
	LogLevel        string        `mapstructure:"log_level"`
	Plans           []PlanSeed    `mapstructure:"plans"`
}

// Validate fills defaults and rejects inconsistent settings.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StoreDriver = strings.ToLower(defaultIfEmpty(cfg.StoreDriver, StoreDriverGORM))
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	cfg.RefillQueue = strings.ToLower(defaultIfEmpty(cfg.RefillQueue, RefillQueueInline))
	cfg.LogLevel = defaultIfEmpty(cfg.LogLevel, defaultLogLevel)
	cfg.AllowedOrigins = normalizeList(cfg.AllowedOrigins)
	cfg.Environments = normalizeList(cfg.Environments)
	if len(cfg.Environments) == 0 {
		cfg.Environments = append([]string(nil), defaultEnvironments...)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RiverMaxWorkers <= 0 {
		cfg.RiverMaxWorkers = defaultRiverMaxWorkers
	}

	if cfg.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be positive")
	}
	switch cfg.StoreDriver {
	case StoreDriverGORM, StoreDriverMemory:
	case StoreDriverPGX:
		if !isPostgresURL(cfg.DatabaseURL) {
			return fmt.Errorf("store driver %q requires a postgres database url", cfg.StoreDriver)
		}
	default:
		return fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
	switch cfg.RefillQueue {
	case RefillQueueInline:
	case RefillQueueRiver:
		if !isPostgresURL(cfg.DatabaseURL) || cfg.StoreDriver == StoreDriverMemory {
			return fmt.Errorf("refill queue %q requires a postgres database", cfg.RefillQueue)
		}
	default:
		return fmt.Errorf("unsupported refill queue %q", cfg.RefillQueue)
	}

	enabled := map[string]struct{}{}
	for _, raw := range cfg.Environments {
		environment, err := ledger.NewEnvironment(raw)
		if err != nil {
			return fmt.Errorf("environments: %w", err)
		}
		enabled[environment.String()] = struct{}{}
	}
	for index, plan := range cfg.Plans {
		if strings.TrimSpace(plan.PlanID) == "" {
			return fmt.Errorf("plans[%d]: plan id is required", index)
		}
		environment, err := ledger.NewEnvironment(plan.Environment)
		if err != nil {
			return fmt.Errorf("plans[%d]: %w", index, err)
		}
		if _, ok := enabled[environment.String()]; !ok {
			return fmt.Errorf("plans[%d]: environment %q is not enabled", index, environment.String())
		}
		if plan.MonthlyCreditAllowance < 0 {
			return fmt.Errorf("plans[%d]: monthly credit allowance must not be negative", index)
		}
	}
	return nil
}

// ParseList splits a comma-delimited value into trimmed, non-empty items.
func ParseList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	return normalizeList(strings.Split(raw, ","))
}

func normalizeList(values []string) []string {
	normalized := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

func isPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}
