// Copyright 2024-2026 Aiku AI

package mapping

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Driver identifiers supported by the mapping store.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Dependencies captures external handles required by certain drivers.
type Dependencies struct {
	SQLiteDB *gorm.DB
	Redis    *redis.Client
}

// New creates a mapping store based on the provided configuration.
func New(cfg Config, deps Dependencies) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverMemory
	}

	switch driver {
	case DriverMemory:
		return NewMemory(cfg), nil
	case DriverSQLite:
		if deps.SQLiteDB == nil {
			return nil, fmt.Errorf("sqlite driver requires database handle")
		}
		return NewSQLite(deps.SQLiteDB, cfg)
	case DriverRedis:
		if deps.Redis == nil {
			return nil, fmt.Errorf("redis driver requires client")
		}
		return NewRedis(deps.Redis, cfg), nil
	default:
		return nil, fmt.Errorf("unsupported mapping store driver: %s", driver)
	}
}
