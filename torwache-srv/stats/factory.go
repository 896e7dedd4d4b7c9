package stats

import (
	"fmt"

	"github.com/codefionn/torwache/torwache-srv/config"
)

// NewCollector creates a statistics collector based on the provided
// configuration.
func NewCollector(cfg config.StatisticsConfig) (Collector, error) {
	switch cfg.Backend {
	case config.StatsBackendDummy, "":
		return NewDummyCollector(), nil
	case config.StatsBackendSQLite:
		sqlitePath := cfg.SQLitePath
		if sqlitePath == "" {
			sqlitePath = "torwache_stats.db"
		}
		collector, err := NewSQLiteCollector(sqlitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite collector: %w", err)
		}
		return collector, nil
	case config.StatsBackendPostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres DSN is required for the postgres backend")
		}
		collector, err := NewPostgreSQLCollector(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres collector: %w", err)
		}
		return collector, nil
	default:
		return nil, fmt.Errorf("unsupported stats backend: %s", cfg.Backend)
	}
}

var _ Collector = (*DummyCollector)(nil)
var _ Collector = (*SQLiteCollector)(nil)
