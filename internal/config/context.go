package config

import (
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// AppContext bundles the parsed config, logger, and DB handle. Component
// constructors in this engine take their dependencies as individual
// arguments, not an AppContext; there are no process-global singletons.
type AppContext struct {
	Config *Config
	Logger *zap.Logger
	DB     *sqlx.DB
}

// NewAppContext builds an AppContext from already-constructed dependencies.
// It never dials anything itself — callers own connection lifecycle.
func NewAppContext(cfg *Config, logger *zap.Logger, db *sqlx.DB) *AppContext {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AppContext{Config: cfg, Logger: logger, DB: db}
}

// NewLogger builds a zap logger from LoggingConfig.
func NewLogger(cfg LoggingConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	zcfg.Level = level
	return zcfg.Build()
}
