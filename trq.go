// Package trq provides a minimal public API for embedding the
// TestRail to Qase migration engine in other tools.
//
// Most users should run the trq CLI. This package exports only the
// types and constructors needed to drive a migration programmatically:
// load a configuration, build the two clients, run the engine and read
// the stats.
package trq

import (
	"log/slog"

	"github.com/qasehq/trq/internal/config"
	"github.com/qasehq/trq/internal/mapping"
	"github.com/qasehq/trq/internal/migrate"
	"github.com/qasehq/trq/internal/qase"
	"github.com/qasehq/trq/internal/stats"
	"github.com/qasehq/trq/internal/testrail"
)

// Core types for driving a migration
type (
	Config = config.Config
	Engine = migrate.Engine
	Store  = mapping.Store
	Stats  = stats.Stats

	SourceConfig = testrail.Config
	TargetConfig = qase.Config
	Source       = testrail.Client
	Target       = qase.Client
)

// LoadConfig reads the configuration file at path and applies TRQ_
// environment overrides. Call Validate on the result before use.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// NewSource builds a TestRail client.
func NewSource(cfg SourceConfig, logger *slog.Logger) *Source {
	return testrail.New(cfg, logger)
}

// NewTarget builds a Qase client.
func NewTarget(cfg TargetConfig, logger *slog.Logger) *Target {
	return qase.New(cfg, logger)
}

// NewEngine wires a migration engine to the given clients.
func NewEngine(source *Source, target *Target, cfg *Config, logger *slog.Logger) *Engine {
	return migrate.NewEngine(source, target, cfg, logger)
}
