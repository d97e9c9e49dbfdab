package app

import "errors"

// Config holds everything an App instance needs to start.
type Config struct {
	TriggersPath  string
	SettingsPath  string
	CatalogPath   string
	ReferencePath string

	LogFormat string
	LogLevel  string

	// ResumeRunID restarts an interrupted run from its latest snapshot
	// instead of starting a new one.
	ResumeRunID string
}

// NewConfig validates a Config.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.TriggersPath == "" {
		return nil, errors.New("TriggersPath is a required configuration field and cannot be empty")
	}
	if cfg.CatalogPath == "" {
		return nil, errors.New("CatalogPath is a required configuration field and cannot be empty")
	}
	if cfg.ReferencePath == "" {
		return nil, errors.New("ReferencePath is a required configuration field and cannot be empty")
	}
	return &cfg, nil
}
