package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/vk/inspectgridgo/internal/config"
	"github.com/vk/inspectgridgo/internal/ctxlog"
)

// App encapsulates the engine's dependencies, configuration, and lifecycle.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	loader *config.Loader
	model  *config.Model
	cfg    *Config
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance with its own isolated logger and a validated
// configuration model.
func NewApp(outW io.Writer, cfg *Config, loader *config.Loader) *App {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	model, err := loader.Load(ctx, config.Paths{
		Settings:  cfg.SettingsPath,
		Catalog:   cfg.CatalogPath,
		Reference: cfg.ReferencePath,
	})
	if err != nil {
		// A failure to load config is a fatal startup error.
		panic(fmt.Errorf("failed to load configuration: %w", err))
	}
	logger.Debug("Configuration loaded and validated.",
		slog.Int("catalog_domains", len(model.Catalog.Domains)))

	return &App{
		outW:   outW,
		logger: logger,
		loader: loader,
		model:  model,
		cfg:    cfg,
	}
}

// Model returns the loaded configuration. This is primarily for testing.
func (a *App) Model() *config.Model {
	return a.model
}
