package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/inspectgridgo/internal/ctxlog"
)

// Model is the fully loaded configuration for one engine instance.
type Model struct {
	Settings  Settings
	Catalog   Catalog
	Reference Reference
}

// Paths names the configuration files a Loader reads.
type Paths struct {
	Settings  string
	Catalog   string
	Reference string
}

// Loader parses the HCL configuration surfaces.
type Loader struct {
	parser *hclparse.Parser
}

// NewLoader creates a Loader with a fresh HCL parser.
func NewLoader() *Loader {
	return &Loader{parser: hclparse.NewParser()}
}

// evalContext exposes the process environment to every configuration file as
// `env.NAME`, so secrets like DSNs and endpoints stay out of the files
// themselves.
func evalContext() *hcl.EvalContext {
	env := map[string]cty.Value{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = cty.StringVal(v)
		}
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(env)},
	}
}

func (l *Loader) decodeFile(path string, target any) error {
	file, diags := l.parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return fmt.Errorf("parse %s: %w", path, diags)
	}
	if diags := gohcl.DecodeBody(file.Body, evalContext(), target); diags.HasErrors() {
		return fmt.Errorf("decode %s: %w", path, diags)
	}
	return nil
}

// settingsFile wraps the settings block so settings.hcl reads as
// `settings { ... }`.
type settingsFile struct {
	Settings *Settings `hcl:"settings,block"`
	Remain   hcl.Body  `hcl:",remain"`
}

// Load reads and validates all configuration surfaces. A missing or empty
// catalog or reference map is fatal (ErrConfigMissing); settings are optional
// and fall back to design defaults.
func (l *Loader) Load(ctx context.Context, paths Paths) (*Model, error) {
	logger := ctxlog.FromContext(ctx)
	model := &Model{}

	if paths.Settings != "" {
		var sf settingsFile
		if err := l.decodeFile(paths.Settings, &sf); err != nil {
			return nil, err
		}
		if sf.Settings != nil {
			model.Settings = *sf.Settings
		}
	}
	model.Settings.applyDefaults()

	if paths.Catalog == "" {
		return nil, fmt.Errorf("%w: activity catalog path not set", ErrConfigMissing)
	}
	if err := l.decodeFile(paths.Catalog, &model.Catalog); err != nil {
		return nil, err
	}
	if len(model.Catalog.Domains) == 0 {
		return nil, fmt.Errorf("%w: activity catalog %s declares no domains", ErrConfigMissing, paths.Catalog)
	}

	if paths.Reference == "" {
		return nil, fmt.Errorf("%w: reference map path not set", ErrConfigMissing)
	}
	if err := l.decodeFile(paths.Reference, &model.Reference); err != nil {
		return nil, err
	}
	if len(model.Reference.Domains) == 0 {
		return nil, fmt.Errorf("%w: reference map %s declares no domains", ErrConfigMissing, paths.Reference)
	}

	logger.Debug("Configuration loaded.",
		"catalog_domains", len(model.Catalog.Domains),
		"reference_domains", len(model.Reference.Domains),
	)
	return model, nil
}

// LoadTriggers reads a trigger file.
func (l *Loader) LoadTriggers(ctx context.Context, path string) (*Triggers, error) {
	var t Triggers
	if err := l.decodeFile(path, &t); err != nil {
		return nil, err
	}
	if len(t.Triggers) == 0 {
		return nil, fmt.Errorf("%w: trigger file %s declares no triggers", ErrConfigMissing, path)
	}
	return &t, nil
}
