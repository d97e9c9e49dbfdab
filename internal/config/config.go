// Package config loads and validates the four HCL surfaces that drive an
// inspection run: engine settings, the activity catalog, the table reference
// map, and trigger files.
//
// Why HCL? Everything a reviewer tunes between runs (limits, endpoints,
// activity wording, per-domain table metadata) lives in declarative files the
// engine validates up front, so a malformed catalog fails the run at startup
// rather than mid-activity.
package config

import (
	"errors"
	"fmt"
)

// ErrConfigMissing marks a required configuration surface that is absent or
// empty. Fatal at startup.
var ErrConfigMissing = errors.New("config: required configuration missing")

// Settings is the engine-wide tuning block decoded from settings.hcl.
type Settings struct {
	OutputDir string `hcl:"output_dir,optional"`

	MaxRevisions       int `hcl:"max_revisions,optional"`
	MaxRelevancyChecks int `hcl:"max_relevancy_checks,optional"`
	MaxToolCalls       int `hcl:"max_tool_calls,optional"`
	RecursionLimit     int `hcl:"recursion_limit,optional"`

	OperatorTimeoutMinutes int `hcl:"operator_timeout_minutes,optional"`

	RetryAttempts   int `hcl:"retry_attempts,optional"`
	RetryBaseMillis int `hcl:"retry_base_millis,optional"`

	ChunkSize    int `hcl:"chunk_size,optional"`
	ChunkOverlap int `hcl:"chunk_overlap,optional"`
	TopK         int `hcl:"top_k,optional"`

	PostgresDSN string `hcl:"postgres_dsn,optional"`

	ChatEndpoint  string `hcl:"chat_endpoint,optional"`
	ChatModel     string `hcl:"chat_model,optional"`
	EmbedEndpoint string `hcl:"embed_endpoint,optional"`
	EmbedModel    string `hcl:"embed_model,optional"`
	APIKeyEnv     string `hcl:"api_key_env,optional"`

	// ConsoleURL is the optional Socket.IO endpoint operator consoles listen
	// on. Empty disables the notifier.
	ConsoleURL string `hcl:"console_url,optional"`

	GuidelinesDir string `hcl:"guidelines_dir,optional"`
}

// applyDefaults fills the documented design defaults for anything the file
// leaves unset.
func (s *Settings) applyDefaults() {
	if s.OutputDir == "" {
		s.OutputDir = "output"
	}
	if s.MaxRevisions == 0 {
		s.MaxRevisions = 1
	}
	if s.MaxRelevancyChecks == 0 {
		s.MaxRelevancyChecks = 1
	}
	if s.MaxToolCalls == 0 {
		s.MaxToolCalls = 2
	}
	if s.RecursionLimit == 0 {
		s.RecursionLimit = 100
	}
	if s.OperatorTimeoutMinutes == 0 {
		s.OperatorTimeoutMinutes = 60
	}
	if s.RetryAttempts == 0 {
		s.RetryAttempts = 3
	}
	if s.RetryBaseMillis == 0 {
		s.RetryBaseMillis = 500
	}
	if s.ChunkSize == 0 {
		s.ChunkSize = 1200
	}
	if s.ChunkOverlap == 0 {
		s.ChunkOverlap = 150
	}
	if s.TopK == 0 {
		s.TopK = 3
	}
}

// Activity is one human-authored inspection task for a domain.
type Activity struct {
	ID   string `hcl:"id,optional"`
	Text string `hcl:"text"`
}

// CatalogDomain is a domain block in catalog.hcl.
type CatalogDomain struct {
	Name       string     `hcl:"name,label"`
	Activities []Activity `hcl:"activity,block"`
}

// Catalog maps domains to their ordered activity lists.
type Catalog struct {
	Domains []CatalogDomain `hcl:"domain,block"`
}

// PrefixedActivities returns the domain's activities, each prefixed with its
// unique identifier in the `<activity_id#DOM_NNN> ### ` form. Activities
// without an explicit id get one from their position.
func (c *Catalog) PrefixedActivities(domain string) []string {
	for _, d := range c.Domains {
		if d.Name != domain {
			continue
		}
		out := make([]string, 0, len(d.Activities))
		for i, a := range d.Activities {
			id := a.ID
			if id == "" {
				id = fmt.Sprintf("%s_%03d", domain, i+1)
			}
			out = append(out, fmt.Sprintf("<activity_id#%s> ### %s", id, a.Text))
		}
		return out
	}
	return nil
}

// HasDomain reports whether the catalog declares any activities for a domain.
func (c *Catalog) HasDomain(domain string) bool {
	for _, d := range c.Domains {
		if d.Name == domain {
			return len(d.Activities) > 0
		}
	}
	return false
}

// TableRef describes one logical table of a domain: where its rows live in
// the relational store and which columns identify site and trial.
type TableRef struct {
	Name        string   `hcl:"name,label"`
	Schema      string   `hcl:"schema"`
	Sheet       string   `hcl:"sheet,optional"`
	SiteColumn  string   `hcl:"site_column"`
	TrialColumn string   `hcl:"trial_column"`
	Columns     []string `hcl:"columns,optional"`
	Summary     string   `hcl:"summary,optional"`
}

// ReferenceDomain is a domain block in reference.hcl.
type ReferenceDomain struct {
	Name   string     `hcl:"name,label"`
	Tables []TableRef `hcl:"table,block"`
}

// Reference is the static per-domain table map.
type Reference struct {
	Domains []ReferenceDomain `hcl:"domain,block"`
}

// TablesFor returns the table refs declared for a domain.
func (r *Reference) TablesFor(domain string) []TableRef {
	for _, d := range r.Domains {
		if d.Name == domain {
			return d.Tables
		}
	}
	return nil
}

// Lookup finds one table ref of a domain by table name.
func (r *Reference) Lookup(domain, table string) (*TableRef, bool) {
	for _, t := range r.TablesFor(domain) {
		if t.Name == table {
			ref := t
			return &ref, true
		}
	}
	return nil, false
}

// TriggerBlock is one trigger block in triggers.hcl.
type TriggerBlock struct {
	SiteID   string   `hcl:"site_id"`
	TrialID  string   `hcl:"trial_id"`
	Domains  []string `hcl:"domains"`
	Date     string   `hcl:"date"`
	Reingest bool     `hcl:"reingest,optional"`
}

// Triggers is the decoded trigger file.
type Triggers struct {
	Triggers []TriggerBlock `hcl:"trigger,block"`
}
