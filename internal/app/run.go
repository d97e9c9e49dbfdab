package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/vk/inspectgridgo/internal/artifacts"
	"github.com/vk/inspectgridgo/internal/chunk"
	"github.com/vk/inspectgridgo/internal/config"
	"github.com/vk/inspectgridgo/internal/ctxlog"
	"github.com/vk/inspectgridgo/internal/embed"
	"github.com/vk/inspectgridgo/internal/fsstore"
	"github.com/vk/inspectgridgo/internal/graph"
	"github.com/vk/inspectgridgo/internal/hitl"
	"github.com/vk/inspectgridgo/internal/ingest"
	"github.com/vk/inspectgridgo/internal/inspection"
	"github.com/vk/inspectgridgo/internal/llm"
	"github.com/vk/inspectgridgo/internal/notify"
	"github.com/vk/inspectgridgo/internal/plancritic"
	"github.com/vk/inspectgridgo/internal/relstore"
	"github.com/vk/inspectgridgo/internal/retriever"
	"github.com/vk/inspectgridgo/internal/selfrag"
	"github.com/vk/inspectgridgo/internal/state"
	"github.com/vk/inspectgridgo/internal/supervisor"
	"github.com/vk/inspectgridgo/internal/vectorstore"
)

// replyPollInterval is how often the operator queue is checked while a run is
// suspended.
const replyPollInterval = 2 * time.Second

// Run executes a full review run, or resumes one when ResumeRunID is set.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	settings := a.model.Settings

	triggers, err := a.loader.LoadTriggers(ctx, a.cfg.TriggersPath)
	if err != nil {
		return err
	}

	if settings.ChatEndpoint == "" || settings.EmbedEndpoint == "" {
		return fmt.Errorf("%w: chat_endpoint and embed_endpoint must be set", config.ErrConfigMissing)
	}
	if settings.PostgresDSN == "" {
		return fmt.Errorf("%w: postgres_dsn must be set", config.ErrConfigMissing)
	}

	chat := llm.NewClient(llm.ClientConfig{
		Endpoint:  settings.ChatEndpoint,
		Model:     settings.ChatModel,
		APIKeyEnv: settings.APIKeyEnv,
	})
	defer chat.Close()
	model := llm.WithRetry(chat, llm.RetryConfig{
		Attempts: settings.RetryAttempts,
		BaseWait: time.Duration(settings.RetryBaseMillis) * time.Millisecond,
	})
	embedder := embed.NewClient(embed.ClientConfig{
		Endpoint:  settings.EmbedEndpoint,
		Model:     settings.EmbedModel,
		APIKeyEnv: settings.APIKeyEnv,
	})
	defer embedder.Close()

	rows, err := relstore.Open(settings.PostgresDSN)
	if err != nil {
		return err
	}
	defer rows.Close()

	registry := vectorstore.NewMemRegistry()
	ingestor := ingest.New(registry, embedder, &a.model.Reference, settings.GuidelinesDir,
		chunk.Options{Size: settings.ChunkSize, Overlap: settings.ChunkOverlap})
	summaryRet := retriever.NewSummary(registry, embedder, rows, &a.model.Reference)
	guidelinesRet := retriever.NewGuidelines(registry, embedder)

	writer := artifacts.NewWriter(settings.OutputDir)

	planGraph, err := plancritic.New(model, settings.MaxRevisions).Graph()
	if err != nil {
		return err
	}
	ragGraph, err := selfrag.New(model, summaryRet, guidelinesRet,
		settings.TopK, settings.MaxToolCalls, settings.MaxRelevancyChecks).Graph()
	if err != nil {
		return err
	}
	inspGraph, err := inspection.New(model, &a.model.Catalog, ingestor, summaryRet, writer, planGraph, ragGraph).Graph()
	if err != nil {
		return err
	}

	var notifier notify.Notifier = notify.Nop{}
	if settings.ConsoleURL != "" {
		console, err := notify.Dial(ctx, settings.ConsoleURL, "")
		if err != nil {
			a.logger.Warn("Operator console unreachable, notifications disabled.", slog.Any("error", err))
		} else {
			defer console.Close()
			notifier = console
		}
	}

	supGraph, err := supervisor.New(inspGraph, supervisor.StubReporter{},
		writer, artifacts.JSONRenderer{Writer: writer}, notifier).Graph()
	if err != nil {
		return err
	}

	store := fsstore.New(filepath.Join(settings.OutputDir, "checkpoints"))
	session := &Session{
		Runner: graph.NewRunner(supGraph,
			graph.WithStore(store),
			graph.WithRecursionLimit(settings.RecursionLimit)),
		Channel: hitl.NewChannel(
			filepath.Join(settings.OutputDir, "operator_queue"),
			model,
			time.Duration(settings.OperatorTimeoutMinutes)*time.Minute,
			replyPollInterval),
		Notifier: notifier,
		Store:    store,
	}

	if a.cfg.ResumeRunID != "" {
		a.logger.Info("Resuming run from latest snapshot.", slog.String("run_id", a.cfg.ResumeRunID))
		final, err := session.Redrive(ctx, a.cfg.ResumeRunID, "main")
		if err != nil {
			return err
		}
		return a.report(final)
	}

	st := state.State{
		RunID:        newRunID(),
		ThreadID:     "main",
		Triggers:     toTriggers(triggers),
		MaxRevisions: settings.MaxRevisions,
	}
	a.logger.Info("Starting run.",
		slog.String("run_id", st.RunID),
		slog.Int("triggers", len(st.Triggers)))

	final, err := session.Drive(ctx, st)
	if err != nil {
		return err
	}
	return a.report(final)
}

func (a *App) report(final *state.State) error {
	a.logger.Info("Run finished.",
		slog.String("run_id", final.RunID),
		slog.Int("findings", len(final.Findings)),
		slog.String("manifest", final.FilePaths["manifest"]))
	fmt.Fprintf(a.outW, "Run %s complete: %d findings, report at %s\n",
		final.RunID, len(final.Findings), final.FilePaths["manifest"])
	return nil
}

// newRunID returns a monotonic timestamp run identifier. The nanosecond tail
// keeps two runs started in the same second apart.
func newRunID() string {
	return time.Now().UTC().Format("20060102_150405.000000000")
}

func toTriggers(t *config.Triggers) []state.Trigger {
	out := make([]state.Trigger, len(t.Triggers))
	for i, b := range t.Triggers {
		out[i] = state.Trigger{
			SiteID:   b.SiteID,
			TrialID:  b.TrialID,
			Domains:  b.Domains,
			Date:     b.Date,
			Reingest: b.Reingest,
		}
	}
	return out
}
