// Package artifacts persists the durable outputs of a run under the output
// directory: per-activity findings and conclusions, extracted discrepancy
// rows, the run manifest, and the append-only agent scratch pad.
//
// Layout, per run:
//
//	<root>/<run_id>/activity_findings/<activity_id>.txt
//	<root>/<run_id>/conclusion_<activity_id>.txt
//	<root>/<run_id>/discrepancy_data_<activity_id>.json
//	<root>/<run_id>/final_inspection_output.json
//	<root>/agent_scratch_pads/<run_id>.txt
package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vk/inspectgridgo/internal/state"
)

// Writer owns the output directory of the engine.
type Writer struct {
	root string
}

// NewWriter roots a Writer at dir.
func NewWriter(dir string) *Writer {
	return &Writer{root: dir}
}

// RunDir returns (and creates) the directory of one run.
func (w *Writer) RunDir(runID string) (string, error) {
	dir := filepath.Join(w.root, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("artifacts: %w", err)
	}
	return dir, nil
}

// WriteFinding persists the full record of one activity: the activity header,
// the Q/A transcript, and the synthesized conclusion.
func (w *Writer) WriteFinding(runID, activityID, activity, allQA, conclusion string) (string, error) {
	dir, err := w.RunDir(runID)
	if err != nil {
		return "", err
	}
	findings := filepath.Join(dir, "activity_findings")
	if err := os.MkdirAll(findings, 0o755); err != nil {
		return "", fmt.Errorf("artifacts: %w", err)
	}
	path := filepath.Join(findings, activityID+".txt")
	content := fmt.Sprintf("%s\n\n%s\n\nConclusion:\n%s\n", activity, allQA, conclusion)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("artifacts: write finding: %w", err)
	}
	return path, nil
}

// WriteConclusion persists the activity header and its synthesized conclusion,
// without the Q/A transcript. Re-synthesis after operator feedback overwrites
// the previous conclusion.
func (w *Writer) WriteConclusion(runID, activityID, activity, conclusion string) (string, error) {
	dir, err := w.RunDir(runID)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("conclusion_%s.txt", activityID))
	content := fmt.Sprintf("%s\n\n%s\n", activity, conclusion)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("artifacts: write conclusion: %w", err)
	}
	return path, nil
}

// DiscrepancyFile is the JSON shape of an extracted discrepancy set.
type DiscrepancyFile struct {
	ActivityID  string              `json:"activity_id"`
	Table       string              `json:"table"`
	Columns     []string            `json:"columns"`
	Rows        []map[string]string `json:"rows"`
	ExtractedAt time.Time           `json:"extracted_at"`
}

// WriteDiscrepancies persists the discrepancy rows of one activity. Callers
// must not invoke it with zero rows; an empty extraction writes nothing.
func (w *Writer) WriteDiscrepancies(runID string, file DiscrepancyFile) (string, error) {
	dir, err := w.RunDir(runID)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("discrepancy_data_%s.json", file.ActivityID))
	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return "", fmt.Errorf("artifacts: marshal discrepancies: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("artifacts: write discrepancies: %w", err)
	}
	return path, nil
}

// RiskScoreFile is the per-trigger JSON record of domain risk scores.
type RiskScoreFile struct {
	SiteID   string         `json:"site_id"`
	TrialID  string         `json:"trial_id"`
	Scores   map[string]int `json:"scores"`
	ScoredAt time.Time      `json:"scored_at"`
}

// WriteRiskScores persists the domain risk scores of one trigger under
// <run_id>/risk_scores/<site>_<trial>.json.
func (w *Writer) WriteRiskScores(runID string, file RiskScoreFile) (string, error) {
	dir, err := w.RunDir(runID)
	if err != nil {
		return "", err
	}
	scores := filepath.Join(dir, "risk_scores")
	if err := os.MkdirAll(scores, 0o755); err != nil {
		return "", fmt.Errorf("artifacts: %w", err)
	}
	path := filepath.Join(scores, fmt.Sprintf("%s_%s.json", file.SiteID, file.TrialID))
	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return "", fmt.Errorf("artifacts: marshal risk scores: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("artifacts: write risk scores: %w", err)
	}
	return path, nil
}

// AppendScratch appends one entry to the run's scratch pad. The pad survives
// crashes by design: every write is an open-append-close.
func (w *Writer) AppendScratch(runID, text string) error {
	dir := filepath.Join(w.root, "agent_scratch_pads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("artifacts: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, runID+".txt"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("artifacts: open scratch pad: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%s\n", text); err != nil {
		return fmt.Errorf("artifacts: append scratch pad: %w", err)
	}
	return nil
}

// Manifest is the run-level index written when a run completes.
type Manifest struct {
	RunID       string            `json:"run_id"`
	CompletedAt time.Time         `json:"completed_at"`
	Findings    []state.Finding   `json:"findings"`
	FilePaths   map[string]string `json:"file_paths"`
	Notes       []string          `json:"notifications"`
}

// ReportRenderer turns a completed run into its final report document.
// The default implementation writes the JSON manifest; richer renderers
// (PDF, templated HTML) plug in behind it.
type ReportRenderer interface {
	Render(runID string, m Manifest) (string, error)
}

// JSONRenderer is the default ReportRenderer.
type JSONRenderer struct {
	Writer *Writer
}

// Render implements ReportRenderer.
func (r JSONRenderer) Render(runID string, m Manifest) (string, error) {
	dir, err := r.Writer.RunDir(runID)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "final_inspection_output.json")
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("artifacts: marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("artifacts: write manifest: %w", err)
	}
	return path, nil
}
