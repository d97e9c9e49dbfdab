package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/vk/inspectgridgo/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated app.Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("inspectgridgo", flag.ContinueOnError)
	flagSet.SetOutput(output)

	// Custom usage/help text function
	flagSet.Usage = func() {
		fmt.Fprint(output, `
InspectGridGo - An agentic inspection readiness review engine for clinical trial sites.

Usage:
  inspectgridgo [options] [TRIGGERS_PATH]

Arguments:
  TRIGGERS_PATH
    Path to the .hcl file listing the site/trial/domain triggers to review.

Options:
`)
		flagSet.PrintDefaults()
	}

	triggersFlag := flagSet.String("triggers", "", "Path to the triggers file.")
	tFlag := flagSet.String("t", "", "Path to the triggers file (shorthand).")
	settingsFlag := flagSet.String("settings", "settings.hcl", "Path to the engine settings file.")
	catalogFlag := flagSet.String("catalog", "catalog.hcl", "Path to the activity catalog file.")
	referenceFlag := flagSet.String("reference", "reference.hcl", "Path to the table reference file.")
	resumeFlag := flagSet.String("resume", "", "Run ID of an interrupted run to resume from its latest snapshot.")
	logFormatFlag := flagSet.String("log-format", "json", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	path := ""
	if *triggersFlag != "" {
		path = *triggersFlag
	} else if *tFlag != "" {
		path = *tFlag
	} else if flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}
	slog.Debug("Triggers path determined.", "path", path)

	if path == "" {
		slog.Debug("No triggers path provided, printing usage and exiting.")
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}
	slog.Debug("CLI parameter validation complete.")

	config, err := app.NewConfig(app.Config{
		TriggersPath:  path,
		SettingsPath:  *settingsFlag,
		CatalogPath:   *catalogFlag,
		ReferencePath: *referenceFlag,
		LogFormat:     logFormat,
		LogLevel:      logLevel,
		ResumeRunID:   *resumeFlag,
	})

	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.", "config", config)
	return config, false, nil
}
