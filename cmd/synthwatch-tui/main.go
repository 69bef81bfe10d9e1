package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"synthwatch-tui/internal/app"
	"synthwatch-tui/internal/backend"
	"synthwatch-tui/internal/config"
	"synthwatch-tui/internal/storage"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.DebugLogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open debug log: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	rootDir, err := snapshotRoot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to determine snapshot directory: %v\n", err)
		os.Exit(1)
	}

	store, err := storage.NewStore(rootDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize snapshot storage: %v\n", err)
		os.Exit(1)
	}

	client := backend.NewClient(cfg.BackendURL, cfg.APIKey, logger)
	model := app.NewModel(client, store, cfg, logger)
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithMouseCellMotion())
	if _, err := program.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "tui exited with error: %v\n", err)
		os.Exit(1)
	}
}

// snapshotRoot resolves the directory snapshot bundles live under,
// ~/.synth-tui, falling back to the working directory when no home
// directory exists.
func snapshotRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		wd, wdErr := os.Getwd()
		if wdErr != nil {
			return "", wdErr
		}
		return filepath.Abs(wd)
	}
	return filepath.Join(home, ".synth-tui"), nil
}

// buildLogger writes structured debug output to a file when a path is set.
// The TUI owns the terminal, so stderr logging is never an option here.
func buildLogger(path string) (*zap.Logger, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return zap.NewNop(), nil
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open debug log %q: %w", path, err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.AddSync(file),
		zapcore.DebugLevel,
	)
	return zap.New(core), nil
}
