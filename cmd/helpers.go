package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"partnerauth/internal/config"
	"partnerauth/internal/flow"
	"partnerauth/internal/store"
)

// configPath returns the config file to load, honoring the --config flag.
func configPath() (string, error) {
	if cfgPath != "" {
		return cfgPath, nil
	}
	dir, err := store.DefaultStorageDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// newLogger builds the CLI logger. Debug logging is opt-in via --verbose;
// quiet mode drops everything below warnings.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	} else if quiet {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newController loads the configuration, opens the file-backed stores and
// wires the flow controller that all subcommands operate on.
func newController() (*flow.Controller, *config.ClientConfig, error) {
	path, err := configPath()
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}

	dir, err := store.DefaultStorageDir()
	if err != nil {
		return nil, nil, err
	}

	credentials, err := store.NewFileCredentialStore(filepath.Join(dir, "credentials"), cfg.ClientID)
	if err != nil {
		return nil, nil, err
	}
	metadata, err := store.NewFileMetadataStore(filepath.Join(dir, "sessions"))
	if err != nil {
		return nil, nil, err
	}

	controller, err := flow.NewController(*cfg, credentials, metadata,
		flow.WithLogger(newLogger()))
	if err != nil {
		return nil, nil, err
	}
	return controller, cfg, nil
}
