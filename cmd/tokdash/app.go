package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kalambet/tokdash/internal/checkpoint"
	"github.com/kalambet/tokdash/internal/config"
	"github.com/kalambet/tokdash/internal/machine"
	"github.com/kalambet/tokdash/internal/prefs"
	"github.com/kalambet/tokdash/internal/remote"
	"github.com/kalambet/tokdash/internal/source"
	"github.com/kalambet/tokdash/internal/storage"
	"github.com/kalambet/tokdash/internal/syncer"
)

// app holds the opened local state shared by commands.
type app struct {
	cfg         config.Config
	machineID   string
	store       *storage.Store
	checkpoints *checkpoint.Store
	defs        []source.Definition
	engine      *syncer.Engine
	prefs       *prefs.Manager
}

// openApp loads configuration and opens the ledger, checkpoints and
// source definitions.
var openApp = func() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return openAppWith(cfg)
}

func openAppWith(cfg config.Config) (*app, error) {
	id, err := machine.ID(cfg.Storage.DataDir)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	cps, err := checkpoint.Open(filepath.Join(cfg.Storage.DataDir, checkpoint.FileName))
	if err != nil {
		store.Close()
		return nil, err
	}

	defs, err := source.LoadDefinitions(cfg.Sync.SourcesFile)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("loading sources from %s: %w", cfg.Sync.SourcesFile, err)
	}
	sources, err := source.BuildAll(defs)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &app{
		cfg:         cfg,
		machineID:   id,
		store:       store,
		checkpoints: cps,
		defs:        defs,
		engine:      syncer.NewEngine(store, cps, id, sources),
		prefs:       prefs.NewManager(prefs.NewFileStore(config.Dir())),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		slog.Warn("closing storage", "error", err)
	}
}

// uploader builds the upload worker. It fails when no API token is set.
func (a *app) uploader() (*syncer.Uploader, error) {
	if a.cfg.API.Token == "" {
		return nil, errors.New("api.token is not set (run: tokdash config set api.token <token>)")
	}
	client := remote.NewClient(a.cfg.API.BaseURL, a.cfg.API.Token, a.machineID, version)
	return syncer.NewUploader(a.store, client, a.prefs, a.machineID, version, 0), nil
}

// definition returns the named source definition.
func (a *app) definition(name string) (source.Definition, bool) {
	for _, d := range a.defs {
		if d.Name == name {
			return d, true
		}
	}
	return source.Definition{}, false
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
