package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/hochfrequenz/deploy-orchestrator/internal/catalog"
	"github.com/hochfrequenz/deploy-orchestrator/internal/config"
	"github.com/hochfrequenz/deploy-orchestrator/internal/deploy"
	"github.com/hochfrequenz/deploy-orchestrator/internal/domain"
	"github.com/hochfrequenz/deploy-orchestrator/internal/executor"
	"github.com/hochfrequenz/deploy-orchestrator/internal/logchannel"
	"github.com/hochfrequenz/deploy-orchestrator/internal/logging"
	"github.com/hochfrequenz/deploy-orchestrator/internal/store"
	"github.com/hochfrequenz/deploy-orchestrator/internal/vault"
)

// app holds what every command opens
type app struct {
	cfg   *config.Config
	log   *zap.Logger
	store *store.Store
	vault *vault.Vault // nil without a configured key
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cfg.General.DatabasePath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	st, err := store.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	a := &app{cfg: cfg, log: log, store: st}

	key, err := cfg.EncryptionKey()
	if err != nil {
		st.Close()
		return nil, err
	}
	if key != "" {
		v, err := vault.New(key)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("invalid encryption key: %w", err)
		}
		a.vault = v
	}
	return a, nil
}

func (a *app) Close() {
	a.store.Close()
	a.log.Sync()
}

// requireVault fails when no encryption key is configured
func (a *app) requireVault() error {
	if a.vault == nil {
		return errors.Wrapf(vault.ErrNoKey,
			"set %s or [vault].encryption_key (generate one with 'deploy-orch keygen')", config.EncryptionKeyEnv)
	}
	return nil
}

func (a *app) catalog() *catalog.Catalog {
	if a.vault == nil {
		return catalog.New(a.store, nil)
	}
	return catalog.New(a.store, a.vault)
}

func (a *app) strategies() (*executor.Registry, error) {
	ssh, err := executor.NewSSHStrategy(a.cfg.Executor.ConnectTimeout(), a.cfg.Executor.KnownHosts)
	if err != nil {
		return nil, err
	}
	if a.cfg.Executor.KnownHosts == "" {
		a.log.Warn("ssh host keys are not verified; set executor.known_hosts")
	}
	winrm := executor.NewWinRMStrategy(executor.WinRMOptions{
		HTTPS:          a.cfg.Executor.WinRMHTTPS,
		Insecure:       a.cfg.Executor.WinRMInsecure,
		ConnectTimeout: a.cfg.Executor.ConnectTimeout(),
	})

	reg := executor.NewRegistry()
	reg.Register(domain.OSUnix, ssh)
	reg.Register(domain.OSWindows, winrm)
	return reg, nil
}

func (a *app) orchestrator(hub *logchannel.Hub) (*deploy.Orchestrator, error) {
	if err := a.requireVault(); err != nil {
		return nil, err
	}
	reg, err := a.strategies()
	if err != nil {
		return nil, err
	}
	pool := executor.NewPool(a.cfg.Executor.PoolSize)
	return deploy.New(a.store, a.vault, reg, pool, hub, a.log), nil
}

// resolveApplications accepts ids or names
func (a *app) resolveApplications(ctx context.Context, refs []string) []string {
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		if _, err := a.store.GetApplication(ctx, ref); err == nil {
			ids = append(ids, ref)
			continue
		}
		if found, err := a.store.GetApplicationByName(ctx, ref); err == nil {
			ids = append(ids, found.ID)
			continue
		}
		ids = append(ids, ref)
	}
	return ids
}

// resolveMachines accepts ids or hostnames
func (a *app) resolveMachines(ctx context.Context, refs []string) []string {
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		if _, err := a.store.GetMachine(ctx, ref); err == nil {
			ids = append(ids, ref)
			continue
		}
		if m, err := a.store.GetMachineByHostname(ctx, ref); err == nil {
			ids = append(ids, m.ID)
			continue
		}
		ids = append(ids, ref)
	}
	return ids
}
