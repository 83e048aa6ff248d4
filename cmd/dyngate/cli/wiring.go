package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/dyngate/dyngate/internal/config"
	"github.com/dyngate/dyngate/internal/d365"
	"github.com/dyngate/dyngate/internal/metadata"
	"github.com/dyngate/dyngate/internal/store"
)

// loadConfig assembles the effective configuration: file defaults, then
// DYNGATE_* environment overrides, then command-line flags.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if path := viper.ConfigFileUsed(); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	overrideString(&cfg.D365.TenantID, "d365.tenant_id")
	overrideString(&cfg.D365.ClientID, "d365.client_id")
	overrideString(&cfg.D365.ClientSecret, "d365.client_secret")
	overrideString(&cfg.D365.Instance, "d365.instance")
	overrideString(&cfg.D365.DefaultCompany, "d365.default_company")
	overrideString(&cfg.Storage.DataDir, "storage.data_dir")
	overrideString(&cfg.Logging.Level, "logging.level")

	if dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}
	return cfg, nil
}

func overrideString(target *string, key string) {
	if v := viper.GetString(key); v != "" {
		*target = v
	}
}

// newLogger builds the process logger. MCP stdio mode owns stdout, so logs
// always go to stderr.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// buildSyncStack opens the metadata store and wires the D365 client and
// sync scheduler onto it. The caller owns closing the store.
func buildSyncStack(cfg *config.Config, logger *slog.Logger) (*store.Store, *d365.Client, *metadata.Syncer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}

	st, err := store.NewStore(cfg.Storage.DataDir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening metadata store: %w", err)
	}

	client, err := d365.NewClient(d365.Options{
		TenantID:       cfg.D365.TenantID,
		ClientID:       cfg.D365.ClientID,
		ClientSecret:   cfg.D365.ClientSecret,
		Resource:       cfg.D365.ResourceURL(),
		DefaultCompany: cfg.D365.DefaultCompany,
		Timeout:        config.Duration(cfg.D365.RequestTimeout, 30*time.Second),
	}, logger)
	if err != nil {
		st.Close()
		return nil, nil, nil, fmt.Errorf("building D365 client: %w", err)
	}

	syncer := metadata.NewSyncer(st, client, logger, metadata.SyncerOptions{
		TickInterval:    config.Duration(cfg.Sync.TickInterval, 5*time.Minute),
		RefreshInterval: config.Duration(cfg.Sync.RefreshInterval, 12*time.Hour),
		RetryInterval:   config.Duration(cfg.Sync.RetryInterval, 30*time.Minute),
		ShutdownGrace:   config.Duration(cfg.Sync.ShutdownGrace, 30*time.Second),
		BatchSize:       cfg.Sync.BatchSize,
	})

	return st, client, syncer, nil
}
