package app

import (
	"errors"
	"strings"
	"time"

	"cinebot/internal/bot"
	"cinebot/internal/broadcast"
	"cinebot/internal/catalog"
	"cinebot/internal/config"
	"cinebot/internal/health"
	"cinebot/internal/ops"
	"cinebot/internal/session"
	"cinebot/internal/storage"
	logx "cinebot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Operator: logx.OperatorConfig{
			Enabled:    cfg.Logging.Operator.Enabled,
			MinLevel:   cfg.Logging.Operator.MinLevel,
			RatePerSec: cfg.Logging.Operator.RatePerSec,
		},
	}
}

func mapHealthConfig(cfg *config.Config) (health.Config, error) {
	s, err := cfg.Health.Settings()
	if err != nil {
		return health.Config{}, err
	}
	return health.Config{Timeout: s.Timeout, MaxRetries: s.MaxRetries, RetryDelay: s.RetryDelay}, nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	s, err := cfg.Broadcast.Settings()
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{Delay: s.Delay, BatchSize: s.BatchSize}, nil
}

func mapSessionConfig(cfg *config.Config) (session.Config, string, error) {
	s, err := cfg.Session.Settings()
	if err != nil {
		return session.Config{}, "", err
	}
	return session.Config{TTL: s.TTL, PageSize: s.PageSize, MaxSessions: s.MaxSessions}, s.SweepSpec, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, config.StorageSettings, error) {
	s, err := cfg.Storage.Settings()
	if err != nil {
		return storage.Config{}, config.StorageSettings{}, err
	}
	return storage.Config{
		Driver:      s.Driver,
		Path:        cfg.Storage.Path,
		URL:         cfg.Storage.URL,
		Table:       cfg.Storage.Table,
		Region:      cfg.Secrets.Region,
		BusyTimeout: s.BusyTimeout,
	}, s, nil
}

func mapCatalogConfig(cfg *config.Config) (catalog.Config, error) {
	timeout, err := config.ParseDurationOrDefault("catalog.timeout", cfg.Catalog.Timeout, 10*time.Second)
	if err != nil {
		return catalog.Config{}, err
	}
	return catalog.Config{
		APIKey:       cfg.Catalog.APIKey,
		BaseURL:      cfg.Catalog.BaseURL,
		ImageBaseURL: cfg.Catalog.ImageBaseURL,
		Language:     cfg.Catalog.Language,
		Timeout:      timeout,
	}, nil
}

func mapBotConfig(cfg *config.Config) bot.Config {
	return bot.Config{
		Owners:       cfg.Telegram.OwnerUserIDs,
		OperatorChat: cfg.Telegram.OperatorChat(),
		SiteURL:      cfg.Catalog.SiteURL,
		Workers:      cfg.Telegram.Workers,
	}
}

func mapOpsConfig(cfg *config.Config) ops.Config {
	return ops.Config{
		Enabled:       cfg.Ops.Enabled,
		Addr:          cfg.Ops.Addr,
		Token:         cfg.Ops.Token,
		AllowInsecure: cfg.Ops.AllowInsecure,
		Pprof:         cfg.Ops.Pprof,
	}
}

// validate is installed as the config prepare hook after secrets resolve.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Backend.URL) == "" {
		return errors.New("backend.url is required")
	}
	if strings.TrimSpace(cfg.Catalog.APIKey) == "" {
		return errors.New("catalog.api_key is required")
	}
	if _, err := mapCatalogConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapSessionConfig(cfg); err != nil {
		return err
	}
	return nil
}
