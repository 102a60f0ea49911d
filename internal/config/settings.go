package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const SecretPrefix = "ssm:"

// IsSecretRef reports whether v must be resolved through the secret store.
func IsSecretRef(v string) bool { return strings.HasPrefix(strings.TrimSpace(v), SecretPrefix) }

type HealthSettings struct {
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

func (h HealthConfig) Settings() (HealthSettings, error) {
	timeout, err := ParseDurationOrDefault("health.timeout", h.Timeout, 20*time.Second)
	if err != nil {
		return HealthSettings{}, err
	}
	delay, err := ParseDurationOrDefault("health.retry_delay", h.RetryDelay, 5*time.Second)
	if err != nil {
		return HealthSettings{}, err
	}
	retries := h.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	return HealthSettings{Timeout: timeout, MaxRetries: retries, RetryDelay: delay}, nil
}

type BroadcastSettings struct {
	Delay     time.Duration
	BatchSize int
}

func (b BroadcastConfig) Settings() (BroadcastSettings, error) {
	delay, err := ParseDurationOrDefault("broadcast.delay", b.Delay, 100*time.Millisecond)
	if err != nil {
		return BroadcastSettings{}, err
	}
	batch := b.BatchSize
	if batch <= 0 {
		batch = 100
	}
	return BroadcastSettings{Delay: delay, BatchSize: batch}, nil
}

type SessionSettings struct {
	TTL         time.Duration
	PageSize    int
	MaxSessions int
	SweepSpec   string
}

func (s SessionConfig) Settings() (SessionSettings, error) {
	ttl, err := ParseDurationOrDefault("session.ttl", s.TTL, time.Hour)
	if err != nil {
		return SessionSettings{}, err
	}
	out := SessionSettings{TTL: ttl, PageSize: s.PageSize, MaxSessions: s.MaxSessions, SweepSpec: strings.TrimSpace(s.SweepSpec)}
	if out.PageSize <= 0 {
		out.PageSize = 5
	}
	if out.MaxSessions <= 0 {
		out.MaxSessions = 10000
	}
	if out.SweepSpec == "" {
		out.SweepSpec = "@every 1h"
	}
	return out, nil
}

type StorageSettings struct {
	Driver        string
	BusyTimeout   time.Duration
	InactiveAfter time.Duration
	SweepSpec     string
}

func (s StorageConfig) Settings() (StorageSettings, error) {
	busy, err := ParseDurationOrDefault("storage.busy_timeout", s.BusyTimeout, 5*time.Second)
	if err != nil {
		return StorageSettings{}, err
	}
	inactive, err := ParseDurationOrDefault("storage.inactive_after", s.InactiveAfter, 30*24*time.Hour)
	if err != nil {
		return StorageSettings{}, err
	}
	out := StorageSettings{
		Driver:        strings.ToLower(strings.TrimSpace(s.Driver)),
		BusyTimeout:   busy,
		InactiveAfter: inactive,
		SweepSpec:     strings.TrimSpace(s.SweepSpec),
	}
	if out.Driver == "" {
		out.Driver = "memory"
	}
	if out.SweepSpec == "" {
		out.SweepSpec = "@daily"
	}
	return out, nil
}

// OperatorChat returns where operator notices go (0 if nowhere).
func (t TelegramConfig) OperatorChat() int64 {
	if t.OperatorChatID != 0 {
		return t.OperatorChatID
	}
	if len(t.OwnerUserIDs) > 0 {
		return t.OwnerUserIDs[0]
	}
	return 0
}

// Validate checks a parsed config without touching the network.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if len(cfg.Telegram.OwnerUserIDs) == 0 {
		errs = append(errs, errors.New("telegram.owner_user_ids must list at least one operator"))
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}
	if u := strings.TrimSpace(cfg.Backend.URL); u != "" {
		if _, err := url.ParseRequestURI(u); err != nil {
			errs = append(errs, fmt.Errorf("backend.url: %w", err))
		}
	}
	if _, err := ParseDurationField("catalog.timeout", cfg.Catalog.Timeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.Health.Settings(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.Broadcast.Settings(); err != nil {
		errs = append(errs, err)
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if ss, err := cfg.Session.Settings(); err != nil {
		errs = append(errs, err)
	} else if _, err := parser.Parse(ss.SweepSpec); err != nil {
		errs = append(errs, fmt.Errorf("session.sweep_spec: %w", err))
	}
	st, err := cfg.Storage.Settings()
	if err != nil {
		errs = append(errs, err)
	} else {
		switch st.Driver {
		case "memory":
		case "sqlite":
			if strings.TrimSpace(cfg.Storage.Path) == "" {
				errs = append(errs, errors.New("storage.path is required for sqlite"))
			}
		case "redis":
			if strings.TrimSpace(cfg.Storage.URL) == "" {
				errs = append(errs, errors.New("storage.url is required for redis"))
			}
		case "dynamodb":
			if strings.TrimSpace(cfg.Storage.Table) == "" {
				errs = append(errs, errors.New("storage.table is required for dynamodb"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		if _, err := parser.Parse(st.SweepSpec); err != nil {
			errs = append(errs, fmt.Errorf("storage.sweep_spec: %w", err))
		}
	}
	return errors.Join(errs...)
}
