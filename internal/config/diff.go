package config

import (
	"reflect"
	"slices"

	logx "cinebot/pkg/logx"
)

// SummarizeChange lists the sections that differ and a few safe attributes
// for logging. Tokens and keys are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.OperatorChatID != nt.OperatorChatID || ot.PollTimeout != nt.PollTimeout ||
		ot.Workers != nt.Workers || !slices.Equal(ot.OwnerUserIDs, nt.OwnerUserIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.operator", newCfg.Logging.Operator.Enabled),
		)
	}
	if oldCfg.Backend != newCfg.Backend {
		changed = append(changed, "backend")
		attrs = append(attrs, logx.String("backend.url", newCfg.Backend.URL))
	}
	if oldCfg.Health != newCfg.Health {
		changed = append(changed, "health")
	}
	if oldCfg.Catalog != newCfg.Catalog {
		changed = append(changed, "catalog")
	}
	if oldCfg.Broadcast != newCfg.Broadcast {
		changed = append(changed, "broadcast")
		attrs = append(attrs, logx.String("broadcast.delay", newCfg.Broadcast.Delay))
	}
	if oldCfg.Session != newCfg.Session {
		changed = append(changed, "session")
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs, logx.Bool("ops.enabled", newCfg.Ops.Enabled), logx.String("ops.addr", newCfg.Ops.Addr))
	}
	if oldCfg.Secrets != newCfg.Secrets {
		changed = append(changed, "secrets")
	}
	return changed, attrs
}
