package jobs

import (
	"fmt"
	"strings"
	"time"
)

// NormalizeSpec turns a schedule string into a robfig/cron spec.
//
// Accepted forms:
//   - cron: "0 3 * * *", "@daily", "@every 1h"
//   - a Go duration: "30m", "2h30m" (becomes "@every 30m")
//   - "every:30m" or "interval:30m"
func NormalizeSpec(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	for _, p := range []string{"every:", "interval:"} {
		if strings.HasPrefix(low, p) {
			return everySpec(strings.TrimSpace(s[len(p):]))
		}
	}
	if strings.HasPrefix(low, "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return "", fmt.Errorf("cron schedule required after 'cron:'")
		}
		return expr, nil
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return s, nil
	}
	spec, err := everySpec(s)
	if err != nil {
		return "", fmt.Errorf("invalid schedule %q (use cron like '0 3 * * *', '@daily' or a duration like '30m')", raw)
	}
	return spec, nil
}

func everySpec(v string) (string, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return "", fmt.Errorf("invalid interval %q", v)
	}
	if d < time.Second {
		return "", fmt.Errorf("interval must be at least 1s")
	}
	return "@every " + d.String(), nil
}
