package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cinebot/internal/transport"
	"cinebot/pkg/tgui"
)

const (
	maxOperatorLine  = 3500
	maxOperatorValue = 300
)

// operatorWorker delivers queued lines one at a time so a slow Telegram
// never blocks the caller that logged.
func (s *Service) operatorWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.opQueue:
			s.mu.Lock()
			chatID := s.chatID
			s.mu.Unlock()
			if chatID == 0 {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, _ = transport.SendText(sctx, s.sender, transport.ChatTarget{ChatID: chatID}, msg,
				&transport.SendOptions{ParseMode: "HTML", DisablePreview: true})
			cancel()
		}
	}
}

// operatorWriter is the zerolog sink feeding operatorWorker.
type operatorWriter struct{ svc *Service }

func (w *operatorWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *operatorWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	s.mu.Lock()
	lim, minLevel := s.limiter, s.minLevel
	s.mu.Unlock()

	if level < minLevel || lim == nil || !lim.Allow() {
		return len(p), nil
	}
	if msg := formatOperatorLine(p); msg != "" {
		select {
		case s.opQueue <- msg:
		default:
		}
	}
	return len(p), nil
}

func levelBadge(lvl string) string {
	switch lvl {
	case "error", "fatal", "panic":
		return "🛑"
	case "warn":
		return "⚠️"
	default:
		return "ℹ️"
	}
}

// formatOperatorLine renders a zerolog JSON line as an HTML chat message:
// the level and message, then one key=value per line, keys sorted.
func formatOperatorLine(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return tgui.Esc(tgui.TruncRunes(raw, maxOperatorLine)).String()
	}
	lvl, _ := m[zerolog.LevelFieldName].(string)
	msg, _ := m[zerolog.MessageFieldName].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString(levelBadge(lvl) + " " + tgui.B(strings.ToUpper(lvl)).String() + " ")
	}
	b.WriteString(tgui.Esc(msg).String())

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		b.WriteString("\n" + tgui.Code(k+"="+tgui.TruncRunes(fmt.Sprint(m[k]), maxOperatorValue)).String())
	}
	return b.String()
}
