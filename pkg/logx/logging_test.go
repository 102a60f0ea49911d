package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestWithFieldsAreAppliedInOrder(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "broadcast"))
	log.Info("sent", Int64("chat_id", 42), String("comp", "override"))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v (%s)", err, buf.String())
	}
	if m["message"] != "sent" {
		t.Fatalf("message = %v", m["message"])
	}
	if m["chat_id"] != float64(42) {
		t.Fatalf("chat_id = %v", m["chat_id"])
	}
	if !strings.Contains(buf.String(), `"comp":"override"`) {
		t.Fatalf("expected call-site field to be written after fixed field: %s", buf.String())
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("ignored")
	if Nop().IsZero() {
		t.Fatal("Nop() should not be zero")
	}
}

func TestFormatOperatorLine(t *testing.T) {
	t.Parallel()
	line := `{"level":"warn","time":"x","message":"broadcast send failed","chat_id":7,"class":"transient"}`
	got := formatOperatorLine([]byte(line))
	want := "⚠️ <b>WARN</b> broadcast send failed\n<code>chat_id=7</code>\n<code>class=transient</code>"
	if got != want {
		t.Fatalf("formatOperatorLine = %q, want %q", got, want)
	}

	got = formatOperatorLine([]byte(`{"level":"error","message":"query <b>","q":"a&b"}`))
	want = "🛑 <b>ERROR</b> query &lt;b&gt;\n<code>q=a&amp;b</code>"
	if got != want {
		t.Fatalf("formatOperatorLine escaping = %q, want %q", got, want)
	}

	if got := formatOperatorLine([]byte("not json <x>")); got != "not json &lt;x&gt;" {
		t.Fatalf("formatOperatorLine raw = %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" INFO ":  zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
