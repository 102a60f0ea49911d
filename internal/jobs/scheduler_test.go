package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "cinebot/pkg/logx"
)

func TestNormalizeSpec(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "@daily", want: "@daily"},
		{in: "0 3 * * *", want: "0 3 * * *"},
		{in: "  @every 1h ", want: "@every 1h"},
		{in: "30m", want: "@every 30m0s"},
		{in: "every:2h", want: "@every 2h0m0s"},
		{in: "interval:90s", want: "@every 1m30s"},
		{in: "cron: */5 * * * *", want: "*/5 * * * *"},
		{in: "", wantErr: true},
		{in: "cron:", wantErr: true},
		{in: "soon", wantErr: true},
		{in: "every:100ms", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeSpec(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NormalizeSpec(%q) = %q, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeSpec(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("NormalizeSpec(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRunNowRecordsOutcome(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop())
	var calls atomic.Int32
	boom := errors.New("boom")
	if err := s.Add("sweep", "@hourly", time.Second, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("job context has no deadline")
		}
		if calls.Add(1) == 2 {
			return boom
		}
		return nil
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := s.RunNow("sweep"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := s.RunNow("sweep"); !errors.Is(err, boom) {
		t.Fatalf("second run err = %v, want boom", err)
	}
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Runs != 2 || snap[0].LastErr != "boom" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if err := s.RunNow("missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("missing job err = %v", err)
	}
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop())
	entered := make(chan struct{})
	release := make(chan struct{})
	_ = s.Add("slow", "@hourly", 0, func(context.Context) error {
		close(entered)
		<-release
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- s.RunNow("slow") }()
	<-entered
	if err := s.RunNow("slow"); !errors.Is(err, ErrSkipped) {
		t.Fatalf("overlapping run err = %v, want ErrSkipped", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop())
	_ = s.Add("bad", "@daily", 0, func(context.Context) error { panic("nil map") })
	if err := s.RunNow("bad"); err == nil {
		t.Fatal("expected error from panicking job")
	}
	// The running flag is released after a panic.
	if err := s.RunNow("bad"); errors.Is(err, ErrSkipped) {
		t.Fatal("job stuck in running state after panic")
	}
}

func TestStartSchedulesAndReplaces(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop(), WithLocation(time.UTC))
	noop := func(context.Context) error { return nil }
	if err := s.Add("a", "@daily", 0, noop); err != nil {
		t.Fatal(err)
	}
	s.Start()
	t.Cleanup(func() { s.Stop(context.Background()) })

	if err := s.Add("a", "1h", 0, noop); err != nil {
		t.Fatal(err)
	}
	if err := s.Add("b", "not a schedule", 0, noop); err == nil {
		t.Fatal("expected invalid schedule error")
	}
	snap := s.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap[0].Spec != "@every 1h0m0s" || snap[0].Next.IsZero() {
		t.Fatalf("job a = %+v", snap[0])
	}
	if !s.Remove("a") || s.Remove("a") {
		t.Fatal("Remove should succeed exactly once")
	}
}
