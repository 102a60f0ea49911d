package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassOf(t *testing.T) {
	t.Parallel()
	base := errors.New("boom")
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{name: "nil", err: nil, permanent: false},
		{name: "plain", err: base, permanent: false},
		{name: "transient", err: TransientError(base), permanent: false},
		{name: "permanent", err: PermanentError(base), permanent: true},
		{name: "wrapped permanent", err: fmt.Errorf("send: %w", PermanentError(base)), permanent: true},
		{name: "context", err: TransientError(context.DeadlineExceeded), permanent: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanent(tt.err); got != tt.permanent {
				t.Fatalf("IsPermanent = %v, want %v", got, tt.permanent)
			}
		})
	}
}

func TestDeliveryErrorUnwrap(t *testing.T) {
	t.Parallel()
	base := errors.New("blocked")
	err := PermanentError(base)
	if !errors.Is(err, base) {
		t.Fatalf("expected errors.Is to reach the wrapped error")
	}
	if got := err.Error(); got != "permanent delivery failure: blocked" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestPayloadEmpty(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		p     Payload
		empty bool
	}{
		{name: "zero", p: Payload{}, empty: true},
		{name: "blank text", p: Payload{Kind: KindText, Text: "  "}, empty: true},
		{name: "text", p: Payload{Kind: KindText, Text: "hi"}, empty: false},
		{name: "photo without media", p: Payload{Kind: KindPhoto, Caption: "x"}, empty: true},
		{name: "photo", p: Payload{Kind: KindPhoto, Media: "AgAD"}, empty: false},
		{name: "document no caption", p: Payload{Kind: KindDocument, Media: "BQAD"}, empty: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.Empty(); got != tt.empty {
				t.Fatalf("Empty() = %v, want %v", got, tt.empty)
			}
		})
	}
}
