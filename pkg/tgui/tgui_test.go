package tgui

import "testing"

func TestDataRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		scope, action, payload string
		want                   string
	}{
		{"nav", "next", "", "nav:next"},
		{"nav", "page", "3", "nav:page:3"},
		{" nav ", "prev", "a:b", "nav:prev:a:b"},
	}
	for _, tt := range tests {
		got := Data(tt.scope, tt.action, tt.payload)
		if got != tt.want {
			t.Fatalf("Data() = %q, want %q", got, tt.want)
		}
		s, a, p, ok := ParseData(got)
		if !ok || s != "nav" || a != tt.action || p != tt.payload {
			t.Fatalf("ParseData(%q) = %q %q %q %v", got, s, a, p, ok)
		}
	}
	if _, _, _, ok := ParseData("garbage"); ok {
		t.Fatal("expected ParseData to reject data without action")
	}
}

func TestPager(t *testing.T) {
	t.Parallel()
	tests := []struct {
		page, pages int
		want        []string
	}{
		{0, 1, nil},
		{0, 3, []string{"nav:next"}},
		{1, 3, []string{"nav:prev", "nav:next"}},
		{2, 3, []string{"nav:prev"}},
	}
	for _, tt := range tests {
		row := Pager(tt.page, tt.pages, "nav:prev", "nav:next")
		if len(row) != len(tt.want) {
			t.Fatalf("Pager(%d,%d) = %v", tt.page, tt.pages, row)
		}
		for i := range row {
			if row[i].Data != tt.want[i] {
				t.Fatalf("Pager(%d,%d)[%d] = %q", tt.page, tt.pages, i, row[i].Data)
			}
		}
	}
}

func TestInlineSkipsEmptyRows(t *testing.T) {
	t.Parallel()
	kb := NewInline().Row().Row(URLBtn("a", "https://x")).Row(Pager(0, 1, "p", "n")...).Keyboard()
	if len(kb) != 1 {
		t.Fatalf("rows = %d, want 1", len(kb))
	}
	if NewInline().Keyboard() != nil {
		t.Fatal("empty builder should return nil")
	}
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	if got := TruncRunes("héllo", 2); got != "hé…" {
		t.Fatalf("TruncRunes = %q", got)
	}
	if got := TruncRunes("hi", 2); got != "hi" {
		t.Fatalf("TruncRunes = %q", got)
	}
}

func TestHTMLEscaping(t *testing.T) {
	t.Parallel()
	if got := B("Tom & Jerry"); got != "<b>Tom &amp; Jerry</b>" {
		t.Fatalf("B() = %q", got)
	}
	if got := Code("<y>"); got != "<code>&lt;y&gt;</code>" {
		t.Fatalf("Code() = %q", got)
	}
}
