package timefmt

import (
	"testing"
	"time"
)

func TestLayout(t *testing.T) {
	tests := []struct {
		format string
		want   string
	}{
		{format: "%Y-%m-%dT%H:%M:%S%z", want: "2006-01-02T15:04:05-0700"},
		{format: "%H:%M:%S", want: "15:04:05"},
		{format: "100%% %d %b", want: "100% 02 Jan"},
	}

	for _, tc := range tests {
		got, err := Layout(tc.format)
		if err != nil {
			t.Fatalf("Layout(%q) returned error: %v", tc.format, err)
		}
		if got != tc.want {
			t.Fatalf("Layout(%q) = %q, want %q", tc.format, got, tc.want)
		}
	}
}

func TestLayoutRejectsUnknownDirectives(t *testing.T) {
	if _, err := Layout("%Q"); err == nil {
		t.Fatalf("expected error for unsupported directive")
	}
	if _, err := Layout("%Y-%"); err == nil {
		t.Fatalf("expected error for dangling percent")
	}
}

func TestLayoutFormatsTimestamps(t *testing.T) {
	layout := MustLayout("%Y-%m-%dT%H:%M:%S%z")
	ts := time.Date(2024, 11, 1, 12, 30, 5, 0, time.UTC)
	if got := ts.Format(layout); got != "2024-11-01T12:30:05+0000" {
		t.Fatalf("unexpected formatted time %s", got)
	}
}
