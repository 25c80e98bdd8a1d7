package web

import (
	"strings"
	"testing"
	"time"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		s    string
		n    int
		want string
	}{
		{"short string unchanged", "hello", 10, "hello"},
		{"exact length unchanged", "hello", 5, "hello"},
		{"truncated with ellipsis", "hello world", 8, "hello..."},
		{"n equals 3", "hello", 3, "hel"},
		{"n less than 3", "hello", 2, "he"},
		{"empty string", "", 5, ""},
		{"unicode preserved", "café latte", 6, "caf..."},
		{"unicode exact", "café", 4, "café"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.s, tt.n)
			if got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.s, tt.n, got, tt.want)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name string
		d    time.Duration
		want string
	}{
		{"zero", 0, "0s"},
		{"seconds", 45 * time.Second, "45s"},
		{"minutes", 90 * time.Second, "1m 30s"},
		{"hours", 3*time.Hour + 25*time.Minute, "3h 25m"},
		{"days", 50 * time.Hour, "2d 2h"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatDuration(tt.d)
			if got != tt.want {
				t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
			}
		})
	}
}

func TestFormatTokens(t *testing.T) {
	tests := []struct {
		name string
		n    int64
		want string
	}{
		{"zero", 0, "0"},
		{"below a thousand", 999, "999"},
		{"thousands", 1500, "1.5K"},
		{"exactly a thousand", 1000, "1.0K"},
		{"millions", 2_340_000, "2.3M"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatTokens(tt.n)
			if got != tt.want {
				t.Errorf("formatTokens(%d) = %q, want %q", tt.n, got, tt.want)
			}
		})
	}
}

func TestTimeAgo(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name string
		t    time.Time
		want string
	}{
		{"zero time", time.Time{}, "never"},
		{"just now", now.Add(-10 * time.Second), "just now"},
		{"minutes ago", now.Add(-15 * time.Minute), "15m 0s ago"},
		{"hours ago", now.Add(-3 * time.Hour), "3h 0m ago"},
		{"days ago", now.Add(-72 * time.Hour), "3d 0h ago"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := timeAgo(tt.t)
			if got != tt.want {
				t.Errorf("timeAgo() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderMarkdown(t *testing.T) {
	got := string(renderMarkdown("The path **was** wrong."))
	if !strings.Contains(got, "<strong>was</strong>") {
		t.Errorf("renderMarkdown() = %q, want bold markup", got)
	}

	// Raw HTML in the source must not survive into the page.
	got = string(renderMarkdown(`<script>alert("x")</script>`))
	if strings.Contains(got, "<script>") {
		t.Errorf("renderMarkdown() = %q, raw HTML should be escaped", got)
	}
}
