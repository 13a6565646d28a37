package service

import (
	"testing"
	"time"
)

func TestParseIntervalDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"1m", time.Minute},
		{"5m", 5 * time.Minute},
		{"1h", time.Hour},
		{"4h", 4 * time.Hour},
		{"1d", 24 * time.Hour},
	}
	for _, c := range cases {
		got, err := ParseIntervalDuration(c.in)
		if err != nil || got != c.want {
			t.Errorf("ParseIntervalDuration(%q) = %v, %v; want %v", c.in, got, err, c.want)
		}
	}

	for _, bad := range []string{"", "m", "10x", "abch"} {
		if _, err := ParseIntervalDuration(bad); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}

func TestLongestInterval(t *testing.T) {
	if got := LongestInterval([]string{"5m", "1h", "1m"}); got != "1h" {
		t.Errorf("Expected 1h, got %q", got)
	}
	// Unparseable entries are skipped
	if got := LongestInterval([]string{"junk", "15m"}); got != "15m" {
		t.Errorf("Expected 15m, got %q", got)
	}
	if got := LongestInterval(nil); got != "" {
		t.Errorf("Expected empty, got %q", got)
	}
}
