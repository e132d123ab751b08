package util

import (
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("MAXBOT_TEST_VALUE", "  ")
	if got := GetEnv("MAXBOT_TEST_VALUE", "fallback"); got != "fallback" {
		t.Errorf("blank value should fall back, got %q", got)
	}
	t.Setenv("MAXBOT_TEST_VALUE", "set")
	if got := GetEnv("MAXBOT_TEST_VALUE", "fallback"); got != "set" {
		t.Errorf("GetEnv() = %q, want set", got)
	}
}

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"ON", false, true},
		{"0", true, false},
		{"off", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("MAXBOT_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("MAXBOT_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	def := 7 * time.Second
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", def},
		{"30", 30 * time.Second},
		{"1m30s", 90 * time.Second},
		{"250ms", 250 * time.Millisecond},
		{"0", 0},
		{"-5s", def},
		{"soon", def},
	}
	for _, tt := range tests {
		t.Setenv("MAXBOT_TEST_DURATION", tt.value)
		if got := ParseDurationEnv("MAXBOT_TEST_DURATION", def); got != tt.want {
			t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}
