package util

import (
	"strings"
	"testing"
)

func TestGenerateRandomID(t *testing.T) {
	tests := []struct {
		name       string
		prefix     string
		hexLength  int
		wantLength int
	}{
		{name: "short", prefix: "x_", hexLength: 8, wantLength: 10},
		{name: "custom prefix", prefix: "test_", hexLength: 16, wantLength: 21},
		{name: "no hex", prefix: "p", hexLength: 0, wantLength: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GenerateRandomID(tt.prefix, tt.hexLength)

			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("GenerateRandomID() = %v, want prefix %v", got, tt.prefix)
			}
			if len(got) != tt.wantLength {
				t.Errorf("GenerateRandomID() length = %v, want %v", len(got), tt.wantLength)
			}
			if !isValidHex(got[len(tt.prefix):]) {
				t.Errorf("GenerateRandomID() = %v has a non-hex suffix", got)
			}
		})
	}
}

func TestGenerateRandomHex(t *testing.T) {
	for _, n := range []int{-1, 0, 8, 64} {
		got := GenerateRandomHex(n)
		want := n
		if want < 0 {
			want = 0
		}
		if len(got) != want || !isValidHex(got) {
			t.Errorf("GenerateRandomHex(%d) = %q", n, got)
		}
	}
}

func TestGenerateRunID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := GenerateRunID()
		if !strings.HasPrefix(id, "run_") || len(id) != 16 {
			t.Fatalf("unexpected run id %q", id)
		}
		if seen[id] {
			t.Errorf("GenerateRunID() generated duplicate: %v", id)
		}
		seen[id] = true
	}
}

func isValidHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
