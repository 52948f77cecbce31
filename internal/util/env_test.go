package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	cases := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"", false, false},
		{"true", false, true},
		{"YES", false, true},
		{"1", false, true},
		{"off", true, false},
		{"0", true, false},
		{"garbage", true, true},
	}
	for _, tc := range cases {
		t.Setenv("TEST_BOOL", tc.value)
		if got := ParseBoolEnv("TEST_BOOL", tc.def); got != tc.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tc.value, tc.def, got, tc.want)
		}
	}
}

func TestParseMillisEnv(t *testing.T) {
	t.Setenv("TEST_MS", "2500")
	if got := ParseMillisEnv("TEST_MS", time.Second); got != 2500*time.Millisecond {
		t.Errorf("ParseMillisEnv = %v, want 2.5s", got)
	}
	t.Setenv("TEST_MS", "-5")
	if got := ParseMillisEnv("TEST_MS", time.Second); got != time.Second {
		t.Errorf("ParseMillisEnv negative = %v, want default", got)
	}
	t.Setenv("TEST_MS", "")
	if got := ParseMillisEnv("TEST_MS", time.Second); got != time.Second {
		t.Errorf("ParseMillisEnv empty = %v, want default", got)
	}
}
