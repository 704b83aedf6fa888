package main

import (
	"os"
	"testing"
	"time"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("CASEMOVER_TEST_INT", "42")
	got := intEnv("CASEMOVER_TEST_INT", 7)
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("CASEMOVER_TEST_INT_BAD", "not-a-number")
	got := intEnv("CASEMOVER_TEST_INT_BAD", 7)
	if got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("CASEMOVER_TEST_DURATION", "150ms")
	got := durationEnv("CASEMOVER_TEST_DURATION", time.Second)
	if got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestBoolEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("CASEMOVER_TEST_BOOL_BAD", "yep")
	if got := boolEnv("CASEMOVER_TEST_BOOL_BAD", true); !got {
		t.Fatalf("expected fallback true")
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("CASEMOVER_TEST_INT_UNSET")
	_ = os.Unsetenv("CASEMOVER_TEST_DURATION_UNSET")

	if got := intEnv("CASEMOVER_TEST_INT_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
	if got := durationEnv("CASEMOVER_TEST_DURATION_UNSET", 3*time.Second); got != 3*time.Second {
		t.Fatalf("expected fallback 3s, got %s", got)
	}
}

func TestBuildSourceClientRequiresBaseURLAndToken(t *testing.T) {
	t.Setenv("CASEMOVER_SOURCE_BASE_URL", "")
	t.Setenv("CASEMOVER_SOURCE_TOKEN", "")
	if client := buildSourceClientFromEnv(); client != nil {
		t.Fatalf("expected nil client without source config")
	}

	t.Setenv("CASEMOVER_SOURCE_BASE_URL", "https://api.example.test")
	t.Setenv("CASEMOVER_SOURCE_TOKEN", "token_123")
	if client := buildSourceClientFromEnv(); client == nil {
		t.Fatalf("expected configured client")
	}
}
