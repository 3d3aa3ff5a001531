package api

import (
	"testing"
	"time"
)

func TestEnvIntFallsBackOnGarbage(t *testing.T) {
	t.Setenv("TEST_ENV_INT", "not-a-number")
	if got := envInt("TEST_ENV_INT", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
	t.Setenv("TEST_ENV_INT", "42")
	if got := envInt("TEST_ENV_INT", 7); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestEnvDurFallsBackOnGarbage(t *testing.T) {
	t.Setenv("TEST_ENV_DUR", "soon")
	if got := envDur("TEST_ENV_DUR", time.Second); got != time.Second {
		t.Fatalf("expected fallback 1s, got %v", got)
	}
	t.Setenv("TEST_ENV_DUR", "250ms")
	if got := envDur("TEST_ENV_DUR", time.Second); got != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %v", got)
	}
}

func TestEnvStringFallsBackWhenUnset(t *testing.T) {
	if got := envString("TEST_ENV_UNSET_STRING", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
	t.Setenv("TEST_ENV_STRING", "value")
	if got := envString("TEST_ENV_STRING", "fallback"); got != "value" {
		t.Fatalf("expected value, got %q", got)
	}
}
