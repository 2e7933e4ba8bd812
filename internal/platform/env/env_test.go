package env

import (
	"testing"
	"time"
)

func TestStringDefaultAndOverride(t *testing.T) {
	if got := String("ALCAST_TEST_STRING", "fallback"); got != "fallback" {
		t.Fatalf("String() = %q, want fallback", got)
	}
	t.Setenv("ALCAST_TEST_STRING", "set")
	if got := String("ALCAST_TEST_STRING", "fallback"); got != "set" {
		t.Fatalf("String() = %q, want set", got)
	}
}

func TestDuration(t *testing.T) {
	d, err := Duration("ALCAST_TEST_DURATION", 5*time.Second)
	if err != nil || d != 5*time.Second {
		t.Fatalf("Duration() = %v, %v", d, err)
	}
	t.Setenv("ALCAST_TEST_DURATION", "250ms")
	d, err = Duration("ALCAST_TEST_DURATION", 5*time.Second)
	if err != nil || d != 250*time.Millisecond {
		t.Fatalf("Duration() = %v, %v", d, err)
	}
	t.Setenv("ALCAST_TEST_DURATION", "nope")
	if _, err := Duration("ALCAST_TEST_DURATION", 5*time.Second); err == nil {
		t.Fatal("Duration() must reject malformed values")
	}
}

func TestBoolAndInt(t *testing.T) {
	t.Setenv("ALCAST_TEST_BOOL", "true")
	b, err := Bool("ALCAST_TEST_BOOL", false)
	if err != nil || !b {
		t.Fatalf("Bool() = %v, %v", b, err)
	}
	t.Setenv("ALCAST_TEST_INT", "42")
	i, err := Int("ALCAST_TEST_INT", 0)
	if err != nil || i != 42 {
		t.Fatalf("Int() = %v, %v", i, err)
	}
	t.Setenv("ALCAST_TEST_INT", "forty-two")
	if _, err := Int("ALCAST_TEST_INT", 0); err == nil {
		t.Fatal("Int() must reject malformed values")
	}
}
