package logger

import "testing"

func TestNew_ParsesLevel(t *testing.T) {
	log, err := New("dev", "warn")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log.Core().Enabled(-1) { // debug
		t.Fatalf("expected debug to be disabled at warn level")
	}
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	if _, err := New("prod", "loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestIsProduction(t *testing.T) {
	cases := map[string]bool{"prod": true, "Production": true, "dev": false, "": false}
	for env, want := range cases {
		if got := isProduction(env); got != want {
			t.Fatalf("isProduction(%q) = %v, want %v", env, got, want)
		}
	}
}
