// Package main tests for the daemon entry point.
package main

import (
	"os"
	"testing"
)

func TestVersionDefault(t *testing.T) {
	if Version == "" {
		t.Error("Version should not be empty")
	}
}

func TestEnvOr(t *testing.T) {
	const key = "SITESYNC_TEST_ENV_OR"

	os.Unsetenv(key)
	if got := envOr(key, "fallback"); got != "fallback" {
		t.Errorf("envOr unset = %q, want fallback", got)
	}

	os.Setenv(key, "value")
	defer os.Unsetenv(key)
	if got := envOr(key, "fallback"); got != "value" {
		t.Errorf("envOr set = %q, want value", got)
	}
}
