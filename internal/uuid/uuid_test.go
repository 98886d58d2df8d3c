// Package uuid tests for UUID generation and validation.
package uuid

import "testing"

// TestNew verifies generated IDs are valid v4 and unique.
func TestNew(t *testing.T) {
	seen := make(map[string]bool)

	for i := 0; i < 100; i++ {
		id := New()
		if !IsValid(id) {
			t.Fatalf("New() produced invalid UUID v4: %q", id)
		}
		if seen[id] {
			t.Fatalf("New() produced duplicate UUID: %q", id)
		}
		seen[id] = true
	}
}

// TestIsValid verifies format checking.
func TestIsValid(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"valid v4", "6ba7b810-9dad-41d1-80b4-00c04fd430c8", true},
		{"empty", "", false},
		{"no dashes", "6ba7b8109dad41d180b400c04fd430c8", false},
		{"wrong version", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", false},
		{"wrong variant", "6ba7b810-9dad-41d1-c0b4-00c04fd430c8", false},
		{"too short", "6ba7b810-9dad-41d1-80b4", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(tt.in); got != tt.want {
				t.Errorf("IsValid(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// TestValidate verifies error reporting.
func TestValidate(t *testing.T) {
	if err := Validate(New()); err != nil {
		t.Errorf("Validate() on generated UUID failed: %v", err)
	}
	if err := Validate("not-a-uuid"); err == nil {
		t.Error("Validate() accepted invalid input")
	}
}
