package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNormalizeNumber(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
		ok    bool
	}{
		{"dashes", "555-555-0100", "+15555550100", true},
		{"parens", "(555) 555-0101", "+15555550101", true},
		{"spaces", "555 555 0103", "+15555550103", true},
		{"eleven digits with country code", "15555550104", "+15555550104", true},
		{"formatted with country code", "1 (555) 555-0105", "+15555550105", true},
		{"already normalized", "+15555550106", "+15555550106", true},
		{"eleven digits without leading one", "44555550107", "+44555550107", true},
		{"international", "+44 20 7946 095800", "+44207946095800", true},
		{"empty", "", "", false},
		{"too short", "123", "", false},
		{"nine digits", "555-550-10", "", false},
		{"no digits", "abc", "", false},
		{"letters with dashes", "abc-def-ghij", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := normalizeNumber(tc.input)
			if ok != tc.ok || got != tc.want {
				t.Fatalf("normalizeNumber(%q) = (%q, %t), want (%q, %t)", tc.input, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestNormalizeNumberIsIdempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{"5555550101", "(555) 555-0101", "1-555-555-0100", "+44 20 7946 0958", "0044207946095812"}
	for _, input := range inputs {
		once, ok := normalizeNumber(input)
		if !ok {
			t.Fatalf("normalizeNumber(%q) unexpectedly unresolvable", input)
		}
		if !strings.HasPrefix(once, "+") {
			t.Fatalf("normalizeNumber(%q) = %q, want leading +", input, once)
		}
		twice, ok := normalizeNumber(once)
		if !ok || twice != once {
			t.Fatalf("normalizeNumber(normalizeNumber(%q)) = %q, want %q", input, twice, once)
		}
	}
}

func TestBuildContactDirectory(t *testing.T) {
	t.Parallel()

	dir := buildContactDirectory([]contactRecord{
		{
			GivenName:      "Alice",
			FamilyName:     "Smith",
			PhoneNumbers:   []string{"(555) 555-0101", "123"},
			EmailAddresses: []string{" Alice@Example.com "},
		},
		{
			GivenName:    "Bob",
			PhoneNumbers: []string{"555.555.0102"},
		},
		{
			PhoneNumbers: []string{"555-555-0199"},
		},
	})

	if got := dir["+15555550101"]; got != "Alice Smith" {
		t.Fatalf("phone entry = %q, want Alice Smith", got)
	}
	if got := dir["alice@example.com"]; got != "Alice Smith" {
		t.Fatalf("email entry = %q, want Alice Smith", got)
	}
	if got := dir["+15555550102"]; got != "Bob" {
		t.Fatalf("single-name entry = %q, want Bob", got)
	}
	if _, ok := dir["+15555550199"]; ok {
		t.Fatalf("nameless contact should not be indexed")
	}
	if len(dir) != 3 {
		t.Fatalf("directory size = %d, want 3 (short number discarded)", len(dir))
	}
}

func TestContactDirectoryLookup(t *testing.T) {
	t.Parallel()

	dir := contactDirectory{
		"+15555550101":      "Alice Smith",
		"alice@example.com": "Alice Smith",
	}
	tests := []struct {
		identifier string
		want       string
		ok         bool
	}{
		{"+15555550101", "Alice Smith", true},
		{"5555550101", "Alice Smith", true},
		{"ALICE@example.com", "Alice Smith", true},
		{"bob@example.com", "", false},
		{"", "", false},
	}
	for _, tc := range tests {
		got, ok := dir.lookup(tc.identifier)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("lookup(%q) = (%q, %t), want (%q, %t)", tc.identifier, got, ok, tc.want, tc.ok)
		}
	}
}

func TestLoadContactsFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "contacts.json")
	body := `[{"givenName":"Alice","familyName":"Smith","phoneNumbers":["555-555-0101"],"emailAddresses":[]}]`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write contacts file: %v", err)
	}

	dir, err := loadContactsFile(path)
	if err != nil {
		t.Fatalf("load contacts file: %v", err)
	}
	if got := dir["+15555550101"]; got != "Alice Smith" {
		t.Fatalf("loaded entry = %q, want Alice Smith", got)
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write bad file: %v", err)
	}
	if _, err := loadContactsFile(bad); err == nil {
		t.Fatalf("expected parse error for malformed contacts file")
	}
	if _, err := loadContactsFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing contacts file")
	}
}
