package main

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

//go:embed contacts_helper.swift
var contactsHelperScript string

// contactRecord is one entry emitted by the Contacts helper.
type contactRecord struct {
	GivenName      string   `json:"givenName"`
	FamilyName     string   `json:"familyName"`
	PhoneNumbers   []string `json:"phoneNumbers"`
	EmailAddresses []string `json:"emailAddresses"`
}

func (c contactRecord) fullName() string {
	return strings.TrimSpace(c.GivenName + " " + c.FamilyName)
}

// contactDirectory maps a normalized phone number or lowercased e-mail address
// to a display name. It is built once and only read afterwards.
type contactDirectory map[string]string

// normalizeNumber converts a phone number to E.164 form. Ten digit numbers are
// assumed to be North American and get a leading +1.
func normalizeNumber(number string) (string, bool) {
	var digits strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	switch {
	case len(d) == 10:
		return "+1" + d, true
	case len(d) >= 11:
		return "+" + d, true
	default:
		return "", false
	}
}

func buildContactDirectory(records []contactRecord) contactDirectory {
	dir := make(contactDirectory, len(records)*2)
	for _, record := range records {
		name := record.fullName()
		if name == "" {
			continue
		}
		for _, number := range record.PhoneNumbers {
			if normalized, ok := normalizeNumber(number); ok {
				dir[normalized] = name
			}
		}
		for _, email := range record.EmailAddresses {
			email = strings.ToLower(strings.TrimSpace(email))
			if email != "" {
				dir[email] = name
			}
		}
	}
	return dir
}

// lookup finds the display name for a raw handle identifier. Identifiers from
// chat.db are already E.164 for phones; e-mail handles are matched
// case-insensitively.
func (d contactDirectory) lookup(identifier string) (string, bool) {
	if len(d) == 0 || identifier == "" {
		return "", false
	}
	if name, ok := d[identifier]; ok {
		return name, true
	}
	if strings.Contains(identifier, "@") {
		name, ok := d[strings.ToLower(strings.TrimSpace(identifier))]
		return name, ok
	}
	if normalized, ok := normalizeNumber(identifier); ok {
		name, ok := d[normalized]
		return name, ok
	}
	return "", false
}

func parseContactRecords(raw []byte) ([]contactRecord, error) {
	var records []contactRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("parse contacts JSON: %w", err)
	}
	return records, nil
}

func loadContactsFile(path string) (contactDirectory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read contacts file %q: %w", path, err)
	}
	records, err := parseContactRecords(raw)
	if err != nil {
		return nil, err
	}
	return buildContactDirectory(records), nil
}

// fetchContacts runs the embedded Swift helper against the system Contacts
// store. It blocks until the helper exits.
func fetchContacts(ctx context.Context) (contactDirectory, error) {
	cmd := exec.CommandContext(ctx, "swift", "-")
	cmd.Stdin = strings.NewReader(contactsHelperScript)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("contacts helper failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	records, err := parseContactRecords(stdout.Bytes())
	if err != nil {
		return nil, err
	}
	return buildContactDirectory(records), nil
}

// resolveContactDirectory picks the contact source configured for this run.
func resolveContactDirectory(ctx context.Context, opts collectOptions) (contactDirectory, error) {
	switch {
	case opts.noContacts:
		return contactDirectory{}, nil
	case opts.contactsPath != "":
		return loadContactsFile(opts.contactsPath)
	default:
		return fetchContacts(ctx)
	}
}
