// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadFromPath(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"plain", "archive-key-material", "archive-key-material"},
		{"trailing newline", "archive-key-material\n", "archive-key-material"},
		{"trailing whitespace", "archive-key-material \t\n", "archive-key-material"},
		{"leading whitespace", "\n archive-key-material", "archive-key-material"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "keyfile")
			if err := os.WriteFile(path, []byte(test.content), 0600); err != nil {
				t.Fatalf("writing key file: %v", err)
			}

			buffer, err := ReadFromPath(path)
			if err != nil {
				t.Fatalf("ReadFromPath: %v", err)
			}
			defer buffer.Close()

			if got := string(buffer.Bytes()); got != test.want {
				t.Errorf("got %q, want %q", got, test.want)
			}
		})
	}
}

func TestReadFromPathNotFound(t *testing.T) {
	_, err := ReadFromPath(filepath.Join(t.TempDir(), "missing"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestReadFromPathEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(path, nil, 0600); err != nil {
		t.Fatalf("writing key file: %v", err)
	}
	if _, err := ReadFromPath(path); err == nil {
		t.Fatal("expected error for empty file")
	}
}

func TestReadFromPathWhitespaceOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blank")
	if err := os.WriteFile(path, []byte("  \n\t\n"), 0600); err != nil {
		t.Fatalf("writing key file: %v", err)
	}
	if _, err := ReadFromPath(path); err == nil {
		t.Fatal("expected error for whitespace-only file")
	}
}
