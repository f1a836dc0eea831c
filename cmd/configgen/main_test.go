package main

import (
	"path/filepath"
	"testing"

	"github.com/danmuck/panopticon/internal/config"
)

func TestWriteThenValidate(t *testing.T) {
	for _, kind := range []string{"panopticon", "sentinel"} {
		t.Run(kind, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := config.WriteTemplate(path, kind, false); err != nil {
				t.Fatalf("write: %v", err)
			}
			if err := validate(kind, path); err != nil {
				t.Fatalf("validate: %v", err)
			}
			if err := config.WriteTemplate(path, kind, false); err == nil {
				t.Fatalf("expected existing file to be kept without -force")
			}
		})
	}
}

func TestUnknownKind(t *testing.T) {
	if _, err := defaultPath("gateway"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
	if err := validate("reader", "config.toml"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}
