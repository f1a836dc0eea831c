package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestTemplatesValidate(t *testing.T) {
	dir := t.TempDir()
	for _, kind := range []string{"panopticon", "sentinel"} {
		path := filepath.Join(dir, kind+".toml")
		if err := WriteTemplate(path, kind, false); err != nil {
			t.Fatalf("write %s template: %v", kind, err)
		}
		if err := WriteTemplate(path, kind, false); err == nil {
			t.Fatalf("expected refusal to overwrite %s", path)
		}
		if err := WriteTemplate(path, kind, true); err != nil {
			t.Fatalf("forced overwrite: %v", err)
		}
	}
	p, err := LoadPanopticonConfig(filepath.Join(dir, "panopticon.toml"))
	if err != nil {
		t.Fatalf("panopticon template invalid: %v", err)
	}
	if p.TCPAddr != "0.0.0.0:8008" || p.MaxLineBytes != 8192 {
		t.Fatalf("unexpected panopticon template values: %+v", p)
	}
	s, err := LoadSentinelConfig(filepath.Join(dir, "sentinel.toml"))
	if err != nil {
		t.Fatalf("sentinel template invalid: %v", err)
	}
	if s.HalfBitMicros != 320 || s.Tolerance != 0.25 || s.SyntheticTag != "80:00:48:23:4C" {
		t.Fatalf("unexpected sentinel template values: %+v", s)
	}
	if _, err := Template("mirror"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestUnknownKeysRejected(t *testing.T) {
	path := writeFile(t, "panopticon.toml", `
tcp_addr = "0.0.0.0:8008"
tcp_adr = "typo"
`)
	_, err := LoadPanopticonConfig(path)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if !strings.Contains(err.Error(), "tcp_adr") {
		t.Fatalf("error should name the unknown key: %v", err)
	}
}

func TestPanopticonValidation(t *testing.T) {
	cases := map[string]string{
		"bad addr":          `tcp_addr = "8008"`,
		"bad duration":      `authz_timeout = "soon"`,
		"zero authz":        `authz_timeout = "0s"`,
		"negative lines":    `max_line_bytes = -1`,
		"bad overflow":      `events_overflow = "block"`,
		"utec without auth": `lock_provider = "utec"`,
		"bad security mode": `session_security_mode = "paranoid"`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadPanopticonConfig(writeFile(t, "p.toml", body))
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}

	ok := writeFile(t, "ok.toml", `
idle_timeout = "0s"
scan_debounce = "0s"
lock_provider = "utec"
lock_access_token = "token"
events_overflow = "disconnect"
`)
	if _, err := LoadPanopticonConfig(ok); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestSentinelValidation(t *testing.T) {
	cases := map[string]string{
		"missing address":   `secret = "s"`,
		"missing secret":    `address = "127.0.0.1:8008"`,
		"wide tolerance":    "address = \"127.0.0.1:8008\"\nsecret = \"s\"\ntolerance = 0.4",
		"slow multiplier":   "address = \"127.0.0.1:8008\"\nsecret = \"s\"\nbackoff_multiplier = 0.5",
		"replay no file":    "address = \"127.0.0.1:8008\"\nsecret = \"s\"\nsource = \"replay\"",
		"unknown source":    "address = \"127.0.0.1:8008\"\nsecret = \"s\"\nsource = \"gpio\"",
		"negative cooldown": "address = \"127.0.0.1:8008\"\nsecret = \"s\"\ncooldown = \"-1s\"",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadSentinelConfig(writeFile(t, "s.toml", body))
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}
