package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func clearSettingsEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DJANGO_DEBUG", "DJANGO_APPEND_SLASH", "DJANGO_EMAIL_BACKEND", "DJANGO_SECRET_KEY",
		"DATABASE_URL", "ZEROPUSH_AUTH_TOKEN", "PORT", "BASE_DIR",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "DOTENV",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestCLIOverrides(t *testing.T) {
	t.Run("unset flags leave settings alone", func(t *testing.T) {
		c := newCLI(&bytes.Buffer{})
		if _, err := c.app.Parse([]string{"check"}); err != nil {
			t.Fatalf("parse: %v", err)
		}
		o := c.overrides()
		if o.Debug != nil || o.Port != nil || o.RateLimitRPS != nil || o.RateLimitBurst != nil || o.DatabaseURL != nil {
			t.Fatalf("expected no overrides, got %+v", o)
		}
	})

	t.Run("explicit flags override", func(t *testing.T) {
		c := newCLI(&bytes.Buffer{})
		_, err := c.app.Parse([]string{
			"--no-debug", "--port", "9000", "--rate-limit-rps", "0",
			"--database-url", "sqlite://:memory:", "--config", "settings.yaml",
		})
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		o := c.overrides()
		if o.Debug == nil || *o.Debug {
			t.Fatalf("expected explicit debug=false")
		}
		if *o.Port != "9000" || *o.RateLimitRPS != 0 || *o.DatabaseURL != "sqlite://:memory:" {
			t.Fatalf("unexpected overrides %+v", o)
		}
		if o.ConfigFile != "settings.yaml" || o.RateLimitBurst != nil {
			t.Fatalf("unexpected overrides %+v", o)
		}
	})
}

func TestRunSettingsMasksSecrets(t *testing.T) {
	clearSettingsEnv(t)
	t.Setenv("DJANGO_SECRET_KEY", "topsecret")
	t.Setenv("DATABASE_URL", "postgres://app:hunter2@db:5432/app")

	var out bytes.Buffer
	if err := run([]string{"settings", "--base-dir", t.TempDir()}, &out); err != nil {
		t.Fatalf("run returned error: %v", err)
	}

	text := out.String()
	if strings.Contains(text, "topsecret") || strings.Contains(text, "hunter2") {
		t.Fatalf("expected secrets to be masked:\n%s", text)
	}
	if !strings.Contains(text, "installed_apps:") || !strings.Contains(text, "********") {
		t.Fatalf("expected settings YAML, got:\n%s", text)
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	if err := run([]string{"migrate"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error for unknown command")
	}
}

func TestRunReportsConfigErrors(t *testing.T) {
	clearSettingsEnv(t)

	err := run([]string{"settings", "--config", filepath.Join(t.TempDir(), "missing.yaml")}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "failed to load configuration") {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRunTokenCommands(t *testing.T) {
	clearSettingsEnv(t)
	base := t.TempDir()
	args := func(rest ...string) []string {
		return append([]string{
			"--base-dir", base,
			"--database-url", "sqlite:///" + filepath.Join(base, "db.sqlite3"),
		}, rest...)
	}

	var out bytes.Buffer
	if err := run(args("token", "issue", "7"), &out); err != nil {
		if strings.Contains(err.Error(), "CGO_ENABLED") {
			t.Skip("sqlite driver requires cgo")
		}
		t.Fatalf("issue: %v", err)
	}
	key := strings.TrimSpace(out.String())
	if len(key) != 40 {
		t.Fatalf("expected a 40 character key, got %q", key)
	}

	out.Reset()
	if err := run(args("token", "list"), &out); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out.String(), key) {
		t.Fatalf("expected issued key in listing, got %q", out.String())
	}

	if err := run(args("token", "revoke", key), &bytes.Buffer{}); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := run(args("token", "revoke", key), &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error when revoking twice")
	}

	out.Reset()
	if err := run(args("check"), &out); err != nil {
		t.Fatalf("check: %v", err)
	}
	if !strings.Contains(out.String(), "no issues") {
		t.Fatalf("unexpected check output %q", out.String())
	}
}

func TestRunCollectStatic(t *testing.T) {
	clearSettingsEnv(t)
	base := t.TempDir()
	if err := os.MkdirAll(filepath.Join(base, "static"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(base, "static", "site.css"), []byte("body{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	var out bytes.Buffer
	err := run([]string{
		"collectstatic",
		"--base-dir", base,
		"--database-url", "sqlite:///" + filepath.Join(base, "db.sqlite3"),
	}, &out)
	if err != nil {
		if strings.Contains(err.Error(), "CGO_ENABLED") {
			t.Skip("sqlite driver requires cgo")
		}
		t.Fatalf("collectstatic: %v", err)
	}
	if !strings.Contains(out.String(), "1 static files copied.") {
		t.Fatalf("unexpected output %q", out.String())
	}
	// The static root sits next to the base directory.
	if _, err := os.Stat(filepath.Join(filepath.Dir(base), "staticfiles", "site.css")); err != nil {
		t.Fatalf("expected collected file: %v", err)
	}
}
