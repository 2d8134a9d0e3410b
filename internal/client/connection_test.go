package client

import (
	"path/filepath"
	"testing"
	"time"

	cliconfig "github.com/ttycast/ttycast/internal/cli/config"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	cfg := &cliconfig.Config{
		CurrentContext: "lab",
		Contexts: map[string]*cliconfig.Context{
			"lab": {
				URL:            "nats://lab:4222",
				Basin:          "lab",
				Username:       "alice",
				Password:       "s3cret",
				TimeoutSeconds: 30,
			},
			"prod": {
				URL:   "nats://prod:4222",
				Basin: "prod",
			},
		},
	}
	path := filepath.Join(t.TempDir(), "config")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save config: %v", err)
	}
	return path
}

func TestResolveConnectionFlagsWin(t *testing.T) {
	path := writeConfig(t)
	conn, err := ResolveConnection(path, "lab", "nats://flag:4222", "flagbasin", 5*time.Second)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if conn.URL != "nats://flag:4222" {
		t.Fatalf("expected flag url to win, got %q", conn.URL)
	}
	if conn.Basin != "flagbasin" {
		t.Fatalf("expected flag basin to win, got %q", conn.Basin)
	}
	if conn.Timeout != 5*time.Second {
		t.Fatalf("expected flag timeout to win, got %v", conn.Timeout)
	}
	if conn.Username != "alice" || conn.Password != "s3cret" {
		t.Fatalf("expected credentials from context, got %q/%q", conn.Username, conn.Password)
	}
}

func TestResolveConnectionContextValues(t *testing.T) {
	path := writeConfig(t)
	conn, err := ResolveConnection(path, "", "", "", 0)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if conn.URL != "nats://lab:4222" {
		t.Fatalf("expected current context url, got %q", conn.URL)
	}
	if conn.Basin != "lab" {
		t.Fatalf("expected current context basin, got %q", conn.Basin)
	}
	if conn.Timeout != 30*time.Second {
		t.Fatalf("expected context timeout, got %v", conn.Timeout)
	}
}

func TestResolveConnectionNamedContext(t *testing.T) {
	path := writeConfig(t)
	conn, err := ResolveConnection(path, "prod", "", "", 0)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if conn.URL != "nats://prod:4222" {
		t.Fatalf("expected prod url, got %q", conn.URL)
	}
	if conn.Timeout != 15*time.Second {
		t.Fatalf("expected default timeout, got %v", conn.Timeout)
	}
}

func TestResolveConnectionDefaults(t *testing.T) {
	t.Setenv("TTYCAST_URL", "")
	conn, err := ResolveConnection("", "", "", "", 0)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if conn.URL != "nats://127.0.0.1:4222" {
		t.Fatalf("expected default url, got %q", conn.URL)
	}
	if conn.Basin != "ttycast" {
		t.Fatalf("expected default basin, got %q", conn.Basin)
	}
}

func TestResolveConnectionEnvURL(t *testing.T) {
	t.Setenv("TTYCAST_URL", "nats://env:4222")
	conn, err := ResolveConnection("", "", "", "", 0)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if conn.URL != "nats://env:4222" {
		t.Fatalf("expected env url, got %q", conn.URL)
	}
}

func TestResolveConnectionUnknownContext(t *testing.T) {
	path := writeConfig(t)
	if _, err := ResolveConnection(path, "nope", "", "", 0); err == nil {
		t.Fatal("expected error for unknown context")
	}
}
