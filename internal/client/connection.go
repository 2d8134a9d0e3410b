// Package client resolves broker connection settings for the CLI and
// TUI binaries and opens the durable log client from them.
package client

import (
	"log/slog"
	"os"
	"time"

	cliconfig "github.com/ttycast/ttycast/internal/cli/config"
	"github.com/ttycast/ttycast/internal/logstream"
)

// Connection is the fully resolved set of broker settings.
type Connection struct {
	URL         string
	Basin       string
	Username    string
	Password    string
	Timeout     time.Duration
	ConfigPath  string
	ContextName string
	Config      *cliconfig.Config
	Context     *cliconfig.Context
}

// ResolveConnection mirrors cmd/ttycast's config semantics:
// 1) flags (url, basin, timeout, contextName)
// 2) config file values
// 3) environment (TTYCAST_URL)
// 4) defaults (nats://127.0.0.1:4222, basin "ttycast", 15s)
func ResolveConnection(configPath, contextName, url, basin string, timeout time.Duration) (*Connection, error) {
	conn := &Connection{
		ConfigPath:  configPath,
		ContextName: contextName,
		URL:         url,
		Basin:       basin,
		Timeout:     timeout,
	}

	if conn.ConfigPath != "" {
		cfg, err := cliconfig.Load(conn.ConfigPath)
		if err != nil {
			return nil, err
		}
		conn.Config = cfg
	}

	if conn.Config != nil {
		ctx, _, err := conn.Config.Resolve(conn.ContextName)
		if err != nil {
			return nil, err
		}
		conn.Context = ctx
	}

	if conn.URL == "" && conn.Context != nil {
		conn.URL = conn.Context.URL
	}
	if conn.Basin == "" && conn.Context != nil {
		conn.Basin = conn.Context.Basin
	}
	if conn.Context != nil {
		conn.Username = conn.Context.Username
		conn.Password = conn.Context.Password
	}

	if conn.Timeout == 0 {
		if conn.Context != nil && conn.Context.TimeoutSeconds > 0 {
			conn.Timeout = time.Duration(conn.Context.TimeoutSeconds) * time.Second
		} else {
			conn.Timeout = 15 * time.Second
		}
	}

	if conn.URL == "" {
		conn.URL = os.Getenv("TTYCAST_URL")
		if conn.URL == "" {
			conn.URL = "nats://127.0.0.1:4222"
		}
	}
	if conn.Basin == "" {
		conn.Basin = "ttycast"
	}

	return conn, nil
}

// Dial opens the log client for this connection. Viewers never provision
// streams, so attaching to an unknown session fails instead of creating
// an empty log.
func (c *Connection) Dial(logger *slog.Logger) (*logstream.JetStream, error) {
	return logstream.Connect(&logstream.Options{
		URL:      c.URL,
		User:     c.Username,
		Password: c.Password,
		Basin:    c.Basin,
		Logger:   logger,
	})
}
