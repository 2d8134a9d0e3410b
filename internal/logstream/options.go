package logstream

import (
	"log/slog"
	"time"
)

// Options describe how to reach NATS JetStream and how per-log streams
// are provisioned there.
type Options struct {
	URL      string
	User     string
	Password string
	// Name identifies the connection to the broker.
	Name string
	// Basin namespaces every stream and subject this client touches.
	Basin string
	// CreateMissing provisions a log on first use instead of failing
	// with ErrStreamNotFound. The host side sets this; viewers leave it
	// off so attaching to an unknown session fails loudly.
	CreateMissing bool
	// MaxBytesPerLog caps each log before the broker trims from the
	// head (oldest records first).
	MaxBytesPerLog int64
	FetchBatch     int
	FetchWait      time.Duration
	Logger         *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Name == "" {
		o.Name = "ttycast"
	}
	if o.Basin == "" {
		o.Basin = "ttycast"
	}
	if o.MaxBytesPerLog == 0 {
		o.MaxBytesPerLog = 1 * 1024 * 1024 * 1024 // 1GB
	}
	if o.FetchBatch == 0 {
		o.FetchBatch = 64
	}
	if o.FetchWait == 0 {
		o.FetchWait = 500 * time.Millisecond
	}
}
