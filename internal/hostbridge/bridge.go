// Package hostbridge runs one terminal process and relays it through
// the session's two logs: input records drive the pty, pty output is
// appended as output records. The bridge never talks to viewers
// directly; the logs are the only transport.
package hostbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/ttycast/ttycast/internal/logstream"
	"github.com/ttycast/ttycast/internal/record"
	"github.com/ttycast/ttycast/internal/session"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const (
	appendTimeout  = 10 * time.Second
	resubInitial   = 250 * time.Millisecond
	resubMax       = 5 * time.Second
	defaultRows    = 32
	defaultCols    = 72
	defaultReadBuf = 32 * 1024
	defaultRetries = 5
	defaultBackoff = 100 * time.Millisecond
)

// Config describes one hosted session.
type Config struct {
	Logs      logstream.Client
	SessionID string
	Command   []string

	// Initial pty size. Viewers send window records to change it.
	Rows int
	Cols int

	// ResumeSeq, when set, is the first input sequence to apply instead
	// of the input log's current tail. A supervisor restarting the host
	// uses it to avoid dropping keystrokes appended during the gap.
	ResumeSeq uint64

	// AppendRetries and AppendBackoff bound the output append retry
	// loop. Exhaustion is fatal for the bridge.
	AppendRetries int
	AppendBackoff time.Duration

	ReadBuffer int

	// Spawn launches the terminal process; nil means StartProcess.
	Spawn func(command []string, rows, cols int) (Process, error)

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Rows <= 0 {
		c.Rows = defaultRows
	}
	if c.Cols <= 0 {
		c.Cols = defaultCols
	}
	if c.AppendRetries <= 0 {
		c.AppendRetries = defaultRetries
	}
	if c.AppendBackoff <= 0 {
		c.AppendBackoff = defaultBackoff
	}
	if c.ReadBuffer <= 0 {
		c.ReadBuffer = defaultReadBuf
	}
	if c.Spawn == nil {
		c.Spawn = StartProcess
	}
	if c.Logger == nil {
		c.Logger = discardLogger
	}
}

// Bridge owns the process side of one session.
type Bridge struct {
	cfg          Config
	logger       *slog.Logger
	inputStream  string
	outputStream string
}

func New(cfg Config) (*Bridge, error) {
	cfg.setDefaults()
	if cfg.Logs == nil {
		return nil, errors.New("logs client is required")
	}
	if len(cfg.Command) == 0 {
		return nil, errors.New("command is required")
	}
	if err := session.ValidateID(cfg.SessionID); err != nil {
		return nil, err
	}
	in, out := session.Streams(cfg.SessionID)
	return &Bridge{
		cfg:          cfg,
		logger:       cfg.Logger.With("session", cfg.SessionID),
		inputStream:  in,
		outputStream: out,
	}, nil
}

// Run hosts the process until it exits or the bridge fails. A clean run
// drains remaining output, appends the exit marker and returns nil;
// cancelling ctx kills the process and still drains. A non-nil return
// means output was lost and the session is unrecoverable in place.
func (b *Bridge) Run(ctx context.Context) error {
	tail, err := b.cfg.Logs.TailPosition(ctx, b.inputStream)
	if err != nil {
		return fmt.Errorf("input log: %w", err)
	}
	// Touch the output log too so viewers can attach before the first
	// chunk is read from the pty.
	if _, err := b.cfg.Logs.TailPosition(ctx, b.outputStream); err != nil {
		return fmt.Errorf("output log: %w", err)
	}
	nextSeq := tail.Seq + 1
	if b.cfg.ResumeSeq > 0 {
		nextSeq = b.cfg.ResumeSeq
	}

	proc, err := b.cfg.Spawn(b.cfg.Command, b.cfg.Rows, b.cfg.Cols)
	if err != nil {
		return fmt.Errorf("start process: %w", err)
	}
	b.logger.Info("session started", "command", b.cfg.Command[0], "rows", b.cfg.Rows, "cols", b.cfg.Cols)

	exited := make(chan struct{})
	var exitCode int
	go func() {
		exitCode = proc.Wait()
		close(exited)
	}()

	// Cancellation kills the process; the drain path below still runs.
	go func() {
		select {
		case <-ctx.Done():
			_ = proc.Close()
		case <-exited:
		}
	}()

	inputDone := make(chan struct{})
	go func() {
		defer close(inputDone)
		b.runInput(ctx, proc, exited, nextSeq)
	}()

	runErr := b.runOutput(proc, exited)
	_ = proc.Close()
	<-exited
	<-inputDone

	if runErr != nil {
		return runErr
	}
	if err := b.appendOutput(record.ExitMarker(exitCode)); err != nil {
		return fmt.Errorf("exit marker: %w", err)
	}
	b.logger.Info("session ended", "code", exitCode)
	return nil
}

// runInput applies input records to the process strictly in sequence
// order. A failed read resubscribes at the next unseen sequence; the
// pump stops only when the process exits or ctx is cancelled.
func (b *Bridge) runInput(ctx context.Context, proc Process, exited <-chan struct{}, nextSeq uint64) {
	backoff := resubInitial
	for {
		sub, err := b.cfg.Logs.ReadFrom(ctx, b.inputStream, logstream.StartAtSeq(nextSeq))
		if err != nil {
			b.logger.Warn("input subscribe failed", "err", err)
			if !b.waitRetry(ctx, exited, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = resubInitial
		if !b.consumeInput(ctx, proc, exited, sub, &nextSeq) {
			sub.Cancel()
			return
		}
		// Subscription died; resubscribe where we left off.
		if err := sub.Err(); err != nil {
			b.logger.Warn("input read failed, resubscribing", "seq", nextSeq, "err", err)
		}
		if !b.waitRetry(ctx, exited, backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

// consumeInput drains one subscription. It returns false when the pump
// should stop for good, true when a resubscribe is wanted.
func (b *Bridge) consumeInput(ctx context.Context, proc Process, exited <-chan struct{}, sub logstream.Subscription, nextSeq *uint64) bool {
	for {
		select {
		case sr, ok := <-sub.Records():
			if !ok {
				return true
			}
			*nextSeq = sr.Seq + 1
			b.applyInput(proc, sr)
		case <-ctx.Done():
			return false
		case <-exited:
			return false
		}
	}
}

func (b *Bridge) applyInput(proc Process, sr record.Sequenced) {
	in, err := record.ClassifyInput(sr)
	if err != nil {
		b.logger.Warn("skipping malformed input record", "seq", sr.Seq, "err", err)
		return
	}
	switch ev := in.(type) {
	case record.KeystrokeInput:
		if _, err := proc.Write(ev.Data); err != nil {
			b.logger.Warn("pty write failed", "seq", sr.Seq, "err", err)
		}
	case record.WindowInput:
		if err := proc.Resize(ev.Rows, ev.Cols); err != nil {
			b.logger.Warn("pty resize failed", "seq", sr.Seq, "err", err)
		} else {
			b.logger.Debug("resized", "rows", ev.Rows, "cols", ev.Cols)
		}
	default:
		b.logger.Debug("ignoring input record", "seq", sr.Seq)
	}
}

func (b *Bridge) waitRetry(ctx context.Context, exited <-chan struct{}, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	case <-exited:
		return false
	}
}

// runOutput appends pty output one record per read. It returns nil when
// the process's output stream ends and everything read was appended,
// or the append error once retries are exhausted.
func (b *Bridge) runOutput(proc Process, exited <-chan struct{}) error {
	buf := make([]byte, b.cfg.ReadBuffer)
	for {
		n, err := proc.Read(buf)
		if n > 0 {
			if aerr := b.appendOutput(record.Output(buf[:n])); aerr != nil {
				return aerr
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			select {
			case <-exited:
				// Exited and nothing buffered within the poll window.
				return nil
			default:
				continue
			}
		}
		if !errors.Is(err, io.EOF) {
			b.logger.Debug("pty read ended", "err", err)
		}
		return nil
	}
}

// appendOutput retries transient failures with doubling backoff. The
// run context is deliberately not used: output already read from the
// pty must reach the log even during shutdown.
func (b *Bridge) appendOutput(rec record.Record) error {
	backoff := b.cfg.AppendBackoff
	var err error
	for attempt := 1; attempt <= b.cfg.AppendRetries; attempt++ {
		actx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		_, err = b.cfg.Logs.AppendOne(actx, b.outputStream, rec)
		cancel()
		if err == nil {
			return nil
		}
		if !logstream.IsTransient(err) {
			return fmt.Errorf("append output: %w", err)
		}
		b.logger.Warn("output append failed", "attempt", attempt, "err", err)
		if attempt < b.cfg.AppendRetries {
			time.Sleep(backoff)
			backoff = nextBackoff(backoff)
		}
	}
	return fmt.Errorf("append output: giving up after %d attempts: %w", b.cfg.AppendRetries, err)
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > resubMax {
		d = resubMax
	}
	return d
}
