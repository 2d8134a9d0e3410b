// Package clientbridge attaches a renderer to a session's logs: output
// records drive the renderer, keystrokes and resizes go back through
// the input log. The viewer never talks to the host directly.
//
// A bridge starts in one of two modes. With no replay point it enters
// LIVE at the output log's tail. With a replay point it REPLAYS history
// with timestamp pacing until the records it reads are fresh, then
// flips to LIVE for good.
package clientbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ttycast/ttycast/internal/logstream"
	"github.com/ttycast/ttycast/internal/record"
	"github.com/ttycast/ttycast/internal/session"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const (
	appendTimeout    = 10 * time.Second
	resubInitial     = 250 * time.Millisecond
	resubMax         = 5 * time.Second
	defaultFreshness = 5 * time.Second
	inputQueueDepth  = 64
)

type phase int

const (
	phaseConnecting phase = iota
	phaseReplaying
	phaseLive
)

func (p phase) String() string {
	switch p {
	case phaseReplaying:
		return "replaying"
	case phaseLive:
		return "live"
	default:
		return "connecting"
	}
}

// Renderer is where output bytes land. Render is called from a single
// goroutine in record order.
type Renderer interface {
	Render(data []byte) error
	// Size reports the renderer's current dimensions, used to announce
	// the viewer's window to the host on entering live mode.
	Size() (cols, rows int, err error)
}

// Config describes one viewer attachment.
type Config struct {
	Logs      logstream.Client
	SessionID string
	Renderer  Renderer

	// Since, when nonzero, replays history from this wall-clock epoch
	// ms instead of attaching at the tail.
	Since int64

	// Speedup divides inter-record delays during replay. 1 replays in
	// real time; 0 means 1.
	Speedup float64

	// FreshnessWindow is how recent a record's timestamp must be for
	// the bridge to consider itself caught up. Default 5s.
	FreshnessWindow time.Duration

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Speedup <= 0 {
		c.Speedup = 1
	}
	if c.FreshnessWindow <= 0 {
		c.FreshnessWindow = defaultFreshness
	}
	if c.Logger == nil {
		c.Logger = discardLogger
	}
}

// Bridge owns the viewer side of one session. All phase state is
// confined to the Run goroutine; SendInput and SendResize only touch
// the forwarding queue.
type Bridge struct {
	cfg          Config
	logger       *slog.Logger
	inputStream  string
	outputStream string
	inputCh      chan record.Record

	phase      phase
	lastSeq    uint64
	lastTs     int64
	warnedTrim bool
}

func New(cfg Config) (*Bridge, error) {
	cfg.setDefaults()
	if cfg.Logs == nil {
		return nil, errors.New("logs client is required")
	}
	if cfg.Renderer == nil {
		return nil, errors.New("renderer is required")
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
		inputCh:      make(chan record.Record, inputQueueDepth),
	}, nil
}

// Run attaches until the session ends, the renderer fails, or ctx is
// cancelled (a detach; returns nil). A session that cannot be reached
// at all fails fast with a renderable error.
func (b *Bridge) Run(ctx context.Context) error {
	if _, err := b.cfg.Logs.TailPosition(ctx, b.outputStream); err != nil {
		if errors.Is(err, logstream.ErrStreamNotFound) {
			return fmt.Errorf("session %q not found", b.cfg.SessionID)
		}
		return fmt.Errorf("connect to session %q: %w", b.cfg.SessionID, err)
	}

	go b.forwardInput(ctx)

	var start logstream.Start
	if b.cfg.Since > 0 {
		b.phase = phaseReplaying
		start = logstream.StartAtTime(b.cfg.Since)
		b.logger.Info("replaying", "since", b.cfg.Since, "speedup", b.cfg.Speedup)
	} else {
		b.enterLive()
		start = logstream.StartAtTail()
	}

	backoff := resubInitial
	for {
		sub, err := b.cfg.Logs.ReadFrom(ctx, b.outputStream, start)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Warn("output subscribe failed", "err", err)
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff)
			continue
		}
		if sub.Trimmed() && !b.warnedTrim {
			b.warnedTrim = true
			b.renderNotice("history trimmed, starting from oldest retained output")
		}
		seqBefore := b.lastSeq
		done, err := b.consume(ctx, sub)
		sub.Cancel()
		if done || err != nil {
			return err
		}
		// Back off only when the subscription made no progress, so a
		// flapping broker cannot spin the reconnect loop.
		if b.lastSeq == seqBefore {
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff)
		} else {
			backoff = resubInitial
		}
		// Subscription died. Live viewers rejoin at the tail; a replay
		// resumes from the last consumed timestamp, not the tail.
		if b.phase == phaseLive {
			start = logstream.StartAtTail()
		} else {
			ts := b.lastTs
			if ts == 0 {
				ts = b.cfg.Since
			}
			start = logstream.StartAtTime(ts)
		}
		b.logger.Info("reconnecting", "phase", b.phase.String(), "start", start.String())
	}
}

// consume drains one subscription. done reports that Run should stop.
func (b *Bridge) consume(ctx context.Context, sub logstream.Subscription) (done bool, err error) {
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case sr, ok := <-sub.Records():
			if !ok {
				if rerr := sub.Err(); rerr != nil {
					b.logger.Warn("output read failed, reconnecting", "err", rerr)
				}
				return false, nil
			}
			// A timestamp-based resume can re-deliver the record we
			// stopped on.
			if sr.Seq <= b.lastSeq {
				continue
			}
			stop, herr := b.handle(ctx, sr)
			b.lastSeq = sr.Seq
			b.lastTs = sr.Timestamp
			if stop || herr != nil {
				return true, herr
			}
		}
	}
}

func (b *Bridge) handle(ctx context.Context, sr record.Sequenced) (stop bool, err error) {
	if b.phase == phaseReplaying {
		if record.Now()-sr.Timestamp <= b.cfg.FreshnessWindow.Milliseconds() {
			b.enterLive()
		} else if d := replayDelay(sr.Timestamp, b.lastTs, b.cfg.Speedup); d > 0 {
			if !sleepCtx(ctx, d) {
				return true, nil
			}
		}
	}

	if _, typed := sr.HeaderValue(record.HeaderType); typed {
		in, cerr := record.ClassifyInput(sr)
		if cerr != nil {
			b.logger.Warn("skipping malformed output record", "seq", sr.Seq, "err", cerr)
			return false, nil
		}
		if ev, isExit := in.(record.ExitInput); isExit {
			b.renderNotice(fmt.Sprintf("session ended: exit %d", ev.Code))
			b.logger.Info("session ended", "code", ev.Code)
			return true, nil
		}
		b.logger.Debug("ignoring output record", "seq", sr.Seq)
		return false, nil
	}

	if len(sr.Body) > 0 {
		if rerr := b.cfg.Renderer.Render(sr.Body); rerr != nil {
			return true, fmt.Errorf("render: %w", rerr)
		}
	}
	return false, nil
}

// enterLive flips to LIVE and announces the viewer's window once. The
// flip is one way: nothing ever assigns an earlier phase.
func (b *Bridge) enterLive() {
	if b.phase == phaseLive {
		return
	}
	b.phase = phaseLive
	b.logger.Debug("caught up to live")
	cols, rows, err := b.cfg.Renderer.Size()
	if err != nil {
		b.logger.Debug("renderer size unavailable", "err", err)
		return
	}
	b.SendResize(cols, rows)
}

// SendInput forwards keystrokes to the session. Best effort: a full
// queue or failed append drops the bytes rather than stalling typing.
func (b *Bridge) SendInput(data []byte) {
	if len(data) == 0 {
		return
	}
	b.enqueue(record.Keystroke(append([]byte(nil), data...)))
}

// SendResize announces the viewer's window to the host. Best effort.
func (b *Bridge) SendResize(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	b.enqueue(record.Window(rows, cols))
}

func (b *Bridge) enqueue(rec record.Record) {
	select {
	case b.inputCh <- rec:
	default:
		b.logger.Warn("input queue full, dropping record")
	}
}

// forwardInput serializes input appends off the render path.
func (b *Bridge) forwardInput(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-b.inputCh:
			actx, cancel := context.WithTimeout(ctx, appendTimeout)
			_, err := b.cfg.Logs.AppendOne(actx, b.inputStream, rec)
			cancel()
			if err != nil {
				b.logger.Warn("input append failed, dropping", "err", err)
			}
		}
	}
}

func (b *Bridge) renderNotice(msg string) {
	notice := "\r\n\x1b[31m" + msg + "\x1b[0m\r\n"
	if err := b.cfg.Renderer.Render([]byte(notice)); err != nil {
		b.logger.Warn("render notice failed", "err", err)
	}
}

// replayDelay spaces a replayed record relative to the previous one.
// The first record of a replay (lastTs zero) renders immediately.
func replayDelay(ts, lastTs int64, speedup float64) time.Duration {
	if lastTs <= 0 || ts <= lastTs {
		return 0
	}
	return time.Duration(float64(ts-lastTs) / speedup * float64(time.Millisecond))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > resubMax {
		d = resubMax
	}
	return d
}
