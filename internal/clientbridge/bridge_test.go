package clientbridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ttycast/ttycast/internal/logstream"
	"github.com/ttycast/ttycast/internal/record"
	"github.com/ttycast/ttycast/internal/session"
)

type fakeRenderer struct {
	mu     sync.Mutex
	chunks [][]byte
	times  []time.Time
}

func (r *fakeRenderer) Render(data []byte) error {
	r.mu.Lock()
	r.chunks = append(r.chunks, append([]byte(nil), data...))
	r.times = append(r.times, time.Now())
	r.mu.Unlock()
	return nil
}

func (r *fakeRenderer) Size() (int, int, error) { return 80, 24, nil }

func (r *fakeRenderer) text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	for _, c := range r.chunks {
		b.Write(c)
	}
	return b.String()
}

func (r *fakeRenderer) renderTimes() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.times...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func appendOutput(t *testing.T, logs logstream.Client, stream string, body string, ts int64) {
	t.Helper()
	rec := record.Output([]byte(body))
	rec.Timestamp = ts
	if _, err := logs.AppendOne(context.Background(), stream, rec); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func startBridge(t *testing.T, cfg Config) (*Bridge, chan error) {
	t.Helper()
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(cancel)
	return b, done
}

func waitRun(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not stop")
	}
	return nil
}

func TestReplayDelayMath(t *testing.T) {
	t0 := int64(1_700_000_000_000)
	if d := replayDelay(t0+5000, t0, 5); d != time.Second {
		t.Fatalf("delay = %v, want 1s", d)
	}
	if d := replayDelay(t0+5000, t0, 1); d != 5*time.Second {
		t.Fatalf("delay = %v, want 5s", d)
	}
	if d := replayDelay(t0, t0+100, 1); d != 0 {
		t.Fatalf("delay for out-of-order timestamp = %v, want 0", d)
	}
	if d := replayDelay(t0, 0, 1); d != 0 {
		t.Fatalf("delay for first record = %v, want 0", d)
	}
}

func TestReplayPacesBetweenRecords(t *testing.T) {
	logs := logstream.NewMemLog()
	_, out := session.Streams("s1")
	base := record.Now() - 10*60*1000
	appendOutput(t, logs, out, "a", base)
	appendOutput(t, logs, out, "b", base+5000)

	r := &fakeRenderer{}
	startBridge(t, Config{Logs: logs, SessionID: "s1", Renderer: r, Since: 1, Speedup: 50})

	waitFor(t, func() bool { return r.text() == "ab" })
	times := r.renderTimes()
	if gap := times[1].Sub(times[0]); gap < 80*time.Millisecond {
		t.Fatalf("gap between renders = %v, want ~100ms of pacing", gap)
	}
}

func TestFreshRecordFlipsLiveBeforePacing(t *testing.T) {
	logs := logstream.NewMemLog()
	in, out := session.Streams("s1")
	base := record.Now() - 10*60*1000
	appendOutput(t, logs, out, "a", base)

	r := &fakeRenderer{}
	startBridge(t, Config{Logs: logs, SessionID: "s1", Renderer: r, Since: 1, Speedup: 1})
	waitFor(t, func() bool { return r.text() == "a" })

	// Ten minutes of timestamp gap would stall a paced replay for ten
	// minutes; freshness must win before pacing is considered.
	appendOutput(t, logs, out, "b", record.Now())
	waitFor(t, func() bool { return r.text() == "ab" })

	// Once live, a future timestamp must not reintroduce pacing.
	appendOutput(t, logs, out, "c", record.Now()+60_000)
	waitFor(t, func() bool { return r.text() == "abc" })

	// Entering live announces the viewer window exactly once.
	waitFor(t, func() bool {
		pos, err := logs.TailPosition(context.Background(), in)
		return err == nil && pos.Seq >= 1
	})
	time.Sleep(150 * time.Millisecond)
	pos, err := logs.TailPosition(context.Background(), in)
	if err != nil {
		t.Fatalf("input tail: %v", err)
	}
	if pos.Seq != 1 {
		t.Fatalf("input records = %d, want exactly one window record", pos.Seq)
	}
	sub, err := logs.ReadFrom(context.Background(), in, logstream.StartAtSeq(1))
	if err != nil {
		t.Fatalf("read input: %v", err)
	}
	defer sub.Cancel()
	sr := <-sub.Records()
	ev, cerr := record.ClassifyInput(sr)
	if cerr != nil {
		t.Fatalf("classify: %v", cerr)
	}
	win, ok := ev.(record.WindowInput)
	if !ok {
		t.Fatalf("input record = %T, want window", ev)
	}
	if win.Cols != 80 || win.Rows != 24 {
		t.Fatalf("window = %dx%d, want 80x24", win.Cols, win.Rows)
	}
}

func TestExitMarkerEndsRun(t *testing.T) {
	logs := logstream.NewMemLog()
	_, out := session.Streams("s1")
	appendOutput(t, logs, out, "bye", record.Now())
	marker := record.ExitMarker(0)
	if _, err := logs.AppendOne(context.Background(), out, marker); err != nil {
		t.Fatalf("append: %v", err)
	}

	r := &fakeRenderer{}
	_, done := startBridge(t, Config{Logs: logs, SessionID: "s1", Renderer: r, Since: 1})
	if err := waitRun(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}
	text := r.text()
	if !strings.Contains(text, "bye") {
		t.Fatalf("rendered %q, missing output before the marker", text)
	}
	if !strings.Contains(text, "session ended: exit 0") {
		t.Fatalf("rendered %q, missing end notice", text)
	}
}

func TestLiveAttachRendersNewOutput(t *testing.T) {
	logs := logstream.NewMemLog()
	_, out := session.Streams("s1")
	appendOutput(t, logs, out, "history", record.Now()-1000)

	r := &fakeRenderer{}
	startBridge(t, Config{Logs: logs, SessionID: "s1", Renderer: r})
	time.Sleep(100 * time.Millisecond)

	appendOutput(t, logs, out, "fresh", record.Now())
	waitFor(t, func() bool { return r.text() == "fresh" })
}

func TestTrimmedStartWarnsOnce(t *testing.T) {
	logs := logstream.NewMemLog()
	_, out := session.Streams("s1")
	base := record.Now() - 10*60*1000
	// Bodies chosen to not collide with letters in the warning notice.
	for _, body := range []string{"j", "k", "q", "v", "w"} {
		appendOutput(t, logs, out, body, base)
	}
	logs.Trim(out, 3)

	r := &fakeRenderer{}
	startBridge(t, Config{Logs: logs, SessionID: "s1", Renderer: r, Since: 1, Speedup: 1000})
	waitFor(t, func() bool { return strings.Contains(r.text(), "vw") })
	text := r.text()
	if !strings.Contains(text, "history trimmed") {
		t.Fatalf("rendered %q, missing trim warning", text)
	}
	if strings.Index(text, "history trimmed") > strings.Index(text, "vw") {
		t.Fatalf("rendered %q, warning must precede clamped output", text)
	}
	if strings.Contains(text, "j") || strings.Contains(text, "k") || strings.Contains(text, "q") {
		t.Fatalf("rendered %q, trimmed records must not replay", text)
	}
}

// failingAppends rejects every append to one stream.
type failingAppends struct {
	*logstream.MemLog
	stream string
}

func (f *failingAppends) AppendOne(ctx context.Context, stream string, rec record.Record) (record.Position, error) {
	if stream == f.stream {
		return record.Position{}, &logstream.TransientError{Op: "append", Stream: stream, Err: errors.New("broker down")}
	}
	return f.MemLog.AppendOne(ctx, stream, rec)
}

func TestSendInputDroppedOnAppendFailure(t *testing.T) {
	in, out := session.Streams("s1")
	logs := &failingAppends{MemLog: logstream.NewMemLog(), stream: in}

	r := &fakeRenderer{}
	b, _ := startBridge(t, Config{Logs: logs, SessionID: "s1", Renderer: r})
	time.Sleep(50 * time.Millisecond)

	b.SendInput([]byte("doomed"))
	appendOutput(t, logs, out, "still here", record.Now())
	waitFor(t, func() bool { return r.text() == "still here" })

	pos, err := logs.MemLog.TailPosition(context.Background(), in)
	if err != nil {
		t.Fatalf("input tail: %v", err)
	}
	if pos.Seq != 0 {
		t.Fatalf("input log has %d records, dropped append reached the log", pos.Seq)
	}
}

// notFound fails tail lookups the way the durable client does for a
// session that was never hosted.
type notFound struct {
	*logstream.MemLog
}

func (n *notFound) TailPosition(ctx context.Context, stream string) (record.Position, error) {
	return record.Position{}, logstream.ErrStreamNotFound
}

func TestConnectFailureIsRenderable(t *testing.T) {
	logs := &notFound{MemLog: logstream.NewMemLog()}
	r := &fakeRenderer{}
	b, err := New(Config{Logs: logs, SessionID: "ghost", Renderer: r})
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	err = b.Run(context.Background())
	if err == nil {
		t.Fatal("expected connect error")
	}
	if !strings.Contains(err.Error(), `session "ghost" not found`) {
		t.Fatalf("err = %v, want a user-renderable not-found message", err)
	}
}

// flakyReads kills the first subscription after one delivered record.
type flakyReads struct {
	*logstream.MemLog

	mu    sync.Mutex
	calls int
}

func (f *flakyReads) ReadFrom(ctx context.Context, stream string, start logstream.Start) (logstream.Subscription, error) {
	f.mu.Lock()
	f.calls++
	first := f.calls == 1
	f.mu.Unlock()
	sub, err := f.MemLog.ReadFrom(ctx, stream, start)
	if err != nil || !first {
		return sub, err
	}
	return newDroppingSub(sub), nil
}

type droppingSub struct {
	inner logstream.Subscription
	out   chan record.Sequenced
	err   error
}

func newDroppingSub(inner logstream.Subscription) *droppingSub {
	d := &droppingSub{inner: inner, out: make(chan record.Sequenced)}
	go func() {
		defer close(d.out)
		sr, ok := <-inner.Records()
		if !ok {
			return
		}
		d.out <- sr
		d.err = errors.New("connection reset")
		inner.Cancel()
	}()
	return d
}

func (d *droppingSub) Records() <-chan record.Sequenced { return d.out }
func (d *droppingSub) Trimmed() bool                    { return d.inner.Trimmed() }
func (d *droppingSub) Err() error                       { return d.err }
func (d *droppingSub) Cancel()                          { d.inner.Cancel() }

func TestReplayResumesAtTimestampWithoutDuplicates(t *testing.T) {
	logs := &flakyReads{MemLog: logstream.NewMemLog()}
	_, out := session.Streams("s1")
	base := record.Now() - 10*60*1000
	appendOutput(t, logs, out, "a", base)
	appendOutput(t, logs, out, "b", base)
	appendOutput(t, logs, out, "c", base)

	r := &fakeRenderer{}
	startBridge(t, Config{Logs: logs, SessionID: "s1", Renderer: r, Since: 1, Speedup: 1000})

	// The resumed subscription re-delivers the record the first one
	// stopped on; sequence dedupe must drop it.
	waitFor(t, func() bool { return len(r.text()) >= 3 })
	if text := r.text(); text != "abc" {
		t.Fatalf("rendered %q, want each record exactly once in order", text)
	}
}
