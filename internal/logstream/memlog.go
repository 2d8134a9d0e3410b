package logstream

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/ttycast/ttycast/internal/record"
	"github.com/ttycast/ttycast/internal/session"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// MemLog is an in-process Client with the same ordering and trimming
// semantics as the durable one. Streams are created on first use.
type MemLog struct {
	mu        sync.Mutex
	streams   map[string]*memStream
	nextSubID int64
}

type memStream struct {
	// firstSeq is the sequence records[0] carries, or lastSeq+1 when
	// the stream is empty. It moves past 1 only after a trim.
	firstSeq uint64
	lastSeq  uint64
	records  []record.Sequenced
	subs     map[int64]chan struct{}
}

func NewMemLog() *MemLog {
	return &MemLog{streams: make(map[string]*memStream)}
}

func (m *MemLog) Close() {}

func (m *MemLog) stream(name string) *memStream {
	st, ok := m.streams[name]
	if !ok {
		st = &memStream{firstSeq: 1, subs: make(map[int64]chan struct{})}
		m.streams[name] = st
	}
	return st
}

// AppendOne assigns the next sequence and wakes subscribers. The
// record's body and headers are copied so callers may reuse buffers.
func (m *MemLog) AppendOne(ctx context.Context, stream string, rec record.Record) (record.Position, error) {
	if err := ctx.Err(); err != nil {
		return record.Position{}, err
	}
	stored := record.Record{Timestamp: rec.Timestamp}
	if len(rec.Body) > 0 {
		stored.Body = make([]byte, len(rec.Body))
		copy(stored.Body, rec.Body)
	}
	if len(rec.Headers) > 0 {
		stored.Headers = make([]record.Header, len(rec.Headers))
		copy(stored.Headers, rec.Headers)
	}

	m.mu.Lock()
	st := m.stream(stream)
	st.lastSeq++
	seq := st.lastSeq
	st.records = append(st.records, record.Sequenced{Record: stored, Seq: seq})
	for _, notify := range st.subs {
		select {
		case notify <- struct{}{}:
		default:
		}
	}
	m.mu.Unlock()
	return record.Position{Seq: seq, Timestamp: stored.Timestamp}, nil
}

func (m *MemLog) TailPosition(ctx context.Context, stream string) (record.Position, error) {
	if err := ctx.Err(); err != nil {
		return record.Position{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stream(stream)
	pos := record.Position{Seq: st.lastSeq}
	if n := len(st.records); n > 0 {
		pos.Timestamp = st.records[n-1].Timestamp
	}
	return pos, nil
}

func (m *MemLog) ReadFrom(ctx context.Context, stream string, start Start) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	st := m.stream(stream)
	var cursor uint64
	trimmed := false
	switch start.kind {
	case startTail:
		cursor = st.lastSeq + 1
	case startSeq:
		cursor = start.seq
		if cursor == 0 {
			cursor = 1
		}
		if st.firstSeq > 1 && cursor < st.firstSeq {
			trimmed = true
			cursor = st.firstSeq
		}
	case startTime:
		cursor = st.lastSeq + 1
		for _, sr := range st.records {
			if sr.Timestamp >= start.time {
				cursor = sr.Seq
				break
			}
		}
		if st.firstSeq > 1 && len(st.records) > 0 && start.time < st.records[0].Timestamp {
			trimmed = true
		}
	}
	m.nextSubID++
	sub := &memSubscription{
		log:     m,
		stream:  stream,
		id:      m.nextSubID,
		cursor:  cursor,
		trimmed: trimmed,
		notify:  make(chan struct{}, 1),
		out:     make(chan record.Sequenced, 64),
		cancel:  make(chan struct{}),
	}
	st.subs[sub.id] = sub.notify
	m.mu.Unlock()

	go sub.loop(ctx)
	return sub, nil
}

// Trim drops records up to and including upToSeq, simulating retention.
func (m *MemLog) Trim(stream string, upToSeq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stream(stream)
	i := 0
	for i < len(st.records) && st.records[i].Seq <= upToSeq {
		i++
	}
	st.records = st.records[i:]
	if len(st.records) > 0 {
		st.firstSeq = st.records[0].Seq
	} else {
		st.firstSeq = st.lastSeq + 1
	}
}

func (m *MemLog) Sessions(ctx context.Context) ([]SessionInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SessionInfo
	for name, st := range m.streams {
		id, output, ok := session.ParseStream(name)
		if !ok || !output {
			continue
		}
		si := SessionInfo{SessionID: id, LastSeq: st.lastSeq}
		if n := len(st.records); n > 0 {
			si.LastActivity = st.records[n-1].Timestamp
		}
		out = append(out, si)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

// after copies records at or past the cursor. The copy keeps delivery
// independent of later trims.
func (m *MemLog) after(stream string, cursor uint64) []record.Sequenced {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stream(stream)
	if len(st.records) == 0 || cursor > st.lastSeq {
		return nil
	}
	idx := 0
	if cursor > st.firstSeq {
		idx = int(cursor - st.firstSeq)
	}
	out := make([]record.Sequenced, len(st.records)-idx)
	copy(out, st.records[idx:])
	return out
}

func (m *MemLog) removeSub(stream string, id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.streams[stream]; ok {
		delete(st.subs, id)
	}
}

type memSubscription struct {
	log     *MemLog
	stream  string
	id      int64
	cursor  uint64
	trimmed bool
	notify  chan struct{}
	out     chan record.Sequenced
	cancel  chan struct{}
	once    sync.Once
}

func (s *memSubscription) Records() <-chan record.Sequenced { return s.out }

func (s *memSubscription) Trimmed() bool { return s.trimmed }

func (s *memSubscription) Err() error { return nil }

func (s *memSubscription) Cancel() {
	s.once.Do(func() { close(s.cancel) })
}

func (s *memSubscription) loop(ctx context.Context) {
	defer close(s.out)
	defer s.log.removeSub(s.stream, s.id)
	for {
		for _, sr := range s.log.after(s.stream, s.cursor) {
			select {
			case s.out <- sr:
				s.cursor = sr.Seq + 1
			case <-s.cancel:
				return
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-s.notify:
		case <-s.cancel:
			return
		case <-ctx.Done():
			return
		}
	}
}
