package logstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ttycast/ttycast/internal/record"
)

// JetStream is the durable Client backed by NATS JetStream. Every
// logical log maps to its own stream so the broker's per-stream
// sequence numbers are exactly the record sequence numbers.
type JetStream struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	opts   *Options
	logger *slog.Logger

	mu      sync.Mutex
	ensured map[string]struct{}
}

// Connect dials the broker and returns a ready client.
func Connect(opts *Options) (*JetStream, error) {
	cfg := Options{}
	if opts != nil {
		cfg = *opts
	}
	cfg.setDefaults()
	logger := discardLogger
	if cfg.Logger != nil {
		logger = cfg.Logger
	}
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	natsOpts := []nats.Option{nats.Name(cfg.Name)}
	if cfg.User != "" {
		natsOpts = append(natsOpts, nats.UserInfo(cfg.User, cfg.Password))
	}
	conn, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &JetStream{
		conn:    conn,
		js:      js,
		opts:    &cfg,
		logger:  logger,
		ensured: make(map[string]struct{}),
	}, nil
}

// Close drains and closes the broker connection.
func (c *JetStream) Close() {
	if c.conn != nil {
		c.conn.Drain()
		c.conn.Close()
	}
}

// streamName flattens a logical log name into a broker stream name.
func (c *JetStream) streamName(logical string) string {
	return c.opts.Basin + "_" + strings.ReplaceAll(logical, "/", "_")
}

func (c *JetStream) subject(logical string) string {
	return c.opts.Basin + "." + strings.ReplaceAll(logical, "/", ".")
}

func (c *JetStream) ensure(ctx context.Context, logical string) error {
	if !c.opts.CreateMissing {
		return nil
	}
	name := c.streamName(logical)
	c.mu.Lock()
	_, done := c.ensured[name]
	c.mu.Unlock()
	if done {
		return nil
	}
	cfg := &nats.StreamConfig{
		Name:      name,
		Subjects:  []string{c.subject(logical)},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxMsgs:   -1,
		MaxBytes:  c.opts.MaxBytesPerLog,
		Discard:   nats.DiscardOld,
	}
	if _, err := c.js.StreamInfo(name, nats.Context(ctx)); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			if _, addErr := c.js.AddStream(cfg, nats.Context(ctx)); addErr != nil {
				return &TransientError{Op: "provision", Stream: logical, Err: addErr}
			}
		} else {
			return &TransientError{Op: "provision", Stream: logical, Err: err}
		}
	} else if _, err := c.js.UpdateStream(cfg, nats.Context(ctx)); err != nil {
		return &TransientError{Op: "provision", Stream: logical, Err: err}
	}
	c.mu.Lock()
	c.ensured[name] = struct{}{}
	c.mu.Unlock()
	return nil
}

// AppendOne publishes the record and returns the broker-assigned
// sequence paired with the record's client timestamp.
func (c *JetStream) AppendOne(ctx context.Context, stream string, rec record.Record) (record.Position, error) {
	if err := c.ensure(ctx, stream); err != nil {
		return record.Position{}, err
	}
	payload, err := encodeRecord(rec)
	if err != nil {
		return record.Position{}, err
	}
	ack, err := c.js.PublishMsg(&nats.Msg{Subject: c.subject(stream), Data: payload}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrMaxPayload) {
			return record.Position{}, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(payload))
		}
		if errors.Is(err, nats.ErrNoStreamResponse) {
			return record.Position{}, fmt.Errorf("%w: %s", ErrStreamNotFound, stream)
		}
		return record.Position{}, &TransientError{Op: "append", Stream: stream, Err: err}
	}
	return record.Position{Seq: ack.Sequence, Timestamp: rec.Timestamp}, nil
}

// TailPosition snapshots the log's end from the broker's stream state.
func (c *JetStream) TailPosition(ctx context.Context, stream string) (record.Position, error) {
	if err := c.ensure(ctx, stream); err != nil {
		return record.Position{}, err
	}
	info, err := c.streamInfo(ctx, stream)
	if err != nil {
		return record.Position{}, err
	}
	pos := record.Position{Seq: info.State.LastSeq}
	if info.State.LastSeq > 0 {
		pos.Timestamp = info.State.LastTime.UnixMilli()
	}
	return pos, nil
}

func (c *JetStream) streamInfo(ctx context.Context, stream string) (*nats.StreamInfo, error) {
	info, err := c.js.StreamInfo(c.streamName(stream), nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, stream)
		}
		return nil, &TransientError{Op: "tail", Stream: stream, Err: err}
	}
	return info, nil
}

// ReadFrom opens a live-tailing pull consumer at the requested start.
// A start that retention has already trimmed away is clamped to the
// oldest available record and flagged on the subscription.
func (c *JetStream) ReadFrom(ctx context.Context, stream string, start Start) (Subscription, error) {
	if err := c.ensure(ctx, stream); err != nil {
		return nil, err
	}
	info, err := c.streamInfo(ctx, stream)
	if err != nil {
		return nil, err
	}

	trimmed := false
	subOpts := []nats.SubOpt{nats.BindStream(c.streamName(stream)), nats.AckExplicit()}
	switch start.kind {
	case startTail:
		subOpts = append(subOpts, nats.DeliverNew())
	case startSeq:
		seq := start.seq
		if seq == 0 {
			seq = 1
		}
		if info.State.FirstSeq > 1 && seq < info.State.FirstSeq {
			trimmed = true
			seq = info.State.FirstSeq
		}
		subOpts = append(subOpts, nats.StartSequence(seq))
	case startTime:
		at := time.UnixMilli(start.time)
		if info.State.FirstSeq > 1 && info.State.Msgs > 0 && at.Before(info.State.FirstTime) {
			trimmed = true
		}
		subOpts = append(subOpts, nats.StartTime(at))
	}
	if trimmed {
		c.logger.Warn("start position trimmed by retention, clamping to oldest available",
			"stream", stream, "start", start.String())
	}

	psub, err := c.js.PullSubscribe(c.subject(stream), "", subOpts...)
	if err != nil {
		return nil, &TransientError{Op: "subscribe", Stream: stream, Err: err}
	}
	s := &jsSubscription{
		stream:  stream,
		psub:    psub,
		batch:   c.opts.FetchBatch,
		wait:    c.opts.FetchWait,
		trimmed: trimmed,
		logger:  c.logger,
		out:     make(chan record.Sequenced, 64),
		cancel:  make(chan struct{}),
	}
	go s.loop(ctx)
	return s, nil
}

// Sessions lists sessions by scanning this basin's output-log streams.
func (c *JetStream) Sessions(ctx context.Context) ([]SessionInfo, error) {
	prefix := c.opts.Basin + "_sessions_"
	var out []SessionInfo
	for info := range c.js.Streams(nats.Context(ctx)) {
		id, found := strings.CutPrefix(info.Config.Name, prefix)
		if !found {
			continue
		}
		id, found = strings.CutSuffix(id, "_term_output")
		if !found {
			continue
		}
		si := SessionInfo{SessionID: id, LastSeq: info.State.LastSeq}
		if info.State.LastSeq > 0 {
			si.LastActivity = info.State.LastTime.UnixMilli()
		}
		out = append(out, si)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

type jsSubscription struct {
	stream  string
	psub    *nats.Subscription
	batch   int
	wait    time.Duration
	trimmed bool
	logger  *slog.Logger

	out    chan record.Sequenced
	cancel chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

func (s *jsSubscription) Records() <-chan record.Sequenced { return s.out }

func (s *jsSubscription) Trimmed() bool { return s.trimmed }

func (s *jsSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *jsSubscription) Cancel() {
	s.once.Do(func() { close(s.cancel) })
}

func (s *jsSubscription) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *jsSubscription) cancelled(ctx context.Context) bool {
	select {
	case <-s.cancel:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// loop fetches in order until cancelled or the transport fails. Fetch
// timeouts mean the consumer is caught up; it keeps waiting for new
// records rather than terminating.
func (s *jsSubscription) loop(ctx context.Context) {
	defer close(s.out)
	defer func() { _ = s.psub.Unsubscribe() }()
	var lastSeq uint64
	for {
		if s.cancelled(ctx) {
			return
		}
		msgs, err := s.psub.Fetch(s.batch, nats.MaxWait(s.wait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if s.cancelled(ctx) {
				return
			}
			s.setErr(&TransientError{Op: "read", Stream: s.stream, Err: err})
			return
		}
		for _, msg := range msgs {
			meta, err := msg.Metadata()
			if err != nil {
				s.logger.Error("record metadata", "stream", s.stream, "err", err)
				_ = msg.Ack()
				continue
			}
			seq := meta.Sequence.Stream
			if seq <= lastSeq {
				// Redelivery; already handed to the consumer.
				_ = msg.Ack()
				continue
			}
			rec, err := decodeRecord(msg.Data)
			if err != nil {
				s.logger.Error("record decode", "stream", s.stream, "seq", seq, "err", err)
				_ = msg.Ack()
				continue
			}
			select {
			case s.out <- record.Sequenced{Record: rec, Seq: seq}:
				lastSeq = seq
				_ = msg.Ack()
			case <-s.cancel:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}
