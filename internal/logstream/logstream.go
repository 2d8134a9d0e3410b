// Package logstream adapts the durable log substrate down to the small
// append/tail/read surface both bridges share. The JetStream binding is
// the production substrate; MemLog implements the same contract in
// memory so each bridge is testable in isolation.
package logstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/ttycast/ttycast/internal/record"
)

// ErrStreamNotFound reports an operation against a log that does not
// exist (and the client is not configured to create missing logs).
var ErrStreamNotFound = errors.New("stream not found")

// ErrRecordTooLarge reports a record body rejected by substrate limits.
var ErrRecordTooLarge = errors.New("record exceeds substrate limits")

// TransientError marks a network or service failure. The caller decides
// whether to retry; the error itself implies nothing was committed.
type TransientError struct {
	Op     string
	Stream string
	Err    error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Stream, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

type startKind int

const (
	startTail startKind = iota
	startSeq
	startTime
)

// Start selects where a read begins within one log.
type Start struct {
	kind startKind
	seq  uint64
	time int64
}

// StartAtTail begins delivery with the next record appended after the
// subscription is established.
func StartAtTail() Start { return Start{kind: startTail} }

// StartAtSeq begins delivery at the record with the given sequence
// number, or the next one appended if the log has not reached it yet.
func StartAtSeq(seq uint64) Start { return Start{kind: startSeq, seq: seq} }

// StartAtTime begins delivery at the first record stored at or after
// the given wall-clock epoch milliseconds.
func StartAtTime(ms int64) Start { return Start{kind: startTime, time: ms} }

func (s Start) String() string {
	switch s.kind {
	case startSeq:
		return fmt.Sprintf("seq=%d", s.seq)
	case startTime:
		return fmt.Sprintf("time=%d", s.time)
	default:
		return "tail"
	}
}

// SessionInfo describes one hosted session discovered in the substrate.
type SessionInfo struct {
	SessionID string
	// LastSeq is the output log's tail sequence number.
	LastSeq uint64
	// LastActivity is the store time of the newest output record in
	// epoch milliseconds, 0 when the log is empty.
	LastActivity int64
}

// Client is the log facade. Both bridges depend on exactly this surface
// and nothing else about the substrate.
type Client interface {
	// AppendOne durably appends a single record and returns its
	// assigned position. Network and service failures come back as
	// *TransientError; oversized records as ErrRecordTooLarge.
	AppendOne(ctx context.Context, stream string, rec record.Record) (record.Position, error)

	// TailPosition snapshots the log's current end.
	TailPosition(ctx context.Context, stream string) (record.Position, error)

	// ReadFrom opens an ordered, live-tailing read beginning at start.
	// Delivery blocks when caught up and resumes as records are
	// appended; the subscription runs until cancelled or the transport
	// fails. A failed subscription is restarted by calling ReadFrom
	// again with an updated start position.
	ReadFrom(ctx context.Context, stream string, start Start) (Subscription, error)

	// Sessions enumerates sessions whose output log exists in this
	// client's basin.
	Sessions(ctx context.Context) ([]SessionInfo, error)

	// Close releases the underlying connection. Open subscriptions
	// terminate.
	Close()
}

// Subscription is one live-tailing read. Records are delivered strictly
// in ascending sequence order with no gaps among delivered records.
type Subscription interface {
	// Records yields delivered records. The channel closes when the
	// subscription is cancelled or fails; Err distinguishes the two.
	Records() <-chan record.Sequenced

	// Trimmed reports that the requested start position had already
	// been trimmed away by retention when the subscription was opened,
	// and delivery was clamped to the oldest available record.
	Trimmed() bool

	// Err returns the failure that terminated delivery, or nil after a
	// clean cancellation. Valid once Records is closed.
	Err() error

	// Cancel stops delivery promptly. Idempotent.
	Cancel()
}
