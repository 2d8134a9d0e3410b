// Package export archives a session's output log as zstd-compressed
// JSON lines, one record per line. Archives are self-contained: they
// carry sequence numbers, timestamps, headers and bodies, so a session
// can be inspected or replayed without the log substrate.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/ttycast/ttycast/internal/logstream"
	"github.com/ttycast/ttycast/internal/record"
	"github.com/ttycast/ttycast/internal/session"
)

// Entry is one archived record. Body is base64 in the JSON encoding.
type Entry struct {
	Seq       uint64   `json:"seq"`
	Timestamp int64    `json:"ts"`
	Headers   []Header `json:"headers,omitempty"`
	Body      []byte   `json:"body,omitempty"`
}

type Header struct {
	Name  string `json:"n"`
	Value string `json:"v"`
}

// Write archives the session's output log up to its current tail and
// returns the number of records written. A trimmed log archives from
// the oldest retained record.
func Write(ctx context.Context, logs logstream.Client, sessionID string, w io.Writer) (int, error) {
	if err := session.ValidateID(sessionID); err != nil {
		return 0, err
	}
	_, out := session.Streams(sessionID)
	tail, err := logs.TailPosition(ctx, out)
	if err != nil {
		return 0, fmt.Errorf("tail of %s: %w", out, err)
	}

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return 0, err
	}
	if tail.Seq == 0 {
		return 0, enc.Close()
	}

	sub, err := logs.ReadFrom(ctx, out, logstream.StartAtSeq(1))
	if err != nil {
		_ = enc.Close()
		return 0, err
	}
	defer sub.Cancel()

	jenc := json.NewEncoder(enc)
	count := 0
	for {
		select {
		case <-ctx.Done():
			_ = enc.Close()
			return count, ctx.Err()
		case sr, ok := <-sub.Records():
			if !ok {
				_ = enc.Close()
				if rerr := sub.Err(); rerr != nil {
					return count, rerr
				}
				return count, errors.New("output log ended before tail")
			}
			entry := Entry{Seq: sr.Seq, Timestamp: sr.Timestamp, Body: sr.Body}
			for _, h := range sr.Headers {
				entry.Headers = append(entry.Headers, Header{Name: h.Name, Value: h.Value})
			}
			if err := jenc.Encode(entry); err != nil {
				_ = enc.Close()
				return count, err
			}
			count++
			if sr.Seq >= tail.Seq {
				return count, enc.Close()
			}
		}
	}
}

// Read decodes an archive produced by Write.
func Read(r io.Reader) ([]Entry, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	var out []Entry
	jdec := json.NewDecoder(dec)
	for {
		var e Entry
		if err := jdec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, err
		}
		out = append(out, e)
	}
}

// Records converts archive entries back to sequenced records.
func Records(entries []Entry) []record.Sequenced {
	out := make([]record.Sequenced, 0, len(entries))
	for _, e := range entries {
		rec := record.Record{Body: e.Body, Timestamp: e.Timestamp}
		for _, h := range e.Headers {
			rec.Headers = append(rec.Headers, record.Header{Name: h.Name, Value: h.Value})
		}
		out = append(out, record.Sequenced{Record: rec, Seq: e.Seq})
	}
	return out
}
