// Package record defines the wire contract shared by both bridges: the
// shape of a log record, the recognized input-record types, and the
// classification of sequenced input records into typed events.
package record

import (
	"fmt"
	"strconv"
	"time"
)

// Recognized values of the "type" header on input-log records. Output-log
// records carry no type header; their bodies are raw PTY bytes.
const (
	TypeKeystroke = "keystroke"
	TypeWindow    = "window"
	TypeExit      = "exit"
)

// Header names used by the recognized record types.
const (
	HeaderType = "type"
	HeaderRows = "rows"
	HeaderCols = "cols"
	HeaderCode = "code"
)

// Header is a single name/value pair. Names are not necessarily unique
// within one record; lookups match the first occurrence.
type Header struct {
	Name  string
	Value string
}

// Record is one atomic unit appended to a log. Timestamp is wall-clock
// epoch milliseconds assigned by the writer at creation time; the log
// substrate stores it verbatim and never reassigns it.
type Record struct {
	Body      []byte
	Headers   []Header
	Timestamp int64
}

// Sequenced is a Record as delivered by a read, augmented with the
// substrate-assigned sequence number that defines total order within
// one log.
type Sequenced struct {
	Record
	Seq uint64
}

// Position is a point in one log: the sequence number and timestamp of
// a record, or of a log's current tail.
type Position struct {
	Seq       uint64
	Timestamp int64
}

// Now returns the current wall clock in epoch milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// HeaderValue returns the value of the first header with the given name.
func (r Record) HeaderValue(name string) (string, bool) {
	for _, h := range r.Headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// Keystroke builds an input record carrying raw bytes destined for the
// PTY's input side.
func Keystroke(data []byte) Record {
	return Record{
		Body:      data,
		Headers:   []Header{{HeaderType, TypeKeystroke}},
		Timestamp: Now(),
	}
}

// Window builds an input record instructing the host to resize its PTY.
// The body is empty; dimensions travel in headers.
func Window(rows, cols int) Record {
	return Record{
		Headers: []Header{
			{HeaderType, TypeWindow},
			{HeaderRows, strconv.Itoa(rows)},
			{HeaderCols, strconv.Itoa(cols)},
		},
		Timestamp: Now(),
	}
}

// ExitMarker builds the terminal record the host appends to the input
// log's companion output log when the hosted process exits.
func ExitMarker(code int) Record {
	return Record{
		Headers: []Header{
			{HeaderType, TypeExit},
			{HeaderCode, strconv.Itoa(code)},
		},
		Timestamp: Now(),
	}
}

// Output builds an output-log record: one raw PTY chunk, no type header.
// Chunk boundaries carry no meaning; readers concatenate bodies in
// sequence order to reconstruct the byte stream.
func Output(data []byte) Record {
	return Record{Body: data, Timestamp: Now()}
}

// MalformedRecordError reports a single input record that violates the
// contract for its declared type. Pumps reject the record and continue;
// a malformed record is never fatal.
type MalformedRecordError struct {
	Seq    uint64
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record seq=%d: %s", e.Seq, e.Reason)
}

// Input is a classified input-log record.
type Input interface {
	inputKind()
}

// KeystrokeInput carries bytes to write verbatim to the PTY.
type KeystrokeInput struct {
	Data []byte
}

// WindowInput carries a resize instruction.
type WindowInput struct {
	Rows int
	Cols int
}

// ExitInput marks the end of the hosted process.
type ExitInput struct {
	Code int
}

// UnknownInput is a record with an unrecognized type header. Consumers
// ignore it; new record types must not break old bridges.
type UnknownInput struct {
	Type string
}

func (KeystrokeInput) inputKind() {}
func (WindowInput) inputKind()    {}
func (ExitInput) inputKind()      {}
func (UnknownInput) inputKind()   {}

// ClassifyInput maps a sequenced input record to its typed event.
// Records with an unrecognized type classify as UnknownInput with a nil
// error. A missing type header, or missing/non-positive/non-numeric
// required headers, yield a *MalformedRecordError.
func ClassifyInput(sr Sequenced) (Input, error) {
	typ, ok := sr.HeaderValue(HeaderType)
	if !ok {
		return nil, &MalformedRecordError{Seq: sr.Seq, Reason: "missing type header"}
	}
	switch typ {
	case TypeKeystroke:
		return KeystrokeInput{Data: sr.Body}, nil
	case TypeWindow:
		rows, err := dimension(sr, HeaderRows)
		if err != nil {
			return nil, err
		}
		cols, err := dimension(sr, HeaderCols)
		if err != nil {
			return nil, err
		}
		return WindowInput{Rows: rows, Cols: cols}, nil
	case TypeExit:
		raw, ok := sr.HeaderValue(HeaderCode)
		if !ok {
			return nil, &MalformedRecordError{Seq: sr.Seq, Reason: "missing code header"}
		}
		code, err := strconv.Atoi(raw)
		if err != nil {
			return nil, &MalformedRecordError{Seq: sr.Seq, Reason: fmt.Sprintf("code header %q is not an integer", raw)}
		}
		return ExitInput{Code: code}, nil
	default:
		return UnknownInput{Type: typ}, nil
	}
}

func dimension(sr Sequenced, name string) (int, error) {
	raw, ok := sr.HeaderValue(name)
	if !ok {
		return 0, &MalformedRecordError{Seq: sr.Seq, Reason: "missing " + name + " header"}
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, &MalformedRecordError{Seq: sr.Seq, Reason: fmt.Sprintf("%s header %q is not a positive integer", name, raw)}
	}
	return v, nil
}
