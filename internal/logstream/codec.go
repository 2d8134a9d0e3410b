package logstream

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/ttycast/ttycast/internal/record"
)

// wireRecord is the CBOR envelope stored as the substrate message
// payload. Header order and raw bodies survive verbatim; the sequence
// number is substrate metadata and never part of the payload.
type wireRecord struct {
	Headers   []wireHeader `cbor:"h,omitempty"`
	Body      []byte       `cbor:"b,omitempty"`
	Timestamp int64        `cbor:"t"`
}

type wireHeader struct {
	Name  string `cbor:"n"`
	Value string `cbor:"v"`
}

func encodeRecord(rec record.Record) ([]byte, error) {
	wr := wireRecord{
		Body:      rec.Body,
		Timestamp: rec.Timestamp,
	}
	if len(rec.Headers) > 0 {
		wr.Headers = make([]wireHeader, len(rec.Headers))
		for i, h := range rec.Headers {
			wr.Headers[i] = wireHeader{Name: h.Name, Value: h.Value}
		}
	}
	data, err := cbor.Marshal(wr)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return data, nil
}

func decodeRecord(data []byte) (record.Record, error) {
	var wr wireRecord
	if err := cbor.Unmarshal(data, &wr); err != nil {
		return record.Record{}, fmt.Errorf("decode record: %w", err)
	}
	rec := record.Record{
		Body:      wr.Body,
		Timestamp: wr.Timestamp,
	}
	if len(wr.Headers) > 0 {
		rec.Headers = make([]record.Header, len(wr.Headers))
		for i, h := range wr.Headers {
			rec.Headers[i] = record.Header{Name: h.Name, Value: h.Value}
		}
	}
	return rec, nil
}
