package record

import (
	"errors"
	"testing"
)

func seq(r Record, n uint64) Sequenced {
	return Sequenced{Record: r, Seq: n}
}

func TestClassifyInputKeystroke(t *testing.T) {
	in, err := ClassifyInput(seq(Keystroke([]byte("ls\n")), 3))
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	ks, ok := in.(KeystrokeInput)
	if !ok {
		t.Fatalf("classified as %T, want KeystrokeInput", in)
	}
	if string(ks.Data) != "ls\n" {
		t.Fatalf("data=%q", ks.Data)
	}
}

func TestClassifyInputWindow(t *testing.T) {
	in, err := ClassifyInput(seq(Window(40, 120), 1))
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	w, ok := in.(WindowInput)
	if !ok {
		t.Fatalf("classified as %T, want WindowInput", in)
	}
	if w.Rows != 40 || w.Cols != 120 {
		t.Fatalf("rows=%d cols=%d", w.Rows, w.Cols)
	}
}

func TestClassifyInputExit(t *testing.T) {
	in, err := ClassifyInput(seq(ExitMarker(130), 9))
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	ex, ok := in.(ExitInput)
	if !ok {
		t.Fatalf("classified as %T, want ExitInput", in)
	}
	if ex.Code != 130 {
		t.Fatalf("code=%d", ex.Code)
	}
}

func TestClassifyInputUnknownTypeIsNotAnError(t *testing.T) {
	rec := Record{Headers: []Header{{HeaderType, "annotation"}}, Body: []byte("x")}
	in, err := ClassifyInput(seq(rec, 2))
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	u, ok := in.(UnknownInput)
	if !ok || u.Type != "annotation" {
		t.Fatalf("classified as %#v, want UnknownInput{annotation}", in)
	}
}

func TestClassifyInputMalformed(t *testing.T) {
	cases := []Record{
		{Body: []byte("no type header")},
		{Headers: []Header{{HeaderType, TypeWindow}, {HeaderRows, "40"}}},
		{Headers: []Header{{HeaderType, TypeWindow}, {HeaderRows, "40"}, {HeaderCols, "abc"}}},
		{Headers: []Header{{HeaderType, TypeWindow}, {HeaderRows, "0"}, {HeaderCols, "80"}}},
		{Headers: []Header{{HeaderType, TypeWindow}, {HeaderRows, "-3"}, {HeaderCols, "80"}}},
		{Headers: []Header{{HeaderType, TypeExit}}},
		{Headers: []Header{{HeaderType, TypeExit}, {HeaderCode, "lots"}}},
	}
	for _, rec := range cases {
		_, err := ClassifyInput(seq(rec, 7))
		var merr *MalformedRecordError
		if !errors.As(err, &merr) {
			t.Fatalf("ClassifyInput(%v): err=%v, want MalformedRecordError", rec.Headers, err)
		}
		if merr.Seq != 7 {
			t.Fatalf("error seq=%d, want the record's sequence", merr.Seq)
		}
	}
}

func TestHeaderValueFirstMatchWins(t *testing.T) {
	rec := Record{Headers: []Header{{"k", "first"}, {"k", "second"}}}
	v, ok := rec.HeaderValue("k")
	if !ok || v != "first" {
		t.Fatalf("value=%q ok=%t", v, ok)
	}
	if _, ok := rec.HeaderValue("missing"); ok {
		t.Fatalf("expected miss for absent header")
	}
}

func TestConstructorsStampTimestamps(t *testing.T) {
	before := Now()
	for _, rec := range []Record{Keystroke(nil), Window(1, 1), ExitMarker(0), Output([]byte("x"))} {
		if rec.Timestamp < before {
			t.Fatalf("timestamp=%d is before creation time %d", rec.Timestamp, before)
		}
	}
}
