package record

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		typ     Type
		payload []byte
	}{
		{TypeReturnPath, []byte("a@example.com")},
		{TypeNormal, []byte{}},
		{TypeHeader, []byte("Subject: \x00\x01\xff binary\n")},
		{TypeEndOfMessage, nil},
	}

	for _, c := range cases {
		buf := &bytes.Buffer{}
		w := NewWriter(buf)
		if err := w.Put(c.typ, c.payload); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := w.Flush(); err != nil {
			t.Fatalf("Flush: %v", err)
		}

		r := NewReader(buf)
		gotT, gotP, err := r.Get()
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if gotT != c.typ {
			t.Errorf("type: got %v, want %v", gotT, c.typ)
		}
		if !bytes.Equal(gotP, c.payload) && !(len(gotP) == 0 && len(c.payload) == 0) {
			t.Errorf("payload: got %q, want %q", gotP, c.payload)
		}
	}
}

func TestGetEOF(t *testing.T) {
	r := NewReader(bytes.NewReader(nil))
	_, _, err := r.Get()
	if err != io.EOF {
		t.Fatalf("got %v, want io.EOF", err)
	}
}

func TestTruncatedPayloadIsCorrupt(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewWriter(buf)
	w.Put(TypeNormal, []byte("hello world"))
	w.Flush()

	// Truncate the encoded bytes mid-payload.
	truncated := buf.Bytes()[:buf.Len()-4]

	r := NewReader(bytes.NewReader(truncated))
	_, _, err := r.Get()
	if err == nil {
		t.Fatal("expected an error for truncated payload")
	}
	if _, ok := err.(*ErrCorrupt); !ok {
		t.Errorf("got %T, want *ErrCorrupt", err)
	}
}

func TestPutLineGetLineRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 1000) // 10000 bytes, several continuations at width 4096.

	buf := &bytes.Buffer{}
	w := NewWriter(buf)
	if err := PutLine(w, TypeNormal, data, 4096); err != nil {
		t.Fatalf("PutLine: %v", err)
	}
	w.Put(TypeEndOfMessage, nil)
	w.Flush()

	r := NewReader(buf)
	typ, line, ok, err := GetLine(r)
	if err != nil {
		t.Fatalf("GetLine: %v", err)
	}
	if !ok {
		t.Fatal("GetLine: ok=false, want true")
	}
	if typ != TypeNormal {
		t.Errorf("type: got %v, want normal", typ)
	}
	if !bytes.Equal(line, data) {
		t.Errorf("line mismatch: got %d bytes, want %d", len(line), len(data))
	}

	// The next record must be the unget'd end-of-message, consumed exactly
	// once.
	nt, nline, ok, err := GetLine(r)
	if err != nil {
		t.Fatalf("GetLine (eom): %v", err)
	}
	if ok {
		t.Fatal("GetLine: ok=true for a structural record, want false")
	}
	if nt != TypeEndOfMessage {
		t.Errorf("type: got %v, want end_of_message", nt)
	}
	if len(nline) != 0 {
		t.Errorf("payload: got %q, want empty", nline)
	}
}

func TestRoundTripFuzzLike(t *testing.T) {
	// A broader sweep of payload shapes, including high-bit bytes and NUL,
	payloads := [][]byte{
		nil,
		{0x00},
		{0xff, 0xfe, 0x00, 0x01},
		bytes.Repeat([]byte{0xAA}, 300), // forces a multi-byte varint length.
	}

	for _, p := range payloads {
		buf := &bytes.Buffer{}
		w := NewWriter(buf)
		w.Put(TypeAttribute, p)
		w.Flush()

		r := NewReader(buf)
		_, got, err := r.Get()
		if err != nil {
			t.Fatalf("Get(%v): %v", p, err)
		}
		if diff := cmp.Diff(p, got, cmp.Comparer(func(a, b []byte) bool {
			return bytes.Equal(a, b)
		})); diff != "" && len(p) != 0 {
			t.Errorf("payload mismatch (-want +got):\n%s", diff)
		}
	}
}
