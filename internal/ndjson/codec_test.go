package ndjson

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"
)

type record struct {
	Type  string `json:"type"`
	JobID string `json:"job_id,omitempty"`
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEncoderDecoderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	logger := discardLogger()

	enc := NewEncoder(&buf, logger)
	if err := enc.Encode(record{Type: "job.transition", JobID: "job_1"}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Encode(record{Type: "delegation.started"}); err != nil {
		t.Fatalf("encode: %v", err)
	}

	if got := strings.Count(buf.String(), "\n"); got != 2 {
		t.Fatalf("expected 2 lines, got %d", got)
	}

	dec := NewDecoder(&buf, logger)
	var first, second record
	if err := dec.Decode(&first); err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if err := dec.Decode(&second); err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if first.JobID != "job_1" || second.Type != "delegation.started" {
		t.Errorf("unexpected records: %+v %+v", first, second)
	}
	if dec.Line() != 2 {
		t.Errorf("Line() = %d, want 2", dec.Line())
	}

	var extra record
	if err := dec.Decode(&extra); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestEncoderSizeLimit(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, discardLogger())

	err := enc.Encode(record{Type: strings.Repeat("x", MaxMessageSize)})
	if err == nil {
		t.Fatal("expected size limit error")
	}
	if buf.Len() != 0 {
		t.Error("oversized message must not be written")
	}
}

func TestDecoderSkipsEmptyLines(t *testing.T) {
	input := "\n\n{\"type\":\"a\"}\n\n{\"type\":\"b\"}\n"
	dec := NewDecoder(strings.NewReader(input), discardLogger())

	var r record
	if err := dec.Decode(&r); err != nil || r.Type != "a" {
		t.Fatalf("first decode = %+v, %v", r, err)
	}
	if err := dec.Decode(&r); err != nil || r.Type != "b" {
		t.Fatalf("second decode = %+v, %v", r, err)
	}
}

func TestDecoderMalformedLine(t *testing.T) {
	dec := NewDecoder(strings.NewReader("{not json}\n"), discardLogger())
	var r record
	if err := dec.Decode(&r); err == nil {
		t.Fatal("expected unmarshal error")
	}
}
