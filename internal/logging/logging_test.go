package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRing_EvictsOldestOnceFull(t *testing.T) {
	ring := NewRing(3)
	for i := 0; i < 5; i++ {
		ring.Append("info", "line", time.Now())
	}
	entries := ring.Recent(0)
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want capped at 3", len(entries))
	}
}

func TestRing_RecentReturnsOldestFirst(t *testing.T) {
	ring := NewRing(10)
	ring.Append("info", "first", time.Now())
	ring.Append("info", "second", time.Now())
	ring.Append("info", "third", time.Now())

	entries := ring.Recent(2)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Message != "second" || entries[1].Message != "third" {
		t.Errorf("entries = %+v, want [second third]", entries)
	}
}

func TestRing_NonPositiveCapacityDefaults(t *testing.T) {
	ring := NewRing(0)
	if ring.cap != 100 {
		t.Errorf("cap = %d, want default 100 for a non-positive capacity", ring.cap)
	}
}

func TestWithJobID_AddsFieldToOutput(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)
	logger := WithJobID(base, "job_abc")
	logger.Info().Msg("hello")

	if !strings.Contains(buf.String(), "job_abc") {
		t.Errorf("log output missing job_id: %s", buf.String())
	}
}

func TestFromContext_ReturnsNopWhenAbsent(t *testing.T) {
	logger := FromContext(context.Background())
	if logger.GetLevel() != zerolog.Disabled {
		t.Error("FromContext without a stored logger should return a no-op logger")
	}
}

func TestWithLogger_RoundTripsThroughContext(t *testing.T) {
	var buf bytes.Buffer
	original := zerolog.New(&buf)
	ctx := WithLogger(context.Background(), original)

	got := FromContext(ctx)
	got.Info().Msg("via context")

	if !strings.Contains(buf.String(), "via context") {
		t.Errorf("logger retrieved from context did not write to the original buffer: %s", buf.String())
	}
}

func TestLogJobEvent_WritesExpectedFields(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	LogJobEvent(logger, "job1", "completed", 10, 10)

	out := buf.String()
	if !strings.Contains(out, "job1") || !strings.Contains(out, "completed") {
		t.Errorf("log output missing expected fields: %s", out)
	}
}

func TestLogFrameDropped_LogsReasonAndSessionID(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	LogFrameDropped(logger, "sess1", "truncated frame")

	out := buf.String()
	if !strings.Contains(out, "sess1") || !strings.Contains(out, "truncated frame") {
		t.Errorf("log output missing expected fields: %s", out)
	}
}
