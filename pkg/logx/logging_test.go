package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want zerolog.Level
	}{
		{raw: "debug", want: zerolog.DebugLevel},
		{raw: " WARNING ", want: zerolog.WarnLevel},
		{raw: "error", want: zerolog.ErrorLevel},
		{raw: "bogus", want: zerolog.InfoLevel},
		{raw: "", want: zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.raw, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Warn("job failed", String("id", "A"), Duration("took", 2*time.Second), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if m["comp"] != "test" || m["id"] != "A" {
		t.Fatalf("missing fields: %v", m)
	}
	if m["message"] != "job failed" {
		t.Fatalf("message = %v, want %q", m["message"], "job failed")
	}
	if m["err"] != "boom" {
		t.Fatalf("err = %v, want boom", m["err"])
	}
}

func TestZeroLoggerIsNop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	// Must not panic.
	l.Info("nothing", String("k", "v"))
	if Nop().IsZero() {
		t.Fatal("Nop() should not be zero")
	}
}

func TestEnabledRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	if log.Enabled(LevelDebug) {
		t.Fatal("debug should be disabled at warn level")
	}
	log.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}
