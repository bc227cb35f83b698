package log

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func fixedClock() time.Time {
	return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
}

func TestStandardLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStandardLogger(WithOutput(&buf), WithLevel(LevelDebug), WithClock(fixedClock))

	cases := []struct {
		log   func(string, ...interface{})
		level string
	}{
		{logger.Debug, "[DEBUG]"},
		{logger.Info, "[INFO]"},
		{logger.Warn, "[WARN]"},
		{logger.Error, "[ERROR]"},
	}
	for _, tc := range cases {
		buf.Reset()
		tc.log("slice %d took %s", 3, "2ms")
		out := buf.String()
		if !strings.HasPrefix(out, "[2024-05-01 12:00:00.000] "+tc.level) {
			t.Errorf("unexpected prefix: %q", out)
		}
		if !strings.HasSuffix(out, "slice 3 took 2ms\n") {
			t.Errorf("unexpected message: %q", out)
		}
	}
}

func TestStandardLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStandardLogger(WithOutput(&buf), WithLevel(LevelWarn))

	logger.Debug("dropped")
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}

	logger.SetLevel(LevelInfo)
	logger.Info("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("expected info record after SetLevel, got %q", buf.String())
	}
}

func TestStandardLoggerFieldsAreSorted(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStandardLogger(WithOutput(&buf), WithClock(fixedClock),
		WithInitialFields(map[string]interface{}{"component": "sstable"}))

	logger.WithFields(map[string]interface{}{"path": "/tmp/a.sst", "blocks": 4}).Info("built")

	want := "[2024-05-01 12:00:00.000] [INFO] blocks=4 component=sstable path=/tmp/a.sst built\n"
	if buf.String() != want {
		t.Fatalf("got %q, want %q", buf.String(), want)
	}

	buf.Reset()
	logger.Info("parent")
	if strings.Contains(buf.String(), "path=") {
		t.Fatalf("child fields leaked into parent: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDiscard(t *testing.T) {
	l := Discard()
	l.Error("nothing should happen")
	if l.GetLevel() <= LevelError {
		t.Fatalf("discard logger level too low: %v", l.GetLevel())
	}
}
