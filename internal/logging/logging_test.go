package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestCLIHandlerRendersComponent(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewCLI(&buf, slog.LevelDebug).With("component", "emulator", "name", "tapwire_1")
	logger.Info("starting emulator", "attempt", 2)

	out := buf.String()
	if !strings.HasPrefix(out, "INFO ") {
		t.Fatalf("output = %q, want INFO prefix", out)
	}
	if !strings.Contains(out, "[emulator] | starting emulator") {
		t.Fatalf("output = %q, want component and message", out)
	}
	if strings.Contains(out, "component=") {
		t.Fatalf("output = %q, component should not be repeated as attribute", out)
	}
	if !strings.Contains(out, "name=tapwire_1") || !strings.Contains(out, "attempt=2") {
		t.Fatalf("output = %q, want attributes", out)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{input: "", want: slog.LevelInfo},
		{input: "debug", want: slog.LevelDebug},
		{input: "WARNING", want: slog.LevelWarn},
		{input: "err", want: slog.LevelError},
		{input: "loud", wantErr: true},
	}
	for _, tc := range testCases {
		got, err := ParseLevel(tc.input)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseLevel(%q) error = nil, want non-nil", tc.input)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseLevel(%q) error = %v", tc.input, err)
		}
		if got != tc.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestLineWriterSplitsLines(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewJSON(&buf, slog.LevelDebug)
	w := LineWriter(logger, slog.LevelDebug, "console")

	if _, err := w.Write([]byte("first line\nsecond ")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := strings.Count(buf.String(), "\n"); got != 1 {
		t.Fatalf("records after first write = %d, want 1", got)
	}
	if _, err := w.Write([]byte("part\n\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	w.Flush()

	out := buf.String()
	if got := strings.Count(out, "\n"); got != 2 {
		t.Fatalf("records = %d, want 2: %s", got, out)
	}
	if !strings.Contains(out, `"line":"second part"`) {
		t.Fatalf("output = %s, want joined partial line", out)
	}
}

func TestCLIHandlerIndentsMultilineValues(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewCLI(&buf, slog.LevelInfo)
	logger.Error("app analysis failed", "app", "com.example.app", "error", "emulator tapwire_1 crashed\nconsole:\npanic: vulkan")

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("output = %q, want record plus two indented lines", buf.String())
	}
	if !strings.HasSuffix(lines[0], `app=com.example.app error="emulator tapwire_1 crashed"`) {
		t.Fatalf("first line = %q", lines[0])
	}
	if lines[1] != "    console:" || lines[2] != "    panic: vulkan" {
		t.Fatalf("block = %q", lines[1:])
	}
}
