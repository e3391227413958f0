package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
)

// LineWriter returns an io.Writer that emits one log record per complete
// line written to it. Partial lines are buffered until a newline arrives or
// Flush is called. It is used to mirror subprocess consoles into the log.
func LineWriter(logger *slog.Logger, level slog.Level, msg string) *Writer {
	return &Writer{
		logger: Ensure(logger),
		level:  level,
		msg:    msg,
	}
}

// Writer is the io.Writer returned by LineWriter.
type Writer struct {
	logger *slog.Logger
	level  slog.Level
	msg    string

	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		idx := bytes.IndexByte(w.buf.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := string(w.buf.Next(idx + 1))
		w.emit(line)
	}
	return len(p), nil
}

// Flush emits any buffered partial line.
func (w *Writer) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() == 0 {
		return
	}
	w.emit(w.buf.String())
	w.buf.Reset()
}

func (w *Writer) emit(line string) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return
	}
	w.logger.Log(context.Background(), w.level, w.msg, "line", line)
}
