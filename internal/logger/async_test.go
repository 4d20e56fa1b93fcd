package logger_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/arbiterhq/arbiter/internal/config"
	"github.com/arbiterhq/arbiter/internal/logger"
)

// syncBuffer is a mutex-guarded bytes.Buffer for concurrent handler writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAsyncHandlerDeliversAndDrains(t *testing.T) {
	buf := &syncBuffer{}
	inner := slog.NewJSONHandler(buf, nil)
	h := logger.NewAsyncHandler(inner, 64, 1)
	log := slog.New(h)

	for i := 0; i < 10; i++ {
		log.Info("event", "seq", i)
	}
	h.Close()

	out := buf.String()
	if got := strings.Count(out, `"msg":"event"`); got != 10 {
		t.Errorf("delivered %d records, want 10\n%s", got, out)
	}
	if h.DroppedCount() != 0 {
		t.Errorf("dropped = %d, want 0", h.DroppedCount())
	}
}

func TestAsyncHandlerDropsWhenFull(t *testing.T) {
	// No workers: the channel never drains, so capacity overflow drops.
	buf := &syncBuffer{}
	h := logger.NewAsyncHandler(slog.NewJSONHandler(buf, nil), 2, 0)

	rec := slog.Record{Level: slog.LevelInfo, Message: "x"}
	for i := 0; i < 5; i++ {
		_ = h.Handle(context.Background(), rec)
	}

	if got := h.DroppedCount(); got != 3 {
		t.Errorf("dropped = %d, want 3", got)
	}
}

func TestAsyncHandlerCloseReportsDrops(t *testing.T) {
	buf := &syncBuffer{}
	h := logger.NewAsyncHandler(slog.NewJSONHandler(buf, nil), 2, 0)

	rec := slog.Record{Level: slog.LevelInfo, Message: "x"}
	for i := 0; i < 5; i++ {
		_ = h.Handle(context.Background(), rec)
	}

	h.Close()
	h.Close() // second close must be a no-op

	out := buf.String()
	if !strings.Contains(out, `"msg":"log records dropped on overflow"`) {
		t.Errorf("no drop summary after close: %s", out)
	}
	if !strings.Contains(out, `"dropped":3`) {
		t.Errorf("summary missing drop count: %s", out)
	}
}

func TestNewUsesConfiguredAsyncSizes(t *testing.T) {
	log, closer := logger.New(config.Logging{
		Level:      "info",
		Service:    "arbiter-test",
		Async:      true,
		BufferSize: 8,
		Workers:    2,
	})
	log.Info("boot")
	closer.Close()
}

func TestAsyncHandlerWithAttrsSharesChannel(t *testing.T) {
	buf := &syncBuffer{}
	h := logger.NewAsyncHandler(slog.NewJSONHandler(buf, nil), 64, 1)

	slog.New(h.WithAttrs([]slog.Attr{slog.String("component", "comms")})).Info("tagged")
	h.Close()

	out := buf.String()
	if !strings.Contains(out, `"component":"comms"`) {
		t.Errorf("attr lost through async handler: %s", out)
	}
}
