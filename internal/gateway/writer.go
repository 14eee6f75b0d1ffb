package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/banter-dev/banter/internal/engine"
	"github.com/banter-dev/banter/internal/observe"
	"github.com/banter-dev/banter/internal/wire"
)

// writeTimeout bounds a single frame write. A client that cannot drain a
// frame within it is treated as gone.
const writeTimeout = 2 * time.Second

var _ engine.Sink = (*writer)(nil)

// writer owns the write side of one connection. Session events, turn audio
// and keepalives all funnel through its mutex, so frames never interleave.
type writer struct {
	base context.Context
	conn *websocket.Conn
	met  *observe.Metrics
	log  *slog.Logger

	// onAudio and onError are assigned during connection setup, before the
	// first write can happen, and never change after.
	onAudio func()
	onError func(error)

	mu sync.Mutex
}

func newWriter(base context.Context, conn *websocket.Conn, log *slog.Logger) *writer {
	return &writer{base: base, conn: conn, met: observe.DefaultMetrics(), log: log}
}

// SendEvent writes one control event as a text frame.
func (w *writer) SendEvent(ev wire.Event) error {
	data, err := ev.Marshal()
	if err != nil {
		return err
	}
	return w.write(websocket.MessageText, data, ev.Type)
}

// SendAudio writes one audio chunk as a binary frame and refreshes the
// session's activity clock.
func (w *writer) SendAudio(chunk []byte) error {
	if err := w.write(websocket.MessageBinary, chunk, "audio"); err != nil {
		return err
	}
	if w.onAudio != nil {
		w.onAudio()
	}
	return nil
}

func (w *writer) write(typ websocket.MessageType, data []byte, kind string) error {
	w.mu.Lock()
	ctx, cancel := context.WithTimeout(w.base, writeTimeout)
	err := w.conn.Write(ctx, typ, data)
	cancel()
	w.mu.Unlock()
	if err == nil {
		return nil
	}

	w.met.WSWriteErrors.Add(w.base, 1)
	w.log.Debug("connection write failed", "kind", kind, "err", err)
	if w.onError != nil {
		// Teardown wants the session mutex and the failing caller may be
		// holding it, so the hook runs on its own goroutine.
		go w.onError(err)
	}
	return fmt.Errorf("gateway: write %s: %w", kind, err)
}
