// Package gateway terminates the /ws websocket endpoint. It accepts
// connections, owns each connection's read loop and serialized writer, and
// binds every connection to exactly one voice session.
//
// The wire protocol is asymmetric: clients send binary PCM frames (plus the
// occasional text ping), the server sends JSON control events interleaved
// with binary reply audio. All server-side writes go through one writer per
// connection so events and audio never interleave mid-frame.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/banter-dev/banter/internal/engine"
	"github.com/banter-dev/banter/internal/observe"
	"github.com/banter-dev/banter/internal/session"
	"github.com/banter-dev/banter/internal/wire"
)

// keepaliveInterval is how often the server pings an open connection.
// Keeps NATs and proxies from reaping sessions where the user listens for
// long stretches without speaking.
const keepaliveInterval = 25 * time.Second

// Tuning is the per-session turn-taking configuration applied to newly
// accepted connections.
type Tuning struct {
	Detector  session.DetectorConfig
	MaxVoiced time.Duration
	Timeout   time.Duration
}

// Options configures a Server.
type Options struct {
	// Engine runs conversation turns. Required.
	Engine engine.Engine

	// Tuning is applied to every accepted session. Zero fields fall back
	// to the session package defaults.
	Tuning Tuning

	Log *slog.Logger
}

// Server accepts websocket connections and keeps a registry of the live
// sessions so they can be counted and drained at shutdown.
type Server struct {
	eng engine.Engine
	log *slog.Logger
	met *observe.Metrics

	mu     sync.Mutex
	tuning Tuning
	conns  map[string]*liveConn
}

type liveConn struct {
	sess *session.Session
	stop func(reason string)
}

// NewServer builds a Server from opts.
func NewServer(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("gateway: engine is required")
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Server{
		eng:    opts.Engine,
		log:    opts.Log,
		met:    observe.DefaultMetrics(),
		tuning: opts.Tuning,
		conns:  make(map[string]*liveConn),
	}, nil
}

// Retune swaps the tuning applied to sessions accepted from now on. Live
// sessions keep the tuning they were born with.
func (s *Server) Retune(t Tuning) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tuning = t
}

// Count reports the number of live sessions.
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Drain tears down every live session and returns once all of them have
// stopped. Called at shutdown. Connections stop concurrently so one client
// that ignores the close handshake cannot stall the rest.
func (s *Server) Drain(reason string) {
	s.mu.Lock()
	stops := make([]func(string), 0, len(s.conns))
	for _, c := range s.conns {
		stops = append(stops, c.stop)
	}
	s.mu.Unlock()

	// Teardown unregisters, which takes s.mu again.
	var wg sync.WaitGroup
	for _, stop := range stops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stop(reason)
		}()
	}
	wg.Wait()
}

func (s *Server) register(id string, c *liveConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[id] = c
}

func (s *Server) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
}

// ServeWS upgrades the request to a websocket and runs the connection until
// the client leaves, a write fails, or the session times out. It blocks for
// the lifetime of the connection.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "err", err)
		return
	}

	id := uuid.NewString()
	log := s.log.With("session_id", id)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	wr := newWriter(ctx, conn, log)

	s.mu.Lock()
	tun := s.tuning
	s.mu.Unlock()

	var (
		sess *session.Session
		once sync.Once
	)
	teardown := func(reason string) {
		once.Do(func() {
			log.Info("session closed", "reason", reason)
			if sess != nil {
				sess.Close()
			}
			// Close before cancel: cancelling first would rip the
			// connection away mid close handshake and the client would
			// never see the status code.
			conn.Close(websocket.StatusNormalClosure, reason)
			cancel()
			s.unregister(id)
			s.met.ActiveSessions.Add(context.Background(), -1)
		})
	}

	sess, err = session.New(session.Config{
		ID:        id,
		Engine:    s.eng,
		Sink:      wr,
		Teardown:  teardown,
		Detector:  tun.Detector,
		MaxVoiced: tun.MaxVoiced,
		Timeout:   tun.Timeout,
		Log:       s.log,
	})
	if err != nil {
		log.Error("session setup failed", "err", err)
		conn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}
	wr.onAudio = sess.Touch
	wr.onError = func(error) { teardown("write failed") }

	s.register(id, &liveConn{sess: sess, stop: teardown})
	s.met.ActiveSessions.Add(ctx, 1)
	log.Info("session opened", "remote", r.RemoteAddr)

	sess.Begin()
	go sess.Run(ctx)
	go s.keepalive(ctx, wr)

	defer teardown("connection closed")
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				log.Debug("connection read failed", "err", err)
			}
			return
		}
		switch typ {
		case websocket.MessageBinary:
			sess.HandleFrame(ctx, data)
		case websocket.MessageText:
			in, err := wire.ParseInbound(data)
			if err != nil {
				log.Debug("unparseable text frame", "err", err)
				continue
			}
			// Pings only refresh liveness. Anything else is a client bug,
			// logged and ignored.
			if in.Type == wire.TypePing {
				sess.Touch()
			} else {
				log.Debug("unhandled inbound message", "type", in.Type)
			}
		}
	}
}

func (s *Server) keepalive(ctx context.Context, wr *writer) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wr.SendEvent(wire.Ping()); err != nil {
				return
			}
		}
	}
}
