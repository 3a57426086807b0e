package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/internal/protocol"
	"github.com/MrWong99/parley/internal/session"
)

const (
	// maxMessageBytes bounds a single inbound frame. Image uploads are the
	// largest messages.
	maxMessageBytes = 16 << 20

	// recorderCloseTimeout bounds the final flush of a session's log.
	recorderCloseTimeout = 5 * time.Second
)

// handleWS upgrades the request and serves one conversation session on it.
// Requests beyond server.max_sessions are rejected with 503 before upgrading.
func (a *App) handleWS(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	info := SessionInfo{
		SessionID:  uuid.NewString(),
		RemoteAddr: r.RemoteAddr,
		StartedAt:  time.Now(),
	}
	if err := a.sessions.Add(ctx, info, cancel); err != nil {
		slog.Warn("rejecting connection", "remote_addr", r.RemoteAddr, "err", err)
		http.Error(w, "too many active sessions", http.StatusServiceUnavailable)
		return
	}
	defer a.sessions.Remove(context.WithoutCancel(ctx), info.SessionID)

	a.conns.Add(1)
	defer a.conns.Done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: a.config().Server.AllowedOrigins,
	})
	if err != nil {
		slog.Warn("websocket upgrade failed", "session_id", info.SessionID, "err", err)
		return
	}
	conn.SetReadLimit(maxMessageBytes)
	defer conn.CloseNow()

	a.serveConn(ctx, conn, info.SessionID)
	conn.Close(websocket.StatusNormalClosure, "")
}

// connection is the per-socket state shared by the reader, the audio ingest
// goroutine and turn goroutines.
type connection struct {
	pipe    *pipeline.Pipeline
	session *session.Session
	out     *protocol.Encoder
	app     *App

	frames chan []byte
	turns  sync.WaitGroup
}

// serveConn runs one session until the client disconnects or ctx is done.
func (a *App) serveConn(ctx context.Context, conn *websocket.Conn, id string) {
	ctx = observe.WithSessionID(ctx, id)
	pipe, conv := a.current()

	opts := []session.Option{session.WithID(id), session.WithMaxFrames(conv.MaxBufferedFrames)}
	var rec *session.Recorder
	if a.store != nil {
		rec = session.NewRecorder(session.RecorderConfig{
			Store:     a.store,
			SessionID: id,
			Interval:  a.config().Store.FlushInterval,
		})
		opts = append(opts, session.WithEntryObserver(rec.Record))
	}
	s := session.New(opts...)
	if rec != nil {
		rec.Start(ctx, s.CreatedAt())
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recorderCloseTimeout)
			defer cancel()
			if err := rec.Close(closeCtx); err != nil {
				slog.Warn("conversation log flush failed", "session_id", id, "err", err)
			}
		}()
	}

	out := protocol.NewEncoder(conn, protocol.WithSessionID(id), protocol.WithMetrics(a.metrics))
	defer out.Close()

	queue := conv.FrameQueueSize
	if queue <= 0 {
		queue = defaultFrameQueueSize
	}
	c := &connection{
		pipe:    pipe,
		session: s,
		out:     out,
		app:     a,
		frames:  make(chan []byte, queue),
	}

	pipe.Attach(ctx, s, out)
	_ = out.Send(ctx, protocol.Connected(id))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.ingest(gctx)
		return nil
	})
	g.Go(func() error {
		defer close(c.frames)
		return c.read(gctx, conn)
	})
	err := g.Wait()
	c.turns.Wait()

	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway:
		slog.Debug("client closed connection", "session_id", id)
	default:
		slog.Info("connection ended", "session_id", id, "err", err)
	}
}

// read decodes inbound frames and dispatches them until the connection fails.
// It always returns a non-nil error so the errgroup cancels the session.
func (c *connection) read(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			_ = c.out.Send(ctx, protocol.Error("binary frames are not supported", protocol.PhaseInput))
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			slog.Debug("malformed client message", "session_id", c.session.ID(), "err", err)
			_ = c.out.Send(ctx, protocol.Error(err.Error(), protocol.PhaseInput))
			continue
		}
		c.dispatch(ctx, msg)
	}
}

// dispatch acts on one decoded message. It never blocks on a turn.
func (c *connection) dispatch(ctx context.Context, msg protocol.Inbound) {
	s := c.session
	switch m := msg.(type) {
	case protocol.StartConversation:
		if err := s.EnsureListening(); err != nil {
			_ = c.out.Send(ctx, protocol.Error(err.Error(), protocol.PhaseInput))
		}

	case protocol.AudioChunk:
		c.enqueue(ctx, m.Data)

	case protocol.TextMessage:
		c.runTurn(ctx, "text", func(ctx context.Context, turn *pipeline.Turn) error {
			return turn.Text(ctx, m.Text)
		})

	case protocol.ImageUpload:
		img := pipeline.Image{Base64: m.Image, MimeType: m.MimeType, Filename: m.Filename}
		c.runTurn(ctx, "image", func(ctx context.Context, turn *pipeline.Turn) error {
			return turn.Image(ctx, img)
		})

	case protocol.StopConversation:
		if s.RequestStop() {
			slog.Debug("stop deferred until the running turn ends", "session_id", s.ID())
		}

	case protocol.Interrupt:
		c.pipe.Interrupt(ctx, s)

	case protocol.Ping:
		_ = c.out.Send(ctx, protocol.Pong())

	default:
		slog.Warn("unhandled client message", "session_id", s.ID(), "type", msg.InboundType())
	}
}

// enqueue hands frame to the ingest goroutine. Frames arriving while a turn
// runs, or while the queue is full, are dropped.
func (c *connection) enqueue(ctx context.Context, frame []byte) {
	if c.session.InTurn() {
		c.app.metrics.RecordDroppedFrame(ctx, "busy")
		return
	}
	select {
	case c.frames <- frame:
	default:
		c.app.metrics.RecordDroppedFrame(ctx, "queue_full")
		slog.Debug("audio frame dropped, ingest queue full", "session_id", c.session.ID())
	}
}

// ingest feeds queued frames through the pipeline in arrival order.
func (c *connection) ingest(ctx context.Context) {
	for frame := range c.frames {
		if ctx.Err() != nil {
			continue
		}
		if err := c.pipe.Ingest(ctx, c.session, frame, c.out); err != nil {
			slog.Debug("ingest failed", "session_id", c.session.ID(), "err", err)
		}
	}
}

// runTurn claims the turn guard on the reader goroutine, so turns start in
// arrival order, then runs fn on its own goroutine so the reader keeps serving
// interrupts. A message arriving while a turn runs is rejected.
func (c *connection) runTurn(ctx context.Context, kind string, fn func(context.Context, *pipeline.Turn) error) {
	turn, err := c.pipe.BeginTurn(ctx, c.session, c.out)
	if err != nil {
		slog.Debug("turn rejected", "session_id", c.session.ID(), "kind", kind, "err", err)
		return
	}
	c.turns.Add(1)
	go func() {
		defer c.turns.Done()
		defer turn.End()
		if err := fn(ctx, turn); err != nil {
			slog.Debug("turn ended with error", "session_id", c.session.ID(), "kind", kind, "err", err)
		}
	}()
}
