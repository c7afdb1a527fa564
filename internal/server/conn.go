package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/comigor/charchat-go/internal/logger"
	"github.com/comigor/charchat-go/internal/protocol"
	"github.com/comigor/charchat-go/internal/session"
)

// inboundQueueSize bounds the frames waiting behind the one being processed.
const inboundQueueSize = 16

const msgQueueFull = "Too many pending messages. Please wait for the current reply."

// conn is the write side of one websocket. It implements session.Emitter.
type conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu sync.Mutex
}

func (c *conn) Emit(event protocol.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// serve runs one chat connection until the client goes away. The calling
// goroutine reads frames; a second one dispatches them to the session in
// arrival order.
func (s *Server) serve(ctx context.Context, ws *websocket.Conn, characterID string) {
	ctx, cancel := context.WithCancel(ctx)
	defer ws.Close()

	log := logger.L.With("character_id", characterID, "remote", ws.RemoteAddr().String())
	log.Info("chat connected")

	c := &conn{ws: ws, writeTimeout: s.cfg.WriteTimeout}
	sess := session.New(characterID, s.store, s.completer, c)

	frames := make(chan []byte, inboundQueueSize)
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		for data := range frames {
			if ctx.Err() != nil {
				continue
			}
			s.dispatch(ctx, log, sess, c, data)
		}
	}()
	go s.keepalive(ctx, ws)

	s.read(log, ws, c, frames)

	// Close first so a completion that returns after cancel is discarded.
	sess.Close()
	cancel()
	close(frames)
	<-dispatched
	log.Info("chat disconnected", "session_id", sess.SessionID())
}

func (s *Server) read(log *slog.Logger, ws *websocket.Conn, c *conn, frames chan<- []byte) {
	if s.cfg.MaxFrameBytes > 0 {
		ws.SetReadLimit(s.cfg.MaxFrameBytes)
	}
	extend := func() {
		if s.cfg.PongWait > 0 {
			ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		}
	}
	extend()
	ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		typ, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Warn("websocket read failed", "error", err)
			}
			return
		}
		extend()
		if typ != websocket.TextMessage {
			log.Debug("ignoring non-text frame", "type", typ)
			continue
		}

		select {
		case frames <- data:
		default:
			log.Warn("inbound queue full, dropping frame", "content", logger.Truncate(string(data), 50))
			c.Emit(protocol.ErrorEvent{Message: msgQueueFull})
		}
	}
}

func (s *Server) dispatch(ctx context.Context, log *slog.Logger, sess *session.Session, c *conn, data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		log.Warn("malformed frame", "error", err, "content", logger.Truncate(string(data), 50))
		c.Emit(protocol.ErrorEvent{Message: err.Error()})
		return
	}

	switch f := frame.(type) {
	case protocol.InitFrame:
		err = sess.Initialize(ctx, f.Character, f.SessionID)
	case protocol.MessageFrame:
		err = sess.SubmitUserTurn(ctx, f.Content)
	}
	// The session has already reported the failure to the client.
	if err != nil && !errors.Is(err, session.ErrClosed) {
		log.Debug("frame handled with error", "error", err)
	}
}

func (s *Server) keepalive(ctx context.Context, ws *websocket.Conn) {
	if s.cfg.PongWait <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.PongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}
