// Package server exposes chat sessions over websockets and serves the recent
// chats listing.
package server

import (
	"context"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"

	"github.com/comigor/charchat-go/internal/config"
	"github.com/comigor/charchat-go/internal/history"
	"github.com/comigor/charchat-go/internal/logger"
	"github.com/comigor/charchat-go/internal/session"
)

// Store is the persistence needed by the HTTP surface.
type Store interface {
	session.Store
	Recent(ctx context.Context, sessionID string, limit int) ([]history.ChatSummary, error)
}

type Server struct {
	cfg       config.ServerConfig
	store     Store
	completer session.Completer
	upgrader  websocket.Upgrader
}

func New(cfg config.ServerConfig, store Store, completer session.Completer) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store,
		completer: completer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	// Without configured origins gorilla falls back to a same-host check.
	if len(cfg.AllowedOrigins) > 0 {
		s.upgrader.CheckOrigin = s.checkOrigin
	}
	return s
}

// Handler returns the routes served by s.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/chat/{characterID}/{$}", s.handleChat)
	mux.HandleFunc("GET /api/chats/recent/{$}", s.handleRecent)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, "*") || slices.Contains(s.cfg.AllowedOrigins, origin)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	characterID := r.PathValue("characterID")
	if characterID == "" {
		http.Error(w, "missing character id", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		logger.L.Warn("websocket upgrade failed", "character_id", characterID, "error", err)
		return
	}
	s.serve(r.Context(), ws, characterID)
}
