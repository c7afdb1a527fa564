package server

import (
	"encoding/json"
	"net/http"

	"github.com/comigor/charchat-go/internal/logger"
)

const (
	recentLimit       = 10
	emptyChatPreview  = "Start a conversation..."
	recentTimeLayout  = "15:04"
	sessionCookieName = "session_id"
	sessionHeaderName = "X-Session-ID"
)

type recentChat struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Avatar      string `json:"avatar"`
	LastMessage string `json:"lastMessage"`
	Time        string `json:"time"`
}

type recentResponse struct {
	Chats []recentChat `json:"chats"`
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionHeaderName)
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		sessionID = cookie.Value
	}

	resp := recentResponse{Chats: []recentChat{}}
	if sessionID == "" {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	summaries, err := s.store.Recent(r.Context(), sessionID, recentLimit)
	if err != nil {
		logger.L.Error("recent chats failed", "session_id", sessionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load recent chats"})
		return
	}

	for _, c := range summaries {
		chat := recentChat{
			ID:          c.CharacterID,
			Name:        c.CharacterName,
			Avatar:      c.CharacterAvatar,
			LastMessage: emptyChatPreview,
		}
		if c.HasMessages {
			chat.LastMessage = c.LastMessage
			chat.Time = c.UpdatedAt.Format(recentTimeLayout)
		}
		resp.Chats = append(resp.Chats, chat)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Warn("write response failed", "error", err)
	}
}
