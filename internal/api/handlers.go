package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chatrack/chatrack/internal/playlist"
	"github.com/chatrack/chatrack/internal/query"
	"github.com/chatrack/chatrack/internal/scheduler"
)

const defaultRecentMessages = 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	sortBy := query.SortByLastMessage
	if v := r.URL.Query().Get("sort"); v != "" {
		sortBy = query.ChatSort(v)
	}

	chats, err := s.engine.ListChats(r.Context(), sortBy)
	if err != nil {
		if strings.Contains(err.Error(), "invalid sort") {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("list chats", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list chats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats, "count": len(chats)})
}

func (s *Server) handleChatDetail(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chat id")
		return
	}

	recent := defaultRecentMessages
	if v := r.URL.Query().Get("recent"); v != "" {
		recent, err = strconv.Atoi(v)
		if err != nil || recent < 0 {
			writeError(w, http.StatusBadRequest, "invalid recent count")
			return
		}
	}

	detail, err := s.engine.ChatDetail(r.Context(), id, recent)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Error("chat detail", "chat", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load chat")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	term := r.URL.Query().Get("q")
	if strings.TrimSpace(term) == "" {
		writeError(w, http.StatusBadRequest, "missing query parameter q")
		return
	}

	chats, err := s.engine.SearchChats(r.Context(), term)
	if err != nil {
		s.logger.Error("search chats", "error", err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	sort.Slice(chats, func(i, j int) bool {
		return chats[i].LastMessageAt.After(chats[j].LastMessageAt)
	})
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats, "count": len(chats)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.Stats(r.Context())
	if err != nil {
		s.logger.Error("index stats", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"index": stats,
		"sync":  s.sched.Status(),
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.TriggerSync(); err != nil {
		if errors.Is(err, scheduler.ErrSyncRunning) {
			writeError(w, http.StatusConflict, "sync already running")
			return
		}
		s.logger.Error("trigger sync", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start sync")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// buildRequest is the wire form of a playlist build request.
type buildRequest struct {
	ChatIDs     []int64   `json:"chat_ids"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	PlaylistID  string    `json:"playlist_id"`
	NewName     string    `json:"new_name"`
	Description string    `json:"description"`
}

// buildEvent is the wire form of a progress event. Run-fatal errors
// travel in Error; the embedded Event omits them from JSON.
type buildEvent struct {
	playlist.Event
	Error string `json:"error,omitempty"`
}

// handleBuild runs a playlist build and streams progress as
// server-sent events. The client disconnecting cancels the build.
func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	if s.builder == nil {
		writeError(w, http.StatusServiceUnavailable, "playlist service not configured")
		return
	}

	var req buildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events := s.builder.Build(r.Context(), playlist.Request{
		ChatIDs:     req.ChatIDs,
		Start:       req.Start,
		End:         req.End,
		PlaylistID:  req.PlaylistID,
		NewName:     req.NewName,
		Description: req.Description,
	})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for ev := range events {
		out := buildEvent{Event: ev}
		if ev.Err != nil {
			out.Error = ev.Err.Error()
		}
		if _, err := fmt.Fprint(w, "data: "); err != nil {
			// Client went away. Keep draining so the build's context
			// cancellation can wind the stream down.
			continue
		}
		if err := enc.Encode(out); err != nil {
			continue
		}
		if _, err := fmt.Fprint(w, "\n"); err != nil {
			continue
		}
		flusher.Flush()
	}
}
