package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mattjoyce/shardline/internal/journal"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := s.gateway.RouterStats()
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(s.gateway.Uptime().Seconds()),
		Connections:   len(s.gateway.Connections()),
		QueuedEvents:  stats.Total(),
		Commands:      len(s.gateway.Commands()),
	})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	conns := s.gateway.Connections()
	resp := ConnectionsResponse{Connections: make([]ConnectionInfo, 0, len(conns))}
	for _, c := range conns {
		info := ConnectionInfo{ID: c.ID()}
		if lc, ok := c.(interface{ Labels() []string }); ok {
			info.Labels = lc.Labels()
		}
		resp.Connections = append(resp.Connections, info)
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRouterStats(w http.ResponseWriter, r *http.Request) {
	stats := s.gateway.RouterStats()
	resp := RouterStatsResponse{
		ByID:      make(map[string]int, len(stats.ByID)),
		Predicate: stats.Predicate,
		Global:    stats.Global,
		Total:     stats.Total(),
	}
	for id, n := range stats.ByID {
		resp.ByID[strconv.FormatInt(id, 10)] = n
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusNotFound, "journal is disabled")
		return
	}

	limit := journal.DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read journal", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	respondJSON(w, http.StatusOK, JournalResponse{Entries: entries})
}

func respondJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
