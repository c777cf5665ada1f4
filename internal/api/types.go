package api

import "github.com/mattjoyce/shardline/internal/journal"

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Connections   int    `json:"connections"`
	QueuedEvents  int    `json:"queued_events"`
	Commands      int    `json:"commands"`
}

// ConnectionInfo is one entry of GET /connections.
type ConnectionInfo struct {
	ID     int64    `json:"id"`
	Labels []string `json:"labels,omitempty"`
}

// ConnectionsResponse is returned by GET /connections.
type ConnectionsResponse struct {
	Connections []ConnectionInfo `json:"connections"`
}

// RouterStatsResponse is returned by GET /router/stats.
type RouterStatsResponse struct {
	ByID      map[string]int `json:"by_id"`
	Predicate int            `json:"predicate"`
	Global    int            `json:"global"`
	Total     int            `json:"total"`
}

// JournalResponse is returned by GET /journal.
type JournalResponse struct {
	Entries []journal.Entry `json:"entries"`
}
