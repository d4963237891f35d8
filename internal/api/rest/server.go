// Package rest exposes the query surface over HTTP: session listings,
// event ranges, aggregates, live state, export, purge, and pipeline
// counters, plus the websocket stream and Prometheus metrics.
package rest

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/framelog/framelog/internal/live"
	"github.com/framelog/framelog/internal/query"
	"github.com/framelog/framelog/internal/storage"
)

// Server wires query handlers onto a gin router.
type Server struct {
	queries *query.Service
	hub     *live.Hub
}

// NewServer builds the HTTP surface. hub may be nil when the live
// stream is disabled.
func NewServer(queries *query.Service, hub *live.Hub) (*Server, error) {
	if queries == nil {
		return nil, fmt.Errorf("query service is required")
	}
	return &Server{queries: queries, hub: hub}, nil
}

// Router assembles the route table.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/v1")
	v1.GET("/sessions", s.listSessions)
	v1.GET("/sessions/:id", s.getSession)
	v1.GET("/sessions/:id/events", s.listEvents)
	v1.GET("/sessions/:id/aggregate", s.aggregate)
	v1.GET("/sessions/:id/state", s.liveState)
	v1.DELETE("/sessions/:id", s.purgeSession)
	v1.GET("/export", s.export)
	v1.DELETE("/data", s.purgeAll)
	v1.GET("/stats", s.stats)

	if s.hub != nil {
		router.GET("/ws", s.hub.Handler())
	}
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

// sessionDoc is the JSON shape of a session record.
type sessionDoc struct {
	ID              string     `json:"id"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	MetricTotal     float64    `json:"metric_total"`
	Recovered       bool       `json:"recovered"`
	FlushIncomplete bool       `json:"flush_incomplete"`
	Degraded        bool       `json:"degraded"`
}

func toSessionDoc(record storage.SessionRecord) sessionDoc {
	return sessionDoc{
		ID:              record.ID,
		StartedAt:       record.StartedAt,
		EndedAt:         record.EndedAt,
		MetricTotal:     record.MetricTotal,
		Recovered:       record.Recovered,
		FlushIncomplete: record.FlushIncomplete,
		Degraded:        record.Degraded,
	}
}

func (s *Server) listSessions(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
	}
	sessions, err := s.queries.Sessions(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	docs := make([]sessionDoc, 0, len(sessions))
	for _, session := range sessions {
		docs = append(docs, toSessionDoc(session))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": docs})
}

func (s *Server) getSession(c *gin.Context) {
	session, err := s.queries.Session(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, toSessionDoc(session))
}

// timeRange parses the optional from/to query bounds as RFC 3339.
func timeRange(c *gin.Context) (time.Time, time.Time, error) {
	var from, to time.Time
	if raw := c.Query("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid from time: %w", err)
		}
		from = parsed
	}
	if raw := c.Query("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid to time: %w", err)
		}
		to = parsed
	}
	return from, to, nil
}

func (s *Server) listEvents(c *gin.Context) {
	from, to, err := timeRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sessionID := c.Param("id")
	if _, err := s.queries.Session(c.Request.Context(), sessionID); errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	events, err := s.queries.Events(c.Request.Context(), sessionID, from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	docs := make([]live.EventMessage, 0, len(events))
	for _, evt := range events {
		payload := evt.PayloadJSON
		if len(payload) == 0 {
			payload = []byte("{}")
		}
		docs = append(docs, live.EventMessage{
			SessionID:     evt.SessionID,
			Seq:           evt.Seq,
			Timestamp:     evt.Timestamp,
			Type:          string(evt.Type),
			SchemaVersion: evt.SchemaVersion,
			Payload:       payload,
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": docs})
}

func (s *Server) aggregate(c *gin.Context) {
	from, to, err := timeRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sessionID := c.Param("id")
	if _, err := s.queries.Session(c.Request.Context(), sessionID); errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	agg, err := s.queries.Aggregate(c.Request.Context(), sessionID, from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, agg)
}

func (s *Server) liveState(c *gin.Context) {
	state, ok := s.queries.LiveState(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session is not active"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"cycle":             state.Cycle,
		"value":             state.Value,
		"accumulator":       state.Accumulator,
		"smoothed":          state.Smoothed,
		"threshold_crossed": state.ThresholdCrossed,
	})
}

func (s *Server) purgeSession(c *gin.Context) {
	err := s.queries.Purge(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) purgeAll(c *gin.Context) {
	if c.Query("confirm") != "true" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "purging all data requires confirm=true"})
		return
	}
	if err := s.queries.PurgeAll(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) export(c *gin.Context) {
	doc, err := s.queries.Export(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	switch c.DefaultQuery("format", "json") {
	case "json":
		c.Header("Content-Type", "application/json")
		if err := query.WriteJSON(c.Writer, doc); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	case "yaml":
		c.Header("Content-Type", "application/yaml")
		if err := query.WriteYAML(c.Writer, doc); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "format must be json or yaml"})
	}
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.queries.Stats())
}
