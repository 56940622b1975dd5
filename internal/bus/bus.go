// Package bus implements the tool server agents talk to: a single
// long-lived HTTP server exposing tool endpoints over a streaming
// transport, with per-agent identity carried in the URL path rather
// than a separate authentication step — the loopback binding is the
// trust boundary.
//
// One gin.Engine bound to loopback serves a GET /sse/:agentID stream
// and a POST /sse/:agentID/call tool-dispatch route. Tool calls are
// tagged-message records decoded once and routed through a handler
// table — never reflection or per-tool routing logic scattered across
// the codebase.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/AppSecHQ/arch/internal/common/errors"
	"github.com/AppSecHQ/arch/internal/common/logger"
	"github.com/AppSecHQ/arch/internal/meter"
	"github.com/AppSecHQ/arch/internal/model"
	"github.com/AppSecHQ/arch/internal/store"
)

// handlerFunc dispatches one decoded tool call and returns either a
// JSON-encodable result or an error (mapped to ToolError in the
// response envelope).
type handlerFunc func(ctx context.Context, callerID string, payload []byte) (interface{}, error)

// Server is the bus's HTTP surface: one instance per harness run, bound
// to a loopback port.
type Server struct {
	log    *logger.Logger
	store  *store.Store
	meter  *meter.Meter
	hub    *decisionHub
	engine *gin.Engine
	http   *http.Server

	lifecycle Lifecycle
	provider  Provider

	mu        sync.RWMutex
	streams   map[string]chan []byte // agentID -> SSE push channel
	handlers  map[string]handlerFunc
	port      int
}

// New creates a Server bound to port on loopback. lifecycle must be
// non-nil (the orchestrator registers itself); provider may be nil,
// meaning the hosting-provider tool family is disabled.
func New(port int, st *store.Store, mtr *meter.Meter, lifecycle Lifecycle, provider Provider, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		log:       log.WithFields(zap.String("component", "bus-server")),
		store:     st,
		meter:     mtr,
		hub:       newDecisionHub(),
		lifecycle: lifecycle,
		provider:  provider,
		streams:   make(map[string]chan []byte),
		port:      port,
	}
	s.handlers = s.buildHandlerTable()
	s.engine = s.buildEngine()
	return s
}

// buildEngine wires the agent-facing and dashboard-facing routes.
func (s *Server) buildEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/sse/:agentID", s.handleSSE)
	r.POST("/sse/:agentID/call", s.handleCall)

	dash := r.Group("/dashboard")
	dash.GET("/agents", s.handleDashboardAgents)
	dash.GET("/messages", s.handleDashboardMessages)
	dash.GET("/decisions", s.handleDashboardDecisions)
	dash.POST("/decisions/:id/answer", s.handleDashboardAnswer)

	return r
}

// Start begins serving on loopback. It returns once the listener is up;
// serving continues in a background goroutine until Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding bus server to %s: %w", addr, err)
	}
	if s.port == 0 {
		s.port = ln.Addr().(*net.TCPAddr).Port
	}

	s.http = &http.Server{Handler: s.engine}
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("bus server stopped unexpectedly", zap.Error(err))
		}
	}()
	s.log.Info("bus server listening", zap.String("addr", addr))
	return nil
}

// Shutdown stops serving, resolves every outstanding escalation with
// the shutdown sentinel so no caller is left blocked, and closes every
// open SSE stream.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.resolveAll()

	s.mu.Lock()
	for id, ch := range s.streams {
		close(ch)
		delete(s.streams, id)
	}
	s.mu.Unlock()

	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Port returns the bound loopback port, resolved after Start if 0 was
// requested.
func (s *Server) Port() int {
	return s.port
}

// Host returns the loopback host local agents' MCP config should point
// at.
func (s *Server) Host() string {
	return "localhost"
}

// Handle registers an extra route on the bus's engine, letting the
// orchestrator attach routes that need wiring the bus package cannot
// know about (the dashboard's websocket upgrade, the CLI's shutdown
// endpoint) without importing those packages here.
func (s *Server) Handle(method, path string, h gin.HandlerFunc) {
	s.engine.Handle(method, path, h)
}

// --- SSE ---------------------------------------------------------------

func (s *Server) handleSSE(c *gin.Context) {
	agentID := c.Param("agentID")

	ch := make(chan []byte, 32)
	s.mu.Lock()
	s.streams[agentID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.streams, agentID)
		s.mu.Unlock()
	}()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.Status(http.StatusInternalServerError)
		return
	}

	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case msg, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(c.Writer, "data: %s\n\n", msg)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(c.Writer, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// push writes an event to an agent's open SSE stream, if any. Silent
// no-op when the agent has no open connection — the stream is a
// supplementary push channel, not the primary delivery path; agents
// that miss a push still see the message via get_messages.
func (s *Server) push(agentID string, data []byte) {
	s.mu.RLock()
	ch, ok := s.streams[agentID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case ch <- data:
	default:
	}
}

// --- tool call dispatch -------------------------------------------------

func (s *Server) handleCall(c *gin.Context) {
	callerID := c.Param("agentID")

	var call ToolCall
	if err := c.ShouldBindJSON(&call); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": ToolError{Code: "BAD_REQUEST", Message: err.Error()}})
		return
	}

	handler, ok := s.handlers[call.Tool]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": ToolError{Code: "UNKNOWN_TOOL", Message: call.Tool}})
		return
	}

	result, err := handler(c.Request.Context(), callerID, call.Payload)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

func (s *Server) writeError(c *gin.Context, err error) {
	if ae, ok := err.(*apperrors.AppError); ok {
		c.JSON(ae.HTTPStatus, gin.H{"error": ToolError{Code: ae.Code, Message: ae.Message}})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": ToolError{Code: "INTERNAL_ERROR", Message: err.Error()}})
}

// requireLead enforces the lead-only authority check in one place: the
// caller is authorized purely by the :agentID path segment, no separate
// auth token.
func requireLead(callerID string) error {
	if callerID != model.LeadAgentID {
		return apperrors.Forbidden(fmt.Sprintf("tool is restricted to the lead agent, caller was %q", callerID))
	}
	return nil
}

func decode[T any](payload []byte) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, apperrors.BadRequest("invalid tool payload: " + err.Error())
	}
	return v, nil
}
