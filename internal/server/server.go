// Package server implements the control surfaces of the supervisor: an MCP
// server over HTTP Streamable and stdio transports, plus a REST API.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sevir/jstd-supervisor/internal/registry"
)

const (
	jsonRPCVersion = "2.0"
	mcpVersion     = "2024-11-05"
	serverName     = "jstd-supervisor"
)

// Server is the MCP HTTP Streamable and stdio server.
type Server struct {
	registry   *registry.Registry
	addr       string
	version    string
	commit     string
	httpServer *http.Server
	sessions   map[string]*Session
	sessionMu  sync.RWMutex
	tools      map[string]ToolHandler
	useStdio   bool
	stdin      io.Reader
	stdout     io.Writer
}

// Session represents an MCP session.
type Session struct {
	ID        string
	CreatedAt time.Time
	events    chan []byte
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      interface{}   `json:"id,omitempty"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ToolHandler handles a tool call.
type ToolHandler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Config holds server configuration.
type Config struct {
	Addr     string
	Registry *registry.Registry
	Version  string
	Commit   string
	UseStdio bool
	// Stdin and Stdout default to the process streams in stdio mode.
	Stdin  io.Reader
	Stdout io.Writer
}

// New creates a new MCP server.
func New(cfg Config) *Server {
	s := &Server{
		registry: cfg.Registry,
		addr:     cfg.Addr,
		version:  cfg.Version,
		commit:   cfg.Commit,
		sessions: make(map[string]*Session),
		tools:    make(map[string]ToolHandler),
		useStdio: cfg.UseStdio,
		stdin:    cfg.Stdin,
		stdout:   cfg.Stdout,
	}
	if s.stdin == nil {
		s.stdin = os.Stdin
	}
	if s.stdout == nil {
		s.stdout = os.Stdout
	}

	s.registerTools()

	if !cfg.UseStdio {
		mux := http.NewServeMux()
		mux.HandleFunc("/mcp", s.handleMCP)
		mux.HandleFunc("/mcp/sse", s.handleSSE)
		mux.HandleFunc("/health", s.handleHealth)

		// The REST API is handled by Gin, MCP endpoints stay on the stdlib mux.
		mux.Handle("/api/", s.newGinEngine())

		s.httpServer = &http.Server{
			Addr:         cfg.Addr,
			Handler:      s.corsMiddleware(mux),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // No timeout for SSE
		}
	}

	return s
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Mcp-Session-Id")
		w.Header().Set("Access-Control-Expose-Headers", "Mcp-Session-Id")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler returns the HTTP handler, or nil in stdio mode.
func (s *Server) Handler() http.Handler {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Handler
}

// Start starts the HTTP server or stdio loop.
func (s *Server) Start() error {
	if s.useStdio {
		return s.runStdio()
	}
	log.Printf("Control server starting on %s", s.addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.useStdio {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// runStdio serves newline-delimited JSON-RPC on stdin/stdout.
func (s *Server) runStdio() error {
	scanner := bufio.NewScanner(s.stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	encoder := json.NewEncoder(s.stdout)

	session := &Session{
		ID:        "stdio",
		CreatedAt: time.Now(),
		events:    make(chan []byte, 100),
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req JSONRPCRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeStdioError(encoder, nil, -32700, "Parse error", err.Error())
			continue
		}

		response := s.handleRequest(context.Background(), session, &req)
		if response == nil {
			continue
		}
		if err := encoder.Encode(response); err != nil {
			log.Printf("Error encoding response: %v", err)
			return err
		}
	}

	if err := scanner.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("error reading from stdin: %w", err)
	}

	return nil
}

func (s *Server) writeStdioError(encoder *json.Encoder, id interface{}, code int, message, data string) {
	encoder.Encode(&JSONRPCResponse{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.registry.GetStats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "healthy",
		"stats":  stats,
	})
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	s.sessionMu.Lock()
	session, exists := s.sessions[sessionID]
	if !exists {
		session = &Session{
			ID:        sessionID,
			CreatedAt: time.Now(),
			events:    make(chan []byte, 100),
		}
		s.sessions[sessionID] = session
	}
	s.sessionMu.Unlock()

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, -32700, "Parse error", err.Error())
		return
	}

	w.Header().Set("Mcp-Session-Id", sessionID)

	response := s.handleRequest(r.Context(), session, &req)
	if response == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		http.Error(w, "Missing Mcp-Session-Id header", http.StatusBadRequest)
		return
	}

	s.sessionMu.RLock()
	session, exists := s.sessions[sessionID]
	s.sessionMu.RUnlock()

	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	fmt.Fprintf(w, "event: connected\ndata: {\"sessionId\":\"%s\"}\n\n", sessionID)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case data := <-session.events:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// handleRequest dispatches a JSON-RPC request. Notifications get no response.
func (s *Server) handleRequest(ctx context.Context, session *Session, req *JSONRPCRequest) *JSONRPCResponse {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "initialized", "notifications/initialized":
		if req.ID == nil {
			return nil
		}
		return s.result(req, map[string]interface{}{})
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(withSession(ctx, session), req)
	case "ping":
		return s.result(req, map[string]interface{}{})
	default:
		return &JSONRPCResponse{
			JSONRPC: jsonRPCVersion,
			ID:      req.ID,
			Error: &JSONRPCError{
				Code:    -32601,
				Message: "Method not found",
			},
		}
	}
}

func (s *Server) result(req *JSONRPCRequest, result interface{}) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: jsonRPCVersion,
		ID:      req.ID,
		Result:  result,
	}
}

func (s *Server) handleInitialize(req *JSONRPCRequest) *JSONRPCResponse {
	return s.result(req, map[string]interface{}{
		"protocolVersion": mcpVersion,
		"serverInfo": map[string]string{
			"name":    serverName,
			"version": s.version,
		},
		"capabilities": map[string]interface{}{
			"tools": map[string]interface{}{},
		},
	})
}

func (s *Server) handleToolsList(req *JSONRPCRequest) *JSONRPCResponse {
	return s.result(req, map[string]interface{}{
		"tools": s.getToolDefinitions(),
	})
}

func (s *Server) handleToolsCall(ctx context.Context, req *JSONRPCRequest) *JSONRPCResponse {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}

	if err := json.Unmarshal(req.Params, &params); err != nil {
		return &JSONRPCResponse{
			JSONRPC: jsonRPCVersion,
			ID:      req.ID,
			Error: &JSONRPCError{
				Code:    -32602,
				Message: "Invalid params",
				Data:    err.Error(),
			},
		}
	}

	handler, exists := s.tools[params.Name]
	if !exists {
		return &JSONRPCResponse{
			JSONRPC: jsonRPCVersion,
			ID:      req.ID,
			Error: &JSONRPCError{
				Code:    -32602,
				Message: fmt.Sprintf("Unknown tool: %s", params.Name),
			},
		}
	}

	if len(params.Arguments) == 0 {
		params.Arguments = json.RawMessage(`{}`)
	}

	result, err := handler(ctx, params.Arguments)
	if err != nil {
		return s.result(req, map[string]interface{}{
			"content": []map[string]interface{}{
				{
					"type": "text",
					"text": fmt.Sprintf("Error: %s", err.Error()),
				},
			},
			"isError": true,
		})
	}

	text, _ := json.MarshalIndent(result, "", "  ")
	return s.result(req, map[string]interface{}{
		"content": []map[string]interface{}{
			{
				"type": "text",
				"text": string(text),
			},
		},
	})
}

func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message, data string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(&JSONRPCResponse{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	})
}

// SendEvent sends an event to a session's SSE stream.
func (s *Server) SendEvent(sessionID string, event interface{}) error {
	s.sessionMu.RLock()
	session, exists := s.sessions[sessionID]
	s.sessionMu.RUnlock()

	if !exists {
		return fmt.Errorf("session not found: %s", sessionID)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	select {
	case session.events <- data:
		return nil
	default:
		return fmt.Errorf("event channel full")
	}
}
