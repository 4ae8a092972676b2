package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/sevir/jstd-supervisor/pkg/models"
)

// Tool represents an MCP tool definition.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

type sessionKey struct{}

func withSession(ctx context.Context, session *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, session)
}

func sessionFrom(ctx context.Context) *Session {
	session, _ := ctx.Value(sessionKey{}).(*Session)
	return session
}

func (s *Server) registerTools() {
	s.tools["start_server"] = s.toolStartServer
	s.tools["get_server"] = s.toolGetServer
	s.tools["list_servers"] = s.toolListServers
	s.tools["shutdown_server"] = s.toolShutdownServer
	s.tools["wait_server"] = s.toolWaitServer
	s.tools["get_browsers"] = s.toolGetBrowsers
	s.tools["get_server_output"] = s.toolGetServerOutput
	s.tools["purge_server"] = s.toolPurgeServer
	s.tools["get_stats"] = s.toolGetStats
}

func serverIDSchema(description string) map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"server_id": map[string]interface{}{
				"type":        "string",
				"description": description,
			},
		},
		"required": []string{"server_id"},
	}
}

func runnerModeNames() []string {
	names := make([]string, len(models.RunnerModes))
	for i, m := range models.RunnerModes {
		names[i] = string(m)
	}
	return names
}

func (s *Server) getToolDefinitions() []Tool {
	return []Tool{
		{
			Name:        "start_server",
			Description: "Start a JsTestDriver server. Browsers capture it at the returned URL. Omitted settings take the supervisor defaults. A port held by another live server is rejected.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"port": map[string]interface{}{
						"type":        "integer",
						"description": "Port the server listens on (1-65535)",
					},
					"runner_mode": map[string]interface{}{
						"type":        "string",
						"description": "Runner verbosity",
						"enum":        runnerModeNames(),
					},
					"browser_timeout": map[string]interface{}{
						"type":        "string",
						"description": "How long a silent browser stays captured (e.g., '30s', '2m')",
					},
					"notify": map[string]interface{}{
						"type":        "boolean",
						"description": "Send lifecycle notifications to this session's SSE stream",
						"default":     false,
					},
				},
			},
		},
		{
			Name:        "get_server",
			Description: "Get detailed information about a server including status, command line, captured browsers and exit code",
			InputSchema: serverIDSchema("The server ID to retrieve"),
		},
		{
			Name:        "list_servers",
			Description: "List servers, newest first, with optional filtering by status",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"status": map[string]interface{}{
						"type": "array",
						"items": map[string]interface{}{
							"type": "string",
							"enum": []string{"starting", "running", "stopping", "terminated", "failed"},
						},
						"description": "Filter by server status",
					},
					"limit": map[string]interface{}{
						"type":        "integer",
						"description": "Maximum number of servers to return",
						"default":     20,
					},
					"offset": map[string]interface{}{
						"type":        "integer",
						"description": "Number of servers to skip",
						"default":     0,
					},
				},
			},
		},
		{
			Name:        "shutdown_server",
			Description: "Ask a server to stop. The process tree is terminated and killed if it outlives the grace period. Returns immediately; use wait_server to block until exit",
			InputSchema: serverIDSchema("The server ID to shut down"),
		},
		{
			Name:        "wait_server",
			Description: "Wait for a server process to exit. Returns the record when it reaches a terminal state (terminated or failed), or the current record on timeout",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"server_id": map[string]interface{}{
						"type":        "string",
						"description": "The server ID to wait for",
					},
					"timeout": map[string]interface{}{
						"type":        "string",
						"description": "Maximum time to wait (e.g., '30s', '5m'). Empty for no timeout",
					},
				},
				"required": []string{"server_id"},
			},
		},
		{
			Name:        "get_browsers",
			Description: "List the browsers currently captured by a server",
			InputSchema: serverIDSchema("The server ID"),
		},
		{
			Name:        "get_server_output",
			Description: "Get the last lines a server wrote to stdout and stderr",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"server_id": map[string]interface{}{
						"type":        "string",
						"description": "The server ID",
					},
					"lines": map[string]interface{}{
						"type":        "integer",
						"description": "Number of trailing lines to return (default: 50, 0 for all)",
						"default":     50,
					},
				},
				"required": []string{"server_id"},
			},
		},
		{
			Name:        "purge_server",
			Description: "Stop a server if it is still running, delete its log file and remove it from the store",
			InputSchema: serverIDSchema("The server ID to purge"),
		},
		{
			Name:        "get_stats",
			Description: "Get supervisor statistics including server counts by status and captured browsers",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
	}
}

func (s *Server) toolStartServer(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		models.StartRequest
		Notify bool `json:"notify"`
	}

	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}

	rec, err := s.registry.Start(ctx, req.StartRequest)
	if err != nil {
		return nil, err
	}

	if session := sessionFrom(ctx); req.Notify && session != nil {
		s.forwardLifecycle(session, rec.ID)
	}

	return map[string]interface{}{
		"server_id":  rec.ID,
		"name":       rec.Name,
		"status":     rec.Status,
		"url":        rec.URL,
		"pid":        rec.PID,
		"settings":   rec.Settings,
		"log_file":   rec.LogFile,
		"created_at": rec.CreatedAt,
	}, nil
}

// forwardLifecycle relays lifecycle events of a server to the session's SSE
// stream as MCP notifications until the server exits.
func (s *Server) forwardLifecycle(session *Session, serverID string) {
	s.sessionMu.RLock()
	_, registered := s.sessions[session.ID]
	s.sessionMu.RUnlock()
	if !registered {
		log.Printf("Warning: session %s has no event stream, not forwarding events of %s", session.ID, serverID)
		return
	}

	events, err := s.registry.Subscribe(context.Background(), serverID)
	if err != nil {
		log.Printf("Warning: cannot forward events of %s: %v", serverID, err)
		return
	}
	go func() {
		for ev := range events {
			if ev.Kind != models.StreamEventLifecycle {
				continue
			}
			notification := map[string]interface{}{
				"jsonrpc": jsonRPCVersion,
				"method":  "notifications/message",
				"params": map[string]interface{}{
					"level":  "info",
					"logger": serverName,
					"data": map[string]interface{}{
						"server_id": serverID,
						"event":     ev,
					},
				},
			}
			if err := s.SendEvent(session.ID, notification); err != nil {
				log.Printf("Warning: dropped %s event for session %s: %v", ev.Type, session.ID, err)
			}
		}
	}()
}

func (s *Server) toolGetServer(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		ServerID string `json:"server_id"`
	}

	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}

	return s.registry.Get(req.ServerID)
}

func (s *Server) toolListServers(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		Status []string `json:"status"`
		Limit  int      `json:"limit"`
		Offset int      `json:"offset"`
	}

	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}

	var statuses []models.ServerStatus
	for _, raw := range req.Status {
		st := models.ServerStatus(raw)
		if !models.ValidServerStatus(st) {
			return nil, fmt.Errorf("invalid status: %s", raw)
		}
		statuses = append(statuses, st)
	}

	if req.Limit == 0 {
		req.Limit = 20
	}

	records, err := s.registry.List(models.ListRequest{
		Status: statuses,
		Limit:  req.Limit,
		Offset: req.Offset,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	summaries := make([]models.ServerSummary, len(records))
	for i, rec := range records {
		summaries[i] = rec.ToSummary(now)
	}

	return map[string]interface{}{
		"servers": summaries,
		"total":   len(summaries),
	}, nil
}

func (s *Server) toolShutdownServer(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		ServerID string `json:"server_id"`
	}

	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}

	rec, err := s.registry.Shutdown(req.ServerID)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"server_id": rec.ID,
		"status":    rec.Status,
	}, nil
}

func (s *Server) toolWaitServer(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		ServerID string `json:"server_id"`
		Timeout  string `json:"timeout"`
	}

	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}

	var timeout time.Duration
	if req.Timeout != "" {
		var err error
		timeout, err = time.ParseDuration(req.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout: %w", err)
		}
	}

	rec, err := s.registry.Wait(ctx, req.ServerID, timeout)
	if err != nil {
		// Still return the server state on timeout.
		if rec != nil {
			return map[string]interface{}{
				"server":  rec,
				"error":   err.Error(),
				"timeout": true,
			}, nil
		}
		return nil, err
	}

	return map[string]interface{}{
		"server":      rec,
		"output_tail": rec.OutputTail,
	}, nil
}

func (s *Server) toolGetBrowsers(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		ServerID string `json:"server_id"`
	}

	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}

	browsers, err := s.registry.Browsers(req.ServerID)
	if err != nil {
		return nil, err
	}
	if browsers == nil {
		browsers = []models.BrowserInfo{}
	}

	return map[string]interface{}{
		"server_id": req.ServerID,
		"browsers":  browsers,
		"count":     len(browsers),
	}, nil
}

func (s *Server) toolGetServerOutput(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		ServerID string `json:"server_id"`
		Lines    *int   `json:"lines"`
	}

	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}

	lines := 50
	if req.Lines != nil {
		lines = *req.Lines
	}

	output, err := s.registry.Output(req.ServerID, lines)
	if err != nil {
		return nil, err
	}
	rec, err := s.registry.Get(req.ServerID)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"server_id": rec.ID,
		"status":    rec.Status,
		"output":    output,
		"log_file":  rec.LogFile,
	}, nil
}

func (s *Server) toolPurgeServer(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		ServerID string `json:"server_id"`
	}

	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}

	if err := s.registry.Purge(req.ServerID); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"server_id": req.ServerID,
		"purged":    true,
	}, nil
}

func (s *Server) toolGetStats(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.registry.GetStats(), nil
}
