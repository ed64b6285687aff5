package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"viewonly-guard/internal/config"
	"viewonly-guard/internal/host"
	"viewonly-guard/internal/mangle"
	"viewonly-guard/internal/mode"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// maxNotices bounds the notices kept for the state resource.
const maxNotices = 20

// Server is the host platform exposed over MCP: view-only commands are
// tools, notices are logging notifications and the panel state is a
// resource.
type Server struct {
	cfg       config.Config
	engine    *mangle.Engine
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer

	mu         sync.RWMutex
	panel      *panelEntry
	prefs      PreferenceSource
	notices    []host.Notice
	lastChange *mode.StateChange
}

type panelEntry struct {
	spec    host.PanelSpec
	surface host.ControlSurface
}

// PreferenceSource reports current preference values for status reads.
type PreferenceSource interface {
	PreferenceValues() map[string]bool
}

// Tool describes the contract for MCP tool implementations.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

var _ host.Platform = (*Server)(nil)

// NewServer constructs the MCP server with the status and audit tools.
// Command tools are added by the host shim through RegisterCommand.
func NewServer(cfg config.Config, engine *mangle.Engine) (*Server, error) {
	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
	)

	server := &Server{
		cfg:       cfg,
		engine:    engine,
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
	}

	server.registerTool(&StatusTool{server: server})
	server.registerTool(&AuditTool{engine: engine})
	server.registerAllResources()
	return server, nil
}

// UsePreferences makes preference values part of status reads.
func (s *Server) UsePreferences(src PreferenceSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs = src
}

// RegisterCommand exposes cmd as a tool named after its key.
func (s *Server) RegisterCommand(cmd host.Command) error {
	if cmd.Key == "" || cmd.Run == nil {
		return fmt.Errorf("command %q: key and run are required", cmd.Key)
	}
	if _, exists := s.tools[cmd.Key]; exists {
		return fmt.Errorf("command %q already registered", cmd.Key)
	}
	s.registerTool(&CommandTool{cmd: cmd, server: s})
	return nil
}

// RegisterPanel records the control panel and the surface it drives.
func (s *Server) RegisterPanel(spec host.PanelSpec, surface host.ControlSurface) error {
	if spec.Key == "" || surface == nil {
		return fmt.Errorf("panel %q: key and surface are required", spec.Key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panel != nil {
		return fmt.Errorf("panel %q already registered", s.panel.spec.Key)
	}
	s.panel = &panelEntry{spec: spec, surface: surface}
	return nil
}

// Panel returns the registered control panel.
func (s *Server) Panel() (host.PanelSpec, host.ControlSurface, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.panel == nil {
		return host.PanelSpec{}, nil, false
	}
	return s.panel.spec, s.panel.surface, true
}

// Notify logs n and sends it to every connected client as a logging
// notification.
func (s *Server) Notify(n host.Notice) {
	log.Printf("notice [%s]: %s", n.Level, n.Message)

	s.mu.Lock()
	s.notices = append(s.notices, n)
	if len(s.notices) > maxNotices {
		s.notices = s.notices[len(s.notices)-maxNotices:]
	}
	s.mu.Unlock()

	level := n.Level
	if level == "" {
		level = host.LevelInfo
	}
	params := map[string]any{
		"level":  string(level),
		"logger": s.cfg.Server.Name,
		"data":   n.Message,
	}
	s.mcpServer.SendNotificationToAllClients("notifications/message", params)
}

// Notices returns the most recent notices, oldest first.
func (s *Server) Notices() []host.Notice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]host.Notice(nil), s.notices...)
}

// WatchDegraded notifies a warning when the audit engine derives a
// guard_degraded fact, once per step until view-only is next disabled, and
// stops when ctx is done.
func (s *Server) WatchDegraded(ctx context.Context) {
	if s.engine == nil {
		return
	}
	events := make(chan mangle.WatchEvent, 16)
	s.engine.Subscribe(mangle.PredGuardDegraded, events)
	s.engine.Subscribe(mangle.PredViewOnlyState, events)
	go func() {
		defer s.engine.Unsubscribe(mangle.PredGuardDegraded, events)
		defer s.engine.Unsubscribe(mangle.PredViewOnlyState, events)
		warned := make(map[string]bool)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				for _, f := range ev.Facts {
					if len(f.Args) == 0 {
						continue
					}
					if ev.Predicate == mangle.PredViewOnlyState {
						if f.Args[0] == host.StateDisabled {
							warned = make(map[string]bool)
						}
						continue
					}
					step := fmt.Sprintf("%v", f.Args[0])
					if warned[step] {
						continue
					}
					warned[step] = true
					s.Notify(host.Notice{
						Message: fmt.Sprintf("View-only protection degraded: %s step failed", step),
						Level:   host.LevelWarning,
					})
				}
			}
		}
	}()
}

// FollowState records each transition for status reads and tells
// subscribed clients that viewonly://state changed. It returns when changes
// is closed or ctx is done.
func (s *Server) FollowState(ctx context.Context, changes <-chan mode.StateChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			s.mu.Lock()
			s.lastChange = &c
			s.mu.Unlock()
			s.mcpServer.SendNotificationToAllClients("notifications/resources/updated", map[string]any{
				"uri": resourceState,
			})
		}
	}
}

// Start launches the stdio server.
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// StartSSE hosts the server over HTTP using SSE endpoints with graceful shutdown.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL("http://localhost:"+strconv.Itoa(port)))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Printf("SSE server shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ExecuteTool executes a tool directly (used by tests).
func (s *Server) ExecuteTool(name string, args map[string]interface{}) (interface{}, error) {
	tool, exists := s.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return tool.Execute(context.Background(), args)
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}

	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		result, err := tool.Execute(ctx, args)
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", tool.Name(), err))},
				IsError: true,
			}, nil
		}

		payload := marshalToolPayload(tool.Name(), result)
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(payload))},
			IsError: false,
		}, nil
	}
}

func marshalToolPayload(toolName string, result interface{}) []byte {
	payload, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		return payload
	}

	fallback := map[string]interface{}{
		"success": false,
		"error":   fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, marshalErr),
	}
	payload, fallbackErr := json.Marshal(fallback)
	if fallbackErr == nil {
		return payload
	}

	return []byte(fmt.Sprintf(`{"success":false,"error":"tool %s failed to encode payload"}`, toolName))
}
