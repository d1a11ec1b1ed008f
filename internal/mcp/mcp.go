// Package mcp implements the Model Context Protocol server for Vesper.
//
// Vesper runs as a stdio subprocess of the agent host; every capability of
// the memory service is exposed as an MCP tool. Tool failures are reported
// as error results carrying the service error taxonomy, never as transport
// errors, so the host can decide whether to retry.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/vesper-ai/vesper/internal/service"
	"github.com/vesper-ai/vesper/internal/telemetry"
)

// Server wraps the MCP server with Vesper's service façade.
type Server struct {
	mcpServer *mcpserver.MCPServer
	svc       *service.Service
	logger    *slog.Logger

	toolCalls   metric.Int64Counter
	toolLatency metric.Float64Histogram
}

// New creates and configures an MCP server with all tools and resources.
func New(svc *service.Service, version string, logger *slog.Logger) *Server {
	s := &Server{
		svc:    svc,
		logger: logger,
	}

	meter := telemetry.Meter("vesper/mcp")
	s.toolCalls, _ = meter.Int64Counter("vesper.tool.calls",
		metric.WithDescription("Tool invocations by name and outcome"))
	s.toolLatency, _ = meter.Float64Histogram("vesper.tool.latency",
		metric.WithDescription("Tool handler latency"), metric.WithUnit("ms"))

	s.mcpServer = mcpserver.NewMCPServer(
		"vesper",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// ServeStdio blocks serving the MCP protocol over stdin/stdout.
func (s *Server) ServeStdio() error {
	return mcpserver.ServeStdio(s.mcpServer)
}

func (s *Server) registerResources() {
	// vesper://memories/recent: newest canonical memories in the default namespace.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"vesper://memories/recent",
			"Recent Memories",
			mcplib.WithResourceDescription("Most recent memories in the default namespace"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentResource,
	)

	// vesper://namespaces: every known namespace.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"vesper://namespaces",
			"Namespaces",
			mcplib.WithResourceDescription("All namespaces known to the memory service"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleNamespacesResource,
	)
}

// instrumented wraps a tool handler with invocation count and latency
// metrics. With no exporter configured the instruments are no-ops.
func (s *Server) instrumented(name string, h mcpserver.ToolHandlerFunc) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		start := time.Now()
		result, err := h(ctx, request)

		outcome := "ok"
		if err != nil || (result != nil && result.IsError) {
			outcome = "error"
		}
		attrs := metric.WithAttributes(
			attribute.String("tool", name),
			attribute.String("outcome", outcome),
		)
		s.toolCalls.Add(ctx, 1, attrs)
		s.toolLatency.Record(ctx, float64(time.Since(start).Microseconds())/1000.0, attrs)
		return result, err
	}
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("store_memory",
			mcplib.WithDescription("Store a memory. Returns the memory id and whether an embedding was computed inline."),
			mcplib.WithString("content", mcplib.Description("Memory text"), mcplib.Required()),
			mcplib.WithString("memory_type", mcplib.Description("conversation, decision, observation, ...")),
			mcplib.WithString("namespace", mcplib.Description("Namespace, defaults to 'default'")),
			mcplib.WithString("agent_id", mcplib.Description("Originating agent")),
			mcplib.WithString("task_id", mcplib.Description("Originating task")),
			mcplib.WithObject("metadata", mcplib.Description("Optional key_entities, topics, user_intent")),
		),
		s.instrumented("store_memory", s.handleStoreMemory),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("store_decision",
			mcplib.WithDescription("Store a decision memory. Knowledge derived from decisions decays at half speed and contradictions with prior facts are flagged immediately."),
			mcplib.WithString("content", mcplib.Description("Decision text"), mcplib.Required()),
			mcplib.WithString("namespace", mcplib.Description("Namespace, defaults to 'default'")),
			mcplib.WithString("agent_id", mcplib.Description("Originating agent")),
			mcplib.WithString("task_id", mcplib.Description("Originating task")),
		),
		s.instrumented("store_decision", s.handleStoreDecision),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("retrieve_memory",
			mcplib.WithDescription("Retrieve memories for a query. The router picks the tier: working ring, knowledge graph, skill library, or hybrid vector search."),
			mcplib.WithString("query", mcplib.Description("Natural language query"), mcplib.Required()),
			mcplib.WithNumber("max_results", mcplib.Description("Maximum results, default 10")),
			mcplib.WithString("namespace", mcplib.Description("Namespace, defaults to 'default'")),
			mcplib.WithString("agent_id", mcplib.Description("Only results from this agent")),
			mcplib.WithString("task_id", mcplib.Description("Only results from this task")),
			mcplib.WithString("exclude_agent", mcplib.Description("Drop results produced by this agent")),
		),
		s.instrumented("retrieve_memory", s.handleRetrieveMemory),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("list_recent",
			mcplib.WithDescription("List the newest stored memories"),
			mcplib.WithNumber("limit", mcplib.Description("Maximum rows, default 10")),
			mcplib.WithString("namespace", mcplib.Description("Namespace, defaults to 'default'")),
		),
		s.instrumented("list_recent", s.handleListRecent),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("get_stats",
			mcplib.WithDescription("Counts of vector points, entities, relationships, facts, open conflicts, and skills"),
			mcplib.WithString("namespace", mcplib.Description("Namespace, defaults to 'default'")),
		),
		s.instrumented("get_stats", s.handleGetStats),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("delete_memory",
			mcplib.WithDescription("Delete a memory from every tier"),
			mcplib.WithString("id", mcplib.Description("Memory id"), mcplib.Required()),
			mcplib.WithString("namespace", mcplib.Description("Namespace, defaults to 'default'")),
		),
		s.instrumented("delete_memory", s.handleDeleteMemory),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("share_context",
			mcplib.WithDescription("Copy matching memories from one namespace to another and record a handoff"),
			mcplib.WithString("from", mcplib.Description("Source namespace"), mcplib.Required()),
			mcplib.WithString("to", mcplib.Description("Target namespace"), mcplib.Required()),
			mcplib.WithString("filter", mcplib.Description("Substring filter over memory content")),
		),
		s.instrumented("share_context", s.handleShareContext),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("list_namespaces",
			mcplib.WithDescription("List every namespace known to the memory service"),
		),
		s.instrumented("list_namespaces", s.handleListNamespaces),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("namespace_stats",
			mcplib.WithDescription("Per-table record counts for one namespace"),
			mcplib.WithString("namespace", mcplib.Description("Namespace"), mcplib.Required()),
		),
		s.instrumented("namespace_stats", s.handleNamespaceStats),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("load_skill",
			mcplib.WithDescription("Load a full skill record by id, including co-occurring skills"),
			mcplib.WithString("skill_id", mcplib.Description("Skill id"), mcplib.Required()),
		),
		s.instrumented("load_skill", s.handleLoadSkill),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("record_skill_outcome",
			mcplib.WithDescription("Record whether a skill invocation succeeded. Returns the updated quality score."),
			mcplib.WithString("skill_id", mcplib.Description("Skill id"), mcplib.Required()),
			mcplib.WithBoolean("success", mcplib.Description("Whether the invocation succeeded"), mcplib.Required()),
			mcplib.WithNumber("satisfaction", mcplib.Description("User satisfaction 0.0-1.0, successes only")),
		),
		s.instrumented("record_skill_outcome", s.handleRecordSkillOutcome),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("vesper_enable",
			mcplib.WithDescription("Enable the memory service"),
		),
		s.instrumented("vesper_enable", s.handleEnable),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("vesper_disable",
			mcplib.WithDescription("Disable the memory service. Reads and writes fail until re-enabled; nightly consolidation keeps running."),
		),
		s.instrumented("vesper_disable", s.handleDisable),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("vesper_status",
			mcplib.WithDescription("Report the enabled flag and per-dependency health"),
		),
		s.instrumented("vesper_status", s.handleStatus),
	)
}

func (s *Server) handleRecentResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	rows, err := s.svc.ListRecent(ctx, "", 10)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent memories: %w", err)
	}
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal memories: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "vesper://memories/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleNamespacesResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	names, err := s.svc.ListNamespaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: namespaces: %w", err)
	}
	data, err := json.MarshalIndent(map[string]any{"namespaces": names}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal namespaces: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "vesper://namespaces",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleStoreMemory(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	content := request.GetString("content", "")
	if content == "" {
		return invalidResult("content is required"), nil
	}

	var meta map[string]any
	if args := request.GetArguments(); args != nil {
		if m, ok := args["metadata"].(map[string]any); ok {
			meta = m
		}
	}

	res, err := s.svc.Store(ctx, service.StoreRequest{
		Content:    content,
		MemoryType: request.GetString("memory_type", ""),
		Namespace:  request.GetString("namespace", ""),
		AgentID:    request.GetString("agent_id", ""),
		TaskID:     request.GetString("task_id", ""),
		Metadata:   meta,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(res)
}

func (s *Server) handleStoreDecision(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	content := request.GetString("content", "")
	if content == "" {
		return invalidResult("content is required"), nil
	}

	res, err := s.svc.StoreDecision(ctx, service.StoreRequest{
		Content:   content,
		Namespace: request.GetString("namespace", ""),
		AgentID:   request.GetString("agent_id", ""),
		TaskID:    request.GetString("task_id", ""),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(res)
}

func (s *Server) handleRetrieveMemory(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return invalidResult("query is required"), nil
	}

	res, err := s.svc.Retrieve(ctx, service.RetrieveRequest{
		Query:        query,
		MaxResults:   request.GetInt("max_results", 10),
		Namespace:    request.GetString("namespace", ""),
		AgentID:      request.GetString("agent_id", ""),
		TaskID:       request.GetString("task_id", ""),
		ExcludeAgent: request.GetString("exclude_agent", ""),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(res)
}

func (s *Server) handleListRecent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	rows, err := s.svc.ListRecent(ctx, request.GetString("namespace", ""), request.GetInt("limit", 10))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"records": rows, "total": len(rows)})
}

func (s *Server) handleGetStats(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	st, err := s.svc.Stats(ctx, request.GetString("namespace", ""))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(st)
}

func (s *Server) handleDeleteMemory(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := request.GetString("id", "")
	if id == "" {
		return invalidResult("id is required"), nil
	}

	deleted, err := s.svc.Delete(ctx, request.GetString("namespace", ""), id)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"deleted": deleted})
}

func (s *Server) handleShareContext(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	from := request.GetString("from", "")
	to := request.GetString("to", "")
	if from == "" || to == "" {
		return invalidResult("from and to are required"), nil
	}

	res, err := s.svc.ShareContext(ctx, from, to, request.GetString("filter", ""))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(res)
}

func (s *Server) handleListNamespaces(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	names, err := s.svc.ListNamespaces(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"namespaces": names})
}

func (s *Server) handleNamespaceStats(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	namespace := request.GetString("namespace", "")
	if namespace == "" {
		return invalidResult("namespace is required"), nil
	}

	st, err := s.svc.NamespaceStats(ctx, namespace)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(st)
}

func (s *Server) handleLoadSkill(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := request.GetString("skill_id", "")
	if id == "" {
		return invalidResult("skill_id is required"), nil
	}

	sk, err := s.svc.LoadSkill(ctx, id)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(sk)
}

func (s *Server) handleRecordSkillOutcome(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := request.GetString("skill_id", "")
	if id == "" {
		return invalidResult("skill_id is required"), nil
	}

	quality, err := s.svc.RecordSkillOutcome(ctx, id,
		request.GetBool("success", false),
		float32(request.GetFloat("satisfaction", 0)),
	)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"quality_score": quality})
}

func (s *Server) handleEnable(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	s.svc.Enable()
	s.logger.Info("memory service enabled")
	return jsonResult(map[string]any{"enabled": true})
}

func (s *Server) handleDisable(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	s.svc.Disable()
	s.logger.Info("memory service disabled")
	return jsonResult(map[string]any{"enabled": false})
}

func (s *Server) handleStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return jsonResult(map[string]any{
		"enabled": s.svc.Enabled(),
		"health":  s.svc.Health(ctx),
	})
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

// errorResult renders a service error as the taxonomy envelope the host can
// inspect for retryability.
func errorResult(err error) *mcplib.CallToolResult {
	se := service.Classify(err)
	data, _ := json.Marshal(map[string]any{"error": se})
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
		IsError: true,
	}
}

func invalidResult(msg string) *mcplib.CallToolResult {
	return errorResult(&service.Error{
		Kind:    service.KindInvalidInput,
		Message: msg,
	})
}
