// Package taskmcp exposes the task tree over the Model Context Protocol so
// external agents and editors can inspect and edit tasks alongside the voice
// session.
package taskmcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/90rdon/visionary-me/internal/task"
)

// Decomposer breaks a task title into smaller sub-steps.
type Decomposer interface {
	Decompose(ctx context.Context, title string) (steps []string, provider string, err error)
}

// Server wraps a task store to expose it via MCP.
type Server struct {
	tasks  *task.Store
	decomp Decomposer
	log    *slog.Logger
	server *mcp.Server
}

// New creates an MCP server over the given task store. decomp may be nil,
// in which case the decompose_task tool reports breakdown as unavailable.
func New(tasks *task.Store, decomp Decomposer, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		tasks:  tasks,
		decomp: decomp,
		log:    log,
	}

	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    "visionary-tasks",
		Version: "1.0.0",
	}, nil)

	s.registerTools()
	return s
}

// Handler returns an HTTP handler for the MCP server.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(
		func(r *http.Request) *mcp.Server {
			return s.server
		},
		nil,
	)
}

func (s *Server) registerTools() {
	s.server.AddTool(&mcp.Tool{
		Name:        "list_tasks",
		Description: "Return the full task tree as JSON, including completion state and nested subtasks.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	}, s.listTasks)

	s.server.AddTool(&mcp.Tool{
		Name:        "add_task",
		Description: "Add a new task. When parent matches an existing task, the new task is added as its subtask; otherwise it goes to the top level.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{
					"type":        "string",
					"description": "The task title.",
				},
				"parent": map[string]any{
					"type":        "string",
					"description": "Optional keyword matching the parent task's title.",
				},
			},
			"required": []string{"title"},
		},
	}, s.addTask)

	s.server.AddTool(&mcp.Tool{
		Name:        "complete_task",
		Description: "Mark the first task whose title matches the keyword as done.",
		InputSchema: keywordSchema("Keyword matching the task title."),
	}, s.completeTask)

	s.server.AddTool(&mcp.Tool{
		Name:        "rename_task",
		Description: "Rename the first task whose title matches the keyword.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"keyword": map[string]any{
					"type":        "string",
					"description": "Keyword matching the task title.",
				},
				"title": map[string]any{
					"type":        "string",
					"description": "The new title.",
				},
			},
			"required": []string{"keyword", "title"},
		},
	}, s.renameTask)

	s.server.AddTool(&mcp.Tool{
		Name:        "remove_task",
		Description: "Delete the first task whose title matches the keyword, including its subtasks.",
		InputSchema: keywordSchema("Keyword matching the task title."),
	}, s.removeTask)

	s.server.AddTool(&mcp.Tool{
		Name:        "decompose_task",
		Description: "Break the matching task into smaller sub-steps using an LLM and attach them as subtasks. Replaces any existing subtasks.",
		InputSchema: keywordSchema("Keyword matching the task title."),
	}, s.decomposeTask)
}

func keywordSchema(desc string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"keyword": map[string]any{
				"type":        "string",
				"description": desc,
			},
		},
		"required": []string{"keyword"},
	}
}

func (s *Server) listTasks(_ context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(s.tasks.List(), "", "  ")
	if err != nil {
		return errorResult("encode tasks: %v", err), nil
	}
	return textResult(string(data)), nil
}

func (s *Server) addTask(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var input struct {
		Title  string `json:"title"`
		Parent string `json:"parent"`
	}
	if err := decodeArgs(req, &input); err != nil {
		return errorResult("invalid input: %v", err), nil
	}
	if strings.TrimSpace(input.Title) == "" {
		return errorResult("title is required"), nil
	}

	added, parent := s.tasks.Add(input.Title, input.Parent)
	s.log.Info("task added via mcp", "title", added.Title, "id", added.ID)
	if parent != nil {
		return textResult(fmt.Sprintf("Added %q under %q.", added.Title, parent.Title)), nil
	}
	return textResult(fmt.Sprintf("Added %q to the list.", added.Title)), nil
}

func (s *Server) completeTask(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	keyword, res := s.keywordArg(req)
	if res != nil {
		return res, nil
	}
	done, err := s.tasks.MarkDone(keyword)
	if err != nil {
		return s.notFound(keyword), nil
	}
	return textResult(fmt.Sprintf("Marked %q as complete.", done.Title)), nil
}

func (s *Server) renameTask(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var input struct {
		Keyword string `json:"keyword"`
		Title   string `json:"title"`
	}
	if err := decodeArgs(req, &input); err != nil {
		return errorResult("invalid input: %v", err), nil
	}
	if strings.TrimSpace(input.Title) == "" {
		return errorResult("title is required"), nil
	}
	target, ok := s.tasks.FindByKeyword(input.Keyword)
	if !ok {
		return s.notFound(input.Keyword), nil
	}
	renamed, err := s.tasks.Rename(target.ID, input.Title)
	if err != nil {
		return s.notFound(input.Keyword), nil
	}
	return textResult(fmt.Sprintf("Renamed %q to %q.", target.Title, renamed.Title)), nil
}

func (s *Server) removeTask(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	keyword, res := s.keywordArg(req)
	if res != nil {
		return res, nil
	}
	target, ok := s.tasks.FindByKeyword(keyword)
	if !ok {
		return s.notFound(keyword), nil
	}
	if err := s.tasks.Remove(target.ID); err != nil {
		return s.notFound(keyword), nil
	}
	return textResult(fmt.Sprintf("Removed %q.", target.Title)), nil
}

func (s *Server) decomposeTask(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	keyword, res := s.keywordArg(req)
	if res != nil {
		return res, nil
	}
	if s.decomp == nil {
		return errorResult("task breakdown is not configured"), nil
	}
	target, ok := s.tasks.FindByKeyword(keyword)
	if !ok {
		return s.notFound(keyword), nil
	}

	steps, provider, err := s.decomp.Decompose(ctx, target.Title)
	if err != nil {
		s.log.Warn("breakdown failed", "task", target.Title, "error", err)
		return errorResult("could not break down %q: %v", target.Title, err), nil
	}
	if _, err := s.tasks.ReplaceChildren(target.ID, steps); err != nil {
		return errorResult("attach subtasks: %v", err), nil
	}
	s.log.Info("task decomposed via mcp", "task", target.Title, "steps", len(steps), "provider", provider)
	return textResult(fmt.Sprintf("Broke %q into %d steps:\n- %s", target.Title, len(steps), strings.Join(steps, "\n- "))), nil
}

func (s *Server) keywordArg(req *mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	var input struct {
		Keyword string `json:"keyword"`
	}
	if err := decodeArgs(req, &input); err != nil {
		return "", errorResult("invalid input: %v", err)
	}
	if strings.TrimSpace(input.Keyword) == "" {
		return "", errorResult("keyword is required")
	}
	return input.Keyword, nil
}

func (s *Server) notFound(keyword string) *mcp.CallToolResult {
	msg := fmt.Sprintf("Could not find a task matching %q.", keyword)
	if hint, ok := s.tasks.Suggest(keyword); ok {
		msg += fmt.Sprintf(" Did you mean %q?", hint)
	}
	return errorResult("%s", msg)
}

func decodeArgs(req *mcp.CallToolRequest, v any) error {
	if len(req.Params.Arguments) == 0 {
		return nil
	}
	return json.Unmarshal(req.Params.Arguments, v)
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func errorResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}
