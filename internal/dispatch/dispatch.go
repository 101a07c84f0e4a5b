// Package dispatch executes the function calls a live session raises against
// the task store and answers them on the session.
//
// The tool surface is fixed at session setup: getTasks, addTask,
// markTaskDone and decomposeTask. Raw wire calls are validated into typed
// Call values before any handler runs, and every call is answered, including
// unknown or failing ones, so the model never stalls waiting for a response.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/90rdon/visionary-me/internal/notify"
	"github.com/90rdon/visionary-me/internal/observe"
	"github.com/90rdon/visionary-me/internal/task"
	"github.com/90rdon/visionary-me/pkg/live"
)

// decomposeTimeout bounds background breakdowns kicked off by decomposeTask.
const decomposeTimeout = 2 * time.Minute

// ErrUnknownTool reports a call naming a tool outside the fixed surface.
var ErrUnknownTool = errors.New("dispatch: unknown tool")

// ToolDefinitions returns the function declarations offered to the model.
func ToolDefinitions() []live.ToolDefinition {
	return []live.ToolDefinition{
		{
			Name:        "getTasks",
			Description: "Get the current task list, including subtasks and completion state.",
		},
		{
			Name:        "addTask",
			Description: "Add a new task. Optionally nest it under an existing task matched by keyword.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title": map[string]any{
						"type":        "string",
						"description": "Title of the new task.",
					},
					"parentKeyword": map[string]any{
						"type":        "string",
						"description": "Keyword matching the parent task. Omit to add at the top level.",
					},
				},
				"required": []string{"title"},
			},
		},
		{
			Name:        "markTaskDone",
			Description: "Mark the task matching the keyword as complete.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"keyword": map[string]any{
						"type":        "string",
						"description": "Keyword matching the task to complete.",
					},
				},
				"required": []string{"keyword"},
			},
		},
		{
			Name:        "decomposeTask",
			Description: "Break the task matching the title down into smaller sub-steps.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"taskTitle": map[string]any{
						"type":        "string",
						"description": "Keyword matching the task to break down.",
					},
				},
				"required": []string{"taskTitle"},
			},
		},
	}
}

// Call is one validated tool invocation. The concrete types below are the
// only implementations; handlers switch over them instead of re-reading raw
// argument maps.
type Call interface {
	isCall()
}

// GetTasksCall reads the current task tree.
type GetTasksCall struct{}

// AddTaskCall creates a task, nested under the task matching ParentKeyword
// when one is given.
type AddTaskCall struct {
	Title         string
	ParentKeyword string
}

// MarkTaskDoneCall toggles the completion flag of the task matching Keyword.
type MarkTaskDoneCall struct {
	Keyword string
}

// DecomposeTaskCall expands the task matching TaskTitle into sub-steps.
type DecomposeTaskCall struct {
	TaskTitle string
}

func (GetTasksCall) isCall()      {}
func (AddTaskCall) isCall()       {}
func (MarkTaskDoneCall) isCall()  {}
func (DecomposeTaskCall) isCall() {}

// ParseCall validates one raw wire call into its typed form. Missing required
// arguments and unknown tool names are rejected here, before any handler
// touches the store.
func ParseCall(name string, args map[string]any) (Call, error) {
	switch name {
	case "getTasks":
		return GetTasksCall{}, nil
	case "addTask":
		title := stringArg(args, "title")
		if title == "" {
			return nil, fmt.Errorf("addTask: title is required")
		}
		return AddTaskCall{Title: title, ParentKeyword: stringArg(args, "parentKeyword")}, nil
	case "markTaskDone":
		keyword := stringArg(args, "keyword")
		if keyword == "" {
			return nil, fmt.Errorf("markTaskDone: keyword is required")
		}
		return MarkTaskDoneCall{Keyword: keyword}, nil
	case "decomposeTask":
		title := stringArg(args, "taskTitle")
		if title == "" {
			return nil, fmt.Errorf("decomposeTask: taskTitle is required")
		}
		return DecomposeTaskCall{TaskTitle: title}, nil
	default:
		return nil, ErrUnknownTool
	}
}

// Sender answers tool calls. *live.Session satisfies it.
type Sender interface {
	SendToolResponse(results ...live.ToolResult) error
}

// Decomposer produces sub-steps for a task title.
type Decomposer interface {
	Decompose(ctx context.Context, title string) ([]string, string, error)
}

// Dispatcher executes tool calls against one task store.
type Dispatcher struct {
	tasks    *task.Store
	decomp   Decomposer
	notifier notify.Notifier
	log      *slog.Logger
	metrics  *observe.Metrics
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics directs tool call and breakdown instrumentation to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New builds a Dispatcher. decomp may be nil when breakdowns are disabled;
// notifier and log may be nil.
func New(tasks *task.Store, decomp Decomposer, notifier notify.Notifier, log *slog.Logger, opts ...Option) *Dispatcher {
	if notifier == nil {
		notifier = notify.Discard
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{tasks: tasks, decomp: decomp, notifier: notifier, log: log}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// HandleToolCalls executes each call in order and answers it through sender.
// Calls without a name are skipped. Suitable as a live.Callbacks.OnToolCalls
// handler:
//
//	cb.OnToolCalls = func(calls []live.ToolCall) { d.HandleToolCalls(sess, calls) }
func (d *Dispatcher) HandleToolCalls(sender Sender, calls []live.ToolCall) {
	for _, call := range calls {
		if call.Name == "" {
			continue
		}
		result := d.execute(call)
		err := sender.SendToolResponse(live.ToolResult{
			ID:       call.ID,
			Name:     call.Name,
			Response: map[string]any{"result": result},
		})
		if err != nil {
			d.log.Warn("tool response not delivered", "tool", call.Name, "error", err)
		}
	}
}

// execute runs one call. A panic inside a handler is converted into an error
// payload so the session survives bad arguments.
func (d *Dispatcher) execute(raw live.ToolCall) (result any) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("tool handler panicked", "tool", raw.Name, "panic", r)
			d.metrics.RecordToolCall(ctx, raw.Name, "panic")
			result = map[string]any{"error": fmt.Sprint(r)}
		}
	}()

	call, err := ParseCall(raw.Name, raw.Args)
	if err != nil {
		d.metrics.RecordToolCall(ctx, raw.Name, "invalid")
		if errors.Is(err, ErrUnknownTool) {
			return map[string]any{"error": "Unknown tool"}
		}
		return map[string]any{"error": err.Error()}
	}

	start := time.Now()
	out, err := d.dispatch(call)
	d.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("tool", raw.Name)))
	if err != nil {
		d.metrics.RecordToolCall(ctx, raw.Name, "error")
		return map[string]any{"error": err.Error()}
	}
	d.metrics.RecordToolCall(ctx, raw.Name, "ok")
	return out
}

func (d *Dispatcher) dispatch(call Call) (any, error) {
	switch c := call.(type) {
	case GetTasksCall:
		return d.tasks.List(), nil
	case AddTaskCall:
		return d.addTask(c)
	case MarkTaskDoneCall:
		return d.markTaskDone(c)
	case DecomposeTaskCall:
		return d.decomposeTask(c)
	default:
		return nil, ErrUnknownTool
	}
}

func (d *Dispatcher) addTask(c AddTaskCall) (any, error) {
	added, parent := d.tasks.Add(c.Title, c.ParentKeyword)
	location := "to the list"
	if parent != nil {
		location = fmt.Sprintf("under %q", parent.Title)
	}
	d.notifier.Notify(fmt.Sprintf("Added: %s", added.Title))
	return map[string]any{
		"status":   "added",
		"task":     added.Title,
		"location": location,
		"message":  fmt.Sprintf("Added %q %s.", added.Title, location),
	}, nil
}

func (d *Dispatcher) markTaskDone(c MarkTaskDoneCall) (any, error) {
	done, err := d.tasks.MarkDone(c.Keyword)
	if err != nil {
		return d.notFound(c.Keyword), nil
	}
	d.notifier.Notify(fmt.Sprintf("Completed: %s", done.Title))
	return map[string]any{
		"status":  "completed",
		"task":    done.Title,
		"message": fmt.Sprintf("Marked %q as complete.", done.Title),
	}, nil
}

func (d *Dispatcher) decomposeTask(c DecomposeTaskCall) (any, error) {
	if d.decomp == nil {
		return nil, fmt.Errorf("decomposeTask: breakdown engine not configured")
	}

	match, ok := d.tasks.FindByKeyword(c.TaskTitle)
	if !ok {
		return d.notFound(c.TaskTitle), nil
	}

	d.notifier.Notify(fmt.Sprintf("Breaking down: %s", match.Title))
	// Runs in the background: blocking the receive path on an LLM round trip
	// would stall the whole session.
	go d.runBreakdown(match.ID, match.Title)

	return map[string]any{
		"status": "breaking_down",
		"task":   match.Title,
		"message": fmt.Sprintf(
			"Breaking down %q into steps. They will appear in the list momentarily.", match.Title),
	}, nil
}

func (d *Dispatcher) runBreakdown(id, title string) {
	ctx, cancel := context.WithTimeout(context.Background(), decomposeTimeout)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "dispatch.breakdown")
	defer span.End()
	log := observe.Logger(ctx)

	start := time.Now()
	steps, provider, err := d.decomp.Decompose(ctx, title)
	if err != nil {
		d.metrics.RecordBreakdown(ctx, provider, "error", time.Since(start).Seconds())
		log.Warn("breakdown failed", "task", title, "error", err)
		d.notifier.Alert(fmt.Sprintf("Could not break down: %s", title))
		return
	}
	d.metrics.RecordBreakdown(ctx, provider, "ok", time.Since(start).Seconds())
	if _, err := d.tasks.ReplaceChildren(id, steps); err != nil {
		// The task was removed while the model was thinking.
		log.Warn("breakdown target vanished", "task", title, "error", err)
		return
	}
	log.Info("task decomposed", "task", title, "steps", len(steps), "provider", provider)
	d.notifier.Notify(fmt.Sprintf("Expanded: %s", title))
}

// notFound builds the reply for a keyword that matched nothing, with a fuzzy
// suggestion when a near-miss title exists.
func (d *Dispatcher) notFound(keyword string) map[string]any {
	message := fmt.Sprintf("Could not find a task matching %q.", keyword)
	if suggestion, ok := d.tasks.Suggest(keyword); ok {
		message += fmt.Sprintf(" Did you mean %q?", suggestion)
	}
	return map[string]any{
		"status":  "not_found",
		"message": message,
	}
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}
