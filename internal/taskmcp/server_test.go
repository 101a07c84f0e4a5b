package taskmcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/90rdon/visionary-me/internal/task"
)

type fakeDecomposer struct {
	Steps    []string
	Err      error
	LastTitle string
}

func (f *fakeDecomposer) Decompose(_ context.Context, title string) ([]string, string, error) {
	f.LastTitle = title
	if f.Err != nil {
		return nil, "", f.Err
	}
	return f.Steps, "local_ollama", nil
}

func callReq(t *testing.T, args map[string]any) *mcp.CallToolRequest {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	return &mcp.CallToolRequest{
		Params: &mcp.CallToolParamsRaw{Arguments: json.RawMessage(raw)},
	}
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("expected 1 content block, got %d", len(res.Content))
	}
	tc, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", res.Content[0])
	}
	return tc.Text
}

func TestListTasks(t *testing.T) {
	store := task.NewStore()
	store.Add("Plan launch", "")
	store.Add("Write checklist", "plan")
	srv := New(store, nil, nil)

	res, err := srv.listTasks(context.Background(), callReq(t, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, res))
	}

	var tasks []task.Task
	if err := json.Unmarshal([]byte(resultText(t, res)), &tasks); err != nil {
		t.Fatalf("result is not valid task JSON: %v", err)
	}
	if len(tasks) != 1 || len(tasks[0].Subtasks) != 1 {
		t.Errorf("unexpected tree shape: %+v", tasks)
	}
}

func TestAddTask_TopLevelAndNested(t *testing.T) {
	store := task.NewStore()
	srv := New(store, nil, nil)

	res, _ := srv.addTask(context.Background(), callReq(t, map[string]any{"title": "Plan launch"}))
	if got := resultText(t, res); got != `Added "Plan launch" to the list.` {
		t.Errorf("top-level add message = %q", got)
	}

	res, _ = srv.addTask(context.Background(), callReq(t, map[string]any{"title": "Book venue", "parent": "launch"}))
	if got := resultText(t, res); got != `Added "Book venue" under "Plan launch".` {
		t.Errorf("nested add message = %q", got)
	}

	tasks := store.List()
	if len(tasks) != 1 || len(tasks[0].Subtasks) != 1 {
		t.Errorf("unexpected tree shape: %+v", tasks)
	}
}

func TestAddTask_RequiresTitle(t *testing.T) {
	srv := New(task.NewStore(), nil, nil)
	res, _ := srv.addTask(context.Background(), callReq(t, map[string]any{"title": "  "}))
	if !res.IsError {
		t.Fatal("expected IsError for missing title")
	}
}

func TestCompleteTask(t *testing.T) {
	store := task.NewStore()
	store.Add("Water the plants", "")
	srv := New(store, nil, nil)

	res, _ := srv.completeTask(context.Background(), callReq(t, map[string]any{"keyword": "plants"}))
	if got := resultText(t, res); got != `Marked "Water the plants" as complete.` {
		t.Errorf("complete message = %q", got)
	}
	if !store.List()[0].Done {
		t.Error("task should be marked done")
	}
}

func TestCompleteTask_NotFoundSuggests(t *testing.T) {
	store := task.NewStore()
	store.Add("Groceries", "")
	srv := New(store, nil, nil)

	res, _ := srv.completeTask(context.Background(), callReq(t, map[string]any{"keyword": "grocerees"}))
	if !res.IsError {
		t.Fatal("expected IsError for unmatched keyword")
	}
	text := resultText(t, res)
	if !strings.Contains(text, `"grocerees"`) {
		t.Errorf("message should echo the keyword, got %q", text)
	}
	if !strings.Contains(text, `Did you mean "Groceries"?`) {
		t.Errorf("message should suggest the close match, got %q", text)
	}
}

func TestRenameTask(t *testing.T) {
	store := task.NewStore()
	store.Add("Draft email", "")
	srv := New(store, nil, nil)

	res, _ := srv.renameTask(context.Background(), callReq(t, map[string]any{"keyword": "draft", "title": "Send email"}))
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, res))
	}
	if store.List()[0].Title != "Send email" {
		t.Errorf("title = %q, want %q", store.List()[0].Title, "Send email")
	}
}

func TestRemoveTask(t *testing.T) {
	store := task.NewStore()
	store.Add("Old chore", "")
	srv := New(store, nil, nil)

	res, _ := srv.removeTask(context.Background(), callReq(t, map[string]any{"keyword": "chore"}))
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, res))
	}
	if len(store.List()) != 0 {
		t.Error("task should be removed")
	}
}

func TestDecomposeTask_AttachesSubtasks(t *testing.T) {
	store := task.NewStore()
	store.Add("Plan a trip", "")
	decomp := &fakeDecomposer{Steps: []string{"Pick dates", "Book flights", "Reserve hotel"}}
	srv := New(store, decomp, nil)

	res, _ := srv.decomposeTask(context.Background(), callReq(t, map[string]any{"keyword": "trip"}))
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, res))
	}
	if decomp.LastTitle != "Plan a trip" {
		t.Errorf("decomposer got title %q", decomp.LastTitle)
	}
	subs := store.List()[0].Subtasks
	if len(subs) != 3 {
		t.Fatalf("expected 3 subtasks, got %d", len(subs))
	}
	if subs[0].Title != "Pick dates" {
		t.Errorf("first subtask = %q", subs[0].Title)
	}
}

func TestDecomposeTask_EngineFailure(t *testing.T) {
	store := task.NewStore()
	store.Add("Plan a trip", "")
	srv := New(store, &fakeDecomposer{Err: errors.New("model offline")}, nil)

	res, _ := srv.decomposeTask(context.Background(), callReq(t, map[string]any{"keyword": "trip"}))
	if !res.IsError {
		t.Fatal("expected IsError when the engine fails")
	}
	if len(store.List()[0].Subtasks) != 0 {
		t.Error("failed breakdown should not attach subtasks")
	}
}

func TestDecomposeTask_Unconfigured(t *testing.T) {
	store := task.NewStore()
	store.Add("Plan a trip", "")
	srv := New(store, nil, nil)

	res, _ := srv.decomposeTask(context.Background(), callReq(t, map[string]any{"keyword": "trip"}))
	if !res.IsError {
		t.Fatal("expected IsError when breakdown is not configured")
	}
}
