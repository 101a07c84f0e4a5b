package dispatch_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/90rdon/visionary-me/internal/dispatch"
	"github.com/90rdon/visionary-me/internal/notify"
	"github.com/90rdon/visionary-me/internal/observe"
	"github.com/90rdon/visionary-me/internal/task"
	"github.com/90rdon/visionary-me/pkg/live"
)

type recordingSender struct {
	mu      sync.Mutex
	results []live.ToolResult
}

func (r *recordingSender) SendToolResponse(results ...live.ToolResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, results...)
	return nil
}

func (r *recordingSender) all() []live.ToolResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]live.ToolResult(nil), r.results...)
}

type fakeDecomposer struct {
	steps []string
	err   error
	done  chan struct{}
}

func (f *fakeDecomposer) Decompose(context.Context, string) ([]string, string, error) {
	if f.done != nil {
		defer close(f.done)
	}
	return f.steps, "local_ollama", f.err
}

// result unwraps the {"result": ...} envelope of one answered call.
func result(t *testing.T, r live.ToolResult) any {
	t.Helper()
	inner, ok := r.Response["result"]
	if !ok {
		t.Fatalf("response %v missing result envelope", r.Response)
	}
	return inner
}

func resultMap(t *testing.T, r live.ToolResult) map[string]any {
	t.Helper()
	m, ok := result(t, r).(map[string]any)
	if !ok {
		t.Fatalf("result = %T, want map", result(t, r))
	}
	return m
}

func newDispatcher(store *task.Store, decomp dispatch.Decomposer) *dispatch.Dispatcher {
	return dispatch.New(store, decomp, notify.Discard, nil)
}

func TestGetTasks(t *testing.T) {
	store := task.NewStore()
	store.Seed("Water plants", "Call dentist")
	d := newDispatcher(store, nil)
	sender := &recordingSender{}

	d.HandleToolCalls(sender, []live.ToolCall{{ID: "c1", Name: "getTasks"}})

	results := sender.all()
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].ID != "c1" || results[0].Name != "getTasks" {
		t.Errorf("result identity = %+v", results[0])
	}
	tasks, ok := result(t, results[0]).([]task.Task)
	if !ok {
		t.Fatalf("result = %T, want []task.Task", result(t, results[0]))
	}
	if len(tasks) != 2 {
		t.Errorf("tasks = %v", tasks)
	}
}

func TestAddTask_TopLevel(t *testing.T) {
	store := task.NewStore()
	var notes []string
	d := dispatch.New(store, nil, notify.Func(func(m string) { notes = append(notes, m) }), nil)
	sender := &recordingSender{}

	d.HandleToolCalls(sender, []live.ToolCall{{
		Name: "addTask",
		Args: map[string]any{"title": "Buy milk"},
	}})

	m := resultMap(t, sender.all()[0])
	if m["status"] != "added" || m["task"] != "Buy milk" || m["location"] != "to the list" {
		t.Errorf("result = %v", m)
	}
	if msg, _ := m["message"].(string); !strings.Contains(msg, "Buy milk") {
		t.Errorf("message = %q", msg)
	}
	if len(notes) != 1 || !strings.Contains(notes[0], "Buy milk") {
		t.Errorf("notifications = %v", notes)
	}
}

func TestAddTask_UnderParent(t *testing.T) {
	store := task.NewStore()
	store.Seed("Plan vacation")
	d := newDispatcher(store, nil)
	sender := &recordingSender{}

	d.HandleToolCalls(sender, []live.ToolCall{{
		Name: "addTask",
		Args: map[string]any{"title": "Book flights", "parentKeyword": "vacation"},
	}})

	m := resultMap(t, sender.all()[0])
	if loc, _ := m["location"].(string); !strings.Contains(loc, "Plan vacation") {
		t.Errorf("location = %q", loc)
	}
	if got := store.List(); len(got[0].Subtasks) != 1 {
		t.Error("subtask not attached to parent")
	}
}

func TestAddTask_MissingTitle(t *testing.T) {
	d := newDispatcher(task.NewStore(), nil)
	sender := &recordingSender{}

	d.HandleToolCalls(sender, []live.ToolCall{{Name: "addTask", Args: map[string]any{}}})

	m := resultMap(t, sender.all()[0])
	if _, ok := m["error"]; !ok {
		t.Errorf("result = %v, want error payload", m)
	}
}

func TestMarkTaskDone(t *testing.T) {
	store := task.NewStore()
	store.Seed("Water plants")
	d := newDispatcher(store, nil)
	sender := &recordingSender{}

	d.HandleToolCalls(sender, []live.ToolCall{{
		Name: "markTaskDone",
		Args: map[string]any{"keyword": "plants"},
	}})

	m := resultMap(t, sender.all()[0])
	if m["status"] != "completed" || m["task"] != "Water plants" {
		t.Errorf("result = %v", m)
	}
	if !store.List()[0].Done {
		t.Error("task not marked done in store")
	}
}

func TestMarkTaskDone_NotFoundKeepsKeywordInMessage(t *testing.T) {
	store := task.NewStore()
	store.Seed("Groceries")
	d := newDispatcher(store, nil)
	sender := &recordingSender{}

	d.HandleToolCalls(sender, []live.ToolCall{{
		Name: "markTaskDone",
		Args: map[string]any{"keyword": "grocries"},
	}})

	m := resultMap(t, sender.all()[0])
	if m["status"] != "not_found" {
		t.Fatalf("status = %v", m["status"])
	}
	msg, _ := m["message"].(string)
	if !strings.Contains(msg, "grocries") {
		t.Errorf("message does not echo keyword: %q", msg)
	}
	if !strings.Contains(msg, "Groceries") {
		t.Errorf("message missing fuzzy suggestion: %q", msg)
	}
	if store.List()[0].Done {
		t.Error("failed lookup mutated the store")
	}
}

func TestDecomposeTask_RepliesImmediatelyThenExpands(t *testing.T) {
	store := task.NewStore()
	store.Seed("Clean the garage")
	decomp := &fakeDecomposer{steps: []string{"Sort tools", "Sweep floor"}, done: make(chan struct{})}
	d := newDispatcher(store, decomp)
	sender := &recordingSender{}

	d.HandleToolCalls(sender, []live.ToolCall{{
		Name: "decomposeTask",
		Args: map[string]any{"taskTitle": "garage"},
	}})

	// The reply must not wait for the breakdown.
	m := resultMap(t, sender.all()[0])
	if m["status"] != "breaking_down" || m["task"] != "Clean the garage" {
		t.Errorf("result = %v", m)
	}

	select {
	case <-decomp.done:
	case <-time.After(2 * time.Second):
		t.Fatal("breakdown never ran")
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if subs := store.List()[0].Subtasks; len(subs) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subtasks never appeared")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDecomposeTask_NotFound(t *testing.T) {
	store := task.NewStore()
	d := newDispatcher(store, &fakeDecomposer{})
	sender := &recordingSender{}

	d.HandleToolCalls(sender, []live.ToolCall{{
		Name: "decomposeTask",
		Args: map[string]any{"taskTitle": "nothing"},
	}})

	m := resultMap(t, sender.all()[0])
	if m["status"] != "not_found" {
		t.Errorf("result = %v", m)
	}
}

func TestDecomposeTask_FailureLeavesTreeUntouched(t *testing.T) {
	store := task.NewStore()
	store.Seed("Clean the garage")
	decomp := &fakeDecomposer{err: errors.New("all engines failed"), done: make(chan struct{})}
	d := newDispatcher(store, decomp)
	sender := &recordingSender{}

	d.HandleToolCalls(sender, []live.ToolCall{{
		Name: "decomposeTask",
		Args: map[string]any{"taskTitle": "garage"},
	}})

	<-decomp.done
	time.Sleep(20 * time.Millisecond)
	if subs := store.List()[0].Subtasks; len(subs) != 0 {
		t.Errorf("failed breakdown mutated the tree: %v", subs)
	}
}

func TestParseCall_TypedArguments(t *testing.T) {
	c, err := dispatch.ParseCall("addTask", map[string]any{
		"title":         "Buy milk",
		"parentKeyword": "groceries",
	})
	if err != nil {
		t.Fatalf("ParseCall: %v", err)
	}
	add, ok := c.(dispatch.AddTaskCall)
	if !ok {
		t.Fatalf("call = %T, want AddTaskCall", c)
	}
	if add.Title != "Buy milk" || add.ParentKeyword != "groceries" {
		t.Errorf("call = %+v", add)
	}

	c, err = dispatch.ParseCall("markTaskDone", map[string]any{"keyword": "milk"})
	if err != nil {
		t.Fatalf("ParseCall: %v", err)
	}
	if done, ok := c.(dispatch.MarkTaskDoneCall); !ok || done.Keyword != "milk" {
		t.Errorf("call = %#v", c)
	}

	if c, err = dispatch.ParseCall("getTasks", nil); err != nil {
		t.Fatalf("ParseCall: %v", err)
	} else if _, ok := c.(dispatch.GetTasksCall); !ok {
		t.Errorf("call = %T, want GetTasksCall", c)
	}
}

func TestParseCall_RejectsBadCalls(t *testing.T) {
	cases := []struct {
		name string
		tool string
		args map[string]any
	}{
		{"missing title", "addTask", map[string]any{}},
		{"title wrong type", "addTask", map[string]any{"title": 7}},
		{"missing keyword", "markTaskDone", nil},
		{"missing taskTitle", "decomposeTask", map[string]any{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if c, err := dispatch.ParseCall(tc.tool, tc.args); err == nil {
				t.Errorf("ParseCall accepted %v as %#v", tc.args, c)
			}
		})
	}

	if _, err := dispatch.ParseCall("launchMissiles", nil); !errors.Is(err, dispatch.ErrUnknownTool) {
		t.Errorf("err = %v, want ErrUnknownTool", err)
	}
}

func TestUnknownTool(t *testing.T) {
	d := newDispatcher(task.NewStore(), nil)
	sender := &recordingSender{}

	d.HandleToolCalls(sender, []live.ToolCall{{Name: "launchMissiles"}})

	m := resultMap(t, sender.all()[0])
	if m["error"] != "Unknown tool" {
		t.Errorf("result = %v", m)
	}
}

// counterValue sums the data points of a named int64 counter, optionally
// filtered to one attribute value.
func counterValue(rm metricdata.ResourceMetrics, name, attrKey, attrValue string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				if attrKey != "" {
					v, ok := dp.Attributes.Value(attribute.Key(attrKey))
					if !ok || v.AsString() != attrValue {
						continue
					}
				}
				total += dp.Value
			}
		}
	}
	return total
}

func TestHandleToolCalls_RecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	store := task.NewStore()
	store.Seed("Clean the garage")
	decomp := &fakeDecomposer{steps: []string{"Sort tools"}, done: make(chan struct{})}
	d := dispatch.New(store, decomp, notify.Discard, nil, dispatch.WithMetrics(metrics))
	sender := &recordingSender{}

	d.HandleToolCalls(sender, []live.ToolCall{
		{ID: "a", Name: "getTasks"},
		{ID: "b", Name: "bogus"},
		{ID: "c", Name: "decomposeTask", Args: map[string]any{"taskTitle": "garage"}},
	})
	<-decomp.done

	// The breakdown counters are recorded by the background goroutine just
	// after Decompose returns, so poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	var rm metricdata.ResourceMetrics
	for {
		if err := reader.Collect(context.Background(), &rm); err != nil {
			t.Fatalf("Collect: %v", err)
		}
		if counterValue(rm, "visionary.breakdown.requests", "", "") >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("breakdown request counter never recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := counterValue(rm, "visionary.tool.calls", "status", "ok"); got != 2 {
		t.Errorf("tool.calls{status=ok} = %d, want 2", got)
	}
	if got := counterValue(rm, "visionary.tool.calls", "status", "invalid"); got != 1 {
		t.Errorf("tool.calls{status=invalid} = %d, want 1", got)
	}
	if got := counterValue(rm, "visionary.breakdown.requests", "status", "ok"); got != 1 {
		t.Errorf("breakdown.requests{status=ok} = %d, want 1", got)
	}
}

func TestNamelessCallsAreSkipped(t *testing.T) {
	d := newDispatcher(task.NewStore(), nil)
	sender := &recordingSender{}

	d.HandleToolCalls(sender, []live.ToolCall{
		{ID: "c1", Name: ""},
		{ID: "c2", Name: "getTasks"},
	})

	results := sender.all()
	if len(results) != 1 || results[0].ID != "c2" {
		t.Errorf("results = %+v, want only c2 answered", results)
	}
}

func TestEveryCallIsAnswered(t *testing.T) {
	store := task.NewStore()
	store.Seed("One")
	d := newDispatcher(store, nil)
	sender := &recordingSender{}

	d.HandleToolCalls(sender, []live.ToolCall{
		{ID: "a", Name: "getTasks"},
		{ID: "b", Name: "markTaskDone", Args: map[string]any{"keyword": "missing"}},
		{ID: "c", Name: "bogus"},
	})

	results := sender.all()
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	for i, id := range []string{"a", "b", "c"} {
		if results[i].ID != id {
			t.Errorf("results[%d].ID = %q, want %q", i, results[i].ID, id)
		}
	}
}
