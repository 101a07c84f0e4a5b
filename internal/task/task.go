// Package task implements the hierarchical task list that voice tool calls
// operate on.
//
// Tasks form a forest: each task has a title, a completion flag and zero or
// more subtasks. Lookups are keyword-driven because titles arrive from speech
// recognition; see [Store.FindByKeyword] for the matching rules.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Task is a read-only view of one node in the tree. All Store methods return
// copies; mutating a returned Task has no effect on the store.
type Task struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Done     bool      `json:"done"`
	Created  time.Time `json:"created"`
	Subtasks []Task    `json:"subtasks,omitempty"`
}

// node is the mutable in-tree representation.
type node struct {
	id       string
	title    string
	done     bool
	created  time.Time
	children []*node
}

func newNode(title string, now time.Time) *node {
	return &node{
		id:      uuid.NewString(),
		title:   title,
		created: now,
	}
}

// view deep-copies the subtree rooted at n.
func (n *node) view() Task {
	t := Task{
		ID:      n.id,
		Title:   n.title,
		Done:    n.done,
		Created: n.created,
	}
	if len(n.children) > 0 {
		t.Subtasks = make([]Task, len(n.children))
		for i, c := range n.children {
			t.Subtasks[i] = c.view()
		}
	}
	return t
}

// fromView rebuilds the mutable subtree from a snapshot, preserving IDs.
func fromView(t Task) *node {
	n := &node{
		id:      t.ID,
		title:   t.Title,
		done:    t.Done,
		created: t.Created,
	}
	if n.id == "" {
		n.id = uuid.NewString()
	}
	for _, sub := range t.Subtasks {
		n.children = append(n.children, fromView(sub))
	}
	return n
}
