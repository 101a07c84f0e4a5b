package task

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
)

// ErrNotFound is returned when no task matches a keyword or ID.
var ErrNotFound = errors.New("task: no matching task")

// suggestMaxDistance bounds how far a fuzzy suggestion may be from the
// keyword before it is considered noise rather than a near miss.
const suggestMaxDistance = 4

// Store holds the task forest. All methods are safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	roots []*node
	now   func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{now: time.Now}
}

// Seed replaces the forest with top-level tasks of the given titles.
// Used to start a session with a known list.
func (s *Store) Seed(titles ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roots = s.roots[:0]
	for _, title := range titles {
		s.roots = append(s.roots, newNode(title, s.now()))
	}
}

// List returns a deep copy of the entire forest in insertion order.
func (s *Store) List() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewAll()
}

func (s *Store) viewAll() []Task {
	out := make([]Task, len(s.roots))
	for i, r := range s.roots {
		out[i] = r.view()
	}
	return out
}

// Snapshot is an alias for List used by persistence callers.
func (s *Store) Snapshot() []Task {
	return s.List()
}

// Restore replaces the forest with the given snapshot.
func (s *Store) Restore(snapshot []Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roots = s.roots[:0]
	for _, t := range snapshot {
		s.roots = append(s.roots, fromView(t))
	}
}

// Add creates a task with the given title. When parentKeyword matches an
// existing task the new task becomes its subtask and the matched parent is
// returned; otherwise the task is appended at the top level and parent is
// nil. An empty parentKeyword always targets the top level.
func (s *Store) Add(title, parentKeyword string) (added Task, parent *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := newNode(title, s.now())
	if parentKeyword != "" {
		if p := findByKeyword(s.roots, parentKeyword); p != nil {
			p.children = append(p.children, n)
			v := p.view()
			return n.view(), &v
		}
	}
	s.roots = append(s.roots, n)
	return n.view(), nil
}

// FindByKeyword returns the first task whose title contains keyword,
// case-insensitively. The search walks the forest depth first in insertion
// order, so the same keyword always resolves to the same task until the tree
// changes.
func (s *Store) FindByKeyword(keyword string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n := findByKeyword(s.roots, keyword); n != nil {
		return n.view(), true
	}
	return Task{}, false
}

// MarkDone toggles the completion flag of the first task matching keyword,
// so the same voice command un-does a task marked by mistake. The tree is
// untouched when nothing matches.
func (s *Store) MarkDone(keyword string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := findByKeyword(s.roots, keyword)
	if n == nil {
		return Task{}, ErrNotFound
	}
	n.done = !n.done
	return n.view(), nil
}

// Toggle flips the completion flag of the task with the given ID.
func (s *Store) Toggle(id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := findByID(s.roots, id)
	if n == nil {
		return Task{}, ErrNotFound
	}
	n.done = !n.done
	return n.view(), nil
}

// Rename changes the title of the task with the given ID.
func (s *Store) Rename(id, title string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := findByID(s.roots, id)
	if n == nil {
		return Task{}, ErrNotFound
	}
	n.title = title
	return n.view(), nil
}

// Remove deletes the task with the given ID along with its subtasks.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if removed := removeByID(&s.roots, id); !removed {
		return ErrNotFound
	}
	return nil
}

// ReplaceChildren swaps the subtasks of the task with the given ID for fresh
// tasks with the given titles. Used when a breakdown arrives for a task.
func (s *Store) ReplaceChildren(id string, titles []string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := findByID(s.roots, id)
	if n == nil {
		return Task{}, ErrNotFound
	}
	n.children = n.children[:0]
	for _, title := range titles {
		n.children = append(n.children, newNode(title, s.now()))
	}
	return n.view(), nil
}

// Path returns the chain of titles from a top-level task down to the task
// with the given ID, inclusive.
func (s *Store) Path(id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.roots {
		if p := pathTo(r, id, nil); p != nil {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

// Suggest returns the title closest to keyword by edit distance, for
// "did you mean" hints when a lookup fails. Reports false when every title
// is too far off to be a plausible near miss.
func (s *Store) Suggest(keyword string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	best := ""
	bestDist := suggestMaxDistance + 1
	needle := strings.ToLower(keyword)
	walk(s.roots, func(n *node) bool {
		d := matchr.DamerauLevenshtein(needle, strings.ToLower(n.title))
		if d < bestDist {
			bestDist = d
			best = n.title
		}
		return false
	})
	if best == "" {
		return "", false
	}
	return best, true
}

// walk visits the forest depth first in insertion order, stopping early when
// visit returns true.
func walk(roots []*node, visit func(*node) bool) bool {
	for _, r := range roots {
		if visit(r) {
			return true
		}
		if walk(r.children, visit) {
			return true
		}
	}
	return false
}

func findByKeyword(roots []*node, keyword string) *node {
	needle := strings.ToLower(keyword)
	var found *node
	walk(roots, func(n *node) bool {
		if strings.Contains(strings.ToLower(n.title), needle) {
			found = n
			return true
		}
		return false
	})
	return found
}

func findByID(roots []*node, id string) *node {
	var found *node
	walk(roots, func(n *node) bool {
		if n.id == id {
			found = n
			return true
		}
		return false
	})
	return found
}

func removeByID(roots *[]*node, id string) bool {
	for i, r := range *roots {
		if r.id == id {
			*roots = append((*roots)[:i], (*roots)[i+1:]...)
			return true
		}
		if removeByID(&r.children, id) {
			return true
		}
	}
	return false
}

func pathTo(n *node, id string, prefix []string) []string {
	prefix = append(prefix, n.title)
	if n.id == id {
		return append([]string(nil), prefix...)
	}
	for _, c := range n.children {
		if p := pathTo(c, id, prefix); p != nil {
			return p
		}
	}
	return nil
}
