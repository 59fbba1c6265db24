// Package registry tracks the live units of work attached to each project.
//
// The table maps a project root to named roles ("watcher", "running") and each
// role to a Handle. One mutex guards the whole table. Set overwrites a role
// without cancelling the previous handle; callers that replace a live handle
// must cancel it first.
package registry

import (
	"sort"
	"sync"
)

const (
	RoleWatcher = "watcher"
	RoleRunning = "running"
)

// Handle is a cancellable unit of work.
type Handle interface {
	Cancel()
	Done() <-chan struct{}
}

// Alive reports whether h is non-nil and has not finished.
func Alive(h Handle) bool {
	if h == nil {
		return false
	}
	select {
	case <-h.Done():
		return false
	default:
		return true
	}
}

type Registry struct {
	mu    sync.Mutex
	table map[string]map[string]Handle
}

func New() *Registry {
	return &Registry{table: map[string]map[string]Handle{}}
}

func (r *Registry) Set(project, role string, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roles, ok := r.table[project]
	if !ok {
		roles = map[string]Handle{}
		r.table[project] = roles
	}
	roles[role] = h
}

func (r *Registry) Get(project, role string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.table[project][role]
	return h, ok
}

// GetAll returns a copy of every role registered for project. The map is
// empty, never nil, when the project is unknown.
func (r *Registry) GetAll(project string) map[string]Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	roles := r.table[project]
	out := make(map[string]Handle, len(roles))
	for role, h := range roles {
		out[role] = h
	}
	return out
}

// Remove forgets a project. Handles are not cancelled.
func (r *Registry) Remove(project string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.table, project)
}

func (r *Registry) Projects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.table))
	for project := range r.table {
		out = append(out, project)
	}
	sort.Strings(out)
	return out
}
