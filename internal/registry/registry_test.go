package registry

import (
	"fmt"
	"sync"
	"testing"
)

type fakeHandle struct {
	once     sync.Once
	done     chan struct{}
	canceled bool
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{done: make(chan struct{})}
}

func (h *fakeHandle) Cancel() {
	h.once.Do(func() {
		h.canceled = true
		close(h.done)
	})
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func TestSetGet(t *testing.T) {
	r := New()
	h := newFakeHandle()
	r.Set("/ws/fn1", RoleWatcher, h)

	got, ok := r.Get("/ws/fn1", RoleWatcher)
	if !ok || got != h {
		t.Fatalf("expected stored handle, got %v ok=%v", got, ok)
	}
	if _, ok := r.Get("/ws/fn1", RoleRunning); ok {
		t.Fatalf("did not expect running handle")
	}
	if _, ok := r.Get("/ws/other", RoleWatcher); ok {
		t.Fatalf("did not expect handle for unknown project")
	}
}

func TestSetOverwritesWithoutCancel(t *testing.T) {
	r := New()
	first := newFakeHandle()
	second := newFakeHandle()
	r.Set("/ws/fn1", RoleRunning, first)
	r.Set("/ws/fn1", RoleRunning, second)

	got, _ := r.Get("/ws/fn1", RoleRunning)
	if got != second {
		t.Fatalf("expected second handle to replace first")
	}
	if first.canceled {
		t.Fatalf("set must not cancel the replaced handle")
	}
}

func TestGetAllReturnsSnapshot(t *testing.T) {
	r := New()
	r.Set("/ws/fn1", RoleWatcher, newFakeHandle())
	r.Set("/ws/fn1", RoleRunning, newFakeHandle())

	all := r.GetAll("/ws/fn1")
	if len(all) != 2 {
		t.Fatalf("expected 2 roles, got %d", len(all))
	}
	delete(all, RoleWatcher)
	if _, ok := r.Get("/ws/fn1", RoleWatcher); !ok {
		t.Fatalf("mutating the snapshot must not touch the registry")
	}

	empty := r.GetAll("/ws/unknown")
	if empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty map for unknown project, got %#v", empty)
	}
}

func TestRemoveAndProjects(t *testing.T) {
	r := New()
	h := newFakeHandle()
	r.Set("/ws/b", RoleWatcher, h)
	r.Set("/ws/a", RoleWatcher, newFakeHandle())

	projects := r.Projects()
	if len(projects) != 2 || projects[0] != "/ws/a" || projects[1] != "/ws/b" {
		t.Fatalf("unexpected projects: %#v", projects)
	}
	r.Remove("/ws/b")
	if _, ok := r.Get("/ws/b", RoleWatcher); ok {
		t.Fatalf("expected project removed")
	}
	if h.canceled {
		t.Fatalf("remove must not cancel handles")
	}
}

func TestAlive(t *testing.T) {
	if Alive(nil) {
		t.Fatalf("nil handle is not alive")
	}
	h := newFakeHandle()
	if !Alive(h) {
		t.Fatalf("expected live handle")
	}
	h.Cancel()
	if Alive(h) {
		t.Fatalf("expected cancelled handle to be dead")
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			project := fmt.Sprintf("/ws/fn%d", i%4)
			for j := 0; j < 100; j++ {
				r.Set(project, RoleRunning, newFakeHandle())
				_, _ = r.Get(project, RoleRunning)
				_ = r.GetAll(project)
			}
		}(i)
	}
	wg.Wait()
	if got := len(r.Projects()); got != 4 {
		t.Fatalf("expected 4 projects, got %d", got)
	}
}
