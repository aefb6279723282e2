package stage

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

type namedStage struct {
	Base
	name string
}

func (s *namedStage) Name() string        { return s.name }
func (s *namedStage) DisplayName() string { return strings.ToUpper(s.name) }
func (s *namedStage) Execute(context.Context, *Context) Result {
	return Completed(s.name)
}

func named(name string) Factory {
	return func() Stage { return &namedStage{name: name} }
}

func mustRegister(t *testing.T, r *Registry, f Factory) {
	t.Helper()
	if _, err := r.Register(f); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func TestRegistry_CreateReturnsRegisteredName(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Discover(Builtins(Tools{Runner: &fakeRunner{}, Git: &fakeGit{}})...); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	names := r.Names()
	want := []string{"build", "document", "merge", "plan", "review", "test"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("Names = %v, want %v", names, want)
	}
	for _, n := range names {
		s, ok := r.Create(n)
		if !ok {
			t.Fatalf("Create(%q) not found", n)
		}
		if s.Name() != n {
			t.Errorf("Create(%q).Name() = %q", n, s.Name())
		}
	}
}

func TestRegistry_CreateReturnsFreshInstances(t *testing.T) {
	r := NewRegistry(nil)
	mustRegister(t, r, named("plan"))

	a, _ := r.Create("plan")
	b, _ := r.Create("plan")
	if a == b {
		t.Error("Create should return a new instance each call")
	}
}

func TestRegistry_MissingName(t *testing.T) {
	r := NewRegistry(nil)
	if _, ok := r.Get("nope"); ok {
		t.Error("Get on empty registry should report not found")
	}
	if s, ok := r.Create("nope"); ok || s != nil {
		t.Error("Create on empty registry should report not found")
	}
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry(nil)
	mustRegister(t, r, named("build"))

	if !r.Unregister("build") {
		t.Fatal("Unregister should report removal")
	}
	if _, ok := r.Get("build"); ok {
		t.Error("Get after Unregister should report not found")
	}
	if r.Unregister("build") {
		t.Error("second Unregister should report nothing removed")
	}
}

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.Out = &buf

	r := NewRegistry(log)
	mustRegister(t, r, named("test"))
	mustRegister(t, r, named("test"))

	if names := r.Names(); len(names) != 1 {
		t.Errorf("Names = %v, want one entry", names)
	}
	if !strings.Contains(buf.String(), "already registered") {
		t.Errorf("expected overwrite warning, got log %q", buf.String())
	}
}

func TestRegistry_RegisterRejectsBadFactories(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.Register(nil); err == nil {
		t.Error("expected error for nil factory")
	}
	if _, err := r.Register(func() Stage { return nil }); err == nil {
		t.Error("expected error for factory returning nil")
	}
	if _, err := r.Register(named("")); err == nil {
		t.Error("expected error for empty name")
	}
}

func TestRegistry_DiscoverRunsOnce(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Discover(named("plan")); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if err := r.Discover(named("build")); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if r.Has("build") {
		t.Error("second Discover should be a no-op")
	}
	if !r.Has("plan") {
		t.Error("first Discover should register plan")
	}

	r.Clear()
	if len(r.Names()) != 0 {
		t.Error("Clear should drop registrations")
	}
	if err := r.Discover(named("build")); err != nil {
		t.Fatalf("Discover after Clear: %v", err)
	}
	if !r.Has("build") {
		t.Error("Discover after Clear should register again")
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if _, err := r.Register(named(fmt.Sprintf("s%d", i%5))); err != nil {
				t.Errorf("Register: %v", err)
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			r.Create(fmt.Sprintf("s%d", i%5))
			r.Names()
		}(i)
	}
	wg.Wait()
	if n := len(r.Names()); n != 5 {
		t.Errorf("registered %d stages, want 5", n)
	}
}
