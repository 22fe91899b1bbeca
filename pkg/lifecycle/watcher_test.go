package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/easzlab/eztc/pkg/reconciler"
	"github.com/easzlab/eztc/pkg/rules"
	"github.com/easzlab/eztc/pkg/shaper"
	"go.uber.org/zap"
)

type tableResolver map[string]string

func (r tableResolver) Resolve(_ context.Context, targetType rules.TargetType, name string) (string, error) {
	if targetType == rules.TargetInterface {
		return name, nil
	}
	adapter, ok := r[name]
	if !ok {
		return "", errors.New("not found")
	}
	return adapter, nil
}

// chanSource is an EventSource fed by the test.
type chanSource struct {
	events chan Event
	errs   chan error
}

func newChanSource() *chanSource {
	return &chanSource{events: make(chan Event), errs: make(chan error, 1)}
}

func (s *chanSource) Events(context.Context) (<-chan Event, <-chan error) {
	return s.events, s.errs
}

func newWatcherTestEnv(t *testing.T) (*rules.Store, *shaper.FakeBackend, *Watcher) {
	t.Helper()
	store := rules.NewStore()
	store.ReplaceAll([]rules.Rule{
		{Name: "web", TargetType: rules.TargetModule, Params: "--rate 10Mbps"},
		{Name: "db", TargetType: rules.TargetModule, Params: "--rate 5Mbps"},
		{Name: "eth0-shape", TargetType: rules.TargetInterface, Params: "--rate 1Mbps"},
	})
	backend := shaper.NewFakeBackend(zap.NewNop())
	rec := reconciler.NewReconciler(tableResolver{"web": "veth1", "db": "veth2"}, backend, zap.NewNop())
	return store, backend, NewWatcher(store, rec, "", zap.NewNop())
}

func TestHandleEvent_TopReappliesContainerRule(t *testing.T) {
	_, backend, watcher := newWatcherTestEnv(t)

	if !watcher.HandleEvent(context.Background(), Event{Status: "top", Name: "web"}) {
		t.Fatal("expected top event to trigger")
	}

	calls := backend.Calls()
	if len(calls) != 1 || calls[0].Adapter != "veth1" || calls[0].Params != "--rate 10Mbps" {
		t.Fatalf("expected exactly one call for web, got %v", calls)
	}
}

func TestHandleEvent_IgnoresOtherStatuses(t *testing.T) {
	_, backend, watcher := newWatcherTestEnv(t)

	for _, status := range []string{"create", "start", "restart", "die", "exec_start"} {
		if watcher.HandleEvent(context.Background(), Event{Status: status, Name: "web"}) {
			t.Errorf("status %q must not trigger", status)
		}
	}
	if len(backend.Calls()) != 0 {
		t.Errorf("expected no calls, got %v", backend.Calls())
	}
}

func TestHandleEvent_UnknownContainer(t *testing.T) {
	_, backend, watcher := newWatcherTestEnv(t)

	watcher.HandleEvent(context.Background(), Event{Status: "top", Name: "nginx"})
	if len(backend.Calls()) != 0 {
		t.Errorf("expected no calls for a container without rule, got %v", backend.Calls())
	}
}

func TestHandleEvent_CustomTrigger(t *testing.T) {
	store, backend, _ := newWatcherTestEnv(t)
	rec := reconciler.NewReconciler(tableResolver{"web": "veth1"}, backend, zap.NewNop())
	watcher := NewWatcher(store, rec, "start", zap.NewNop())

	watcher.HandleEvent(context.Background(), Event{Status: "top", Name: "web"})
	watcher.HandleEvent(context.Background(), Event{Status: "start", Name: "web"})
	if len(backend.Calls()) != 1 {
		t.Errorf("expected one call with custom trigger, got %v", backend.Calls())
	}
}

func TestRun_StopsOnSourceError(t *testing.T) {
	_, backend, watcher := newWatcherTestEnv(t)
	source := newChanSource()

	done := make(chan error, 1)
	go func() { done <- watcher.Run(context.Background(), source) }()

	source.events <- Event{Status: "top", Name: "db"}
	source.errs <- errors.New("connection reset")

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected source error to be returned")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}

	calls := backend.Calls()
	if len(calls) != 1 || calls[0].Adapter != "veth2" {
		t.Errorf("expected db reapplied before the failure, got %v", calls)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	_, _, watcher := newWatcherTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- watcher.Run(ctx, newChanSource()) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on cancel, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}
