package lifecycle

import (
	"context"

	"github.com/easzlab/eztc/pkg/reconciler"
	"github.com/easzlab/eztc/pkg/rules"
	"go.uber.org/zap"
)

// DefaultTriggerStatus is the last status of a create/start/restart cycle: by then
// the container's primary process, and with it the network namespace, is up.
const DefaultTriggerStatus = "top"

// Event is a container lifecycle notification.
type Event struct {
	Status string
	Name   string
}

// EventSource streams lifecycle events. Like the desired-state sources it does not
// reconnect: once the error channel yields or the event channel closes, it is done.
type EventSource interface {
	Events(ctx context.Context) (<-chan Event, <-chan error)
}

// Applier applies a batch of rules. Implemented by *reconciler.Reconciler.
type Applier interface {
	ApplyRules(ctx context.Context, ruleSet []rules.Rule, target string) reconciler.Report
}

// Watcher reapplies a container's rule each time that container comes up.
type Watcher struct {
	store         *rules.Store
	applier       Applier
	triggerStatus string
	logger        *zap.Logger
}

// NewWatcher creates a Watcher. An empty triggerStatus means DefaultTriggerStatus.
func NewWatcher(store *rules.Store, applier Applier, triggerStatus string, logger *zap.Logger) *Watcher {
	if triggerStatus == "" {
		triggerStatus = DefaultTriggerStatus
	}
	return &Watcher{
		store:         store,
		applier:       applier,
		triggerStatus: triggerStatus,
		logger:        logger,
	}
}

// Run consumes events from source until ctx is cancelled or the source fails.
func (w *Watcher) Run(ctx context.Context, source EventSource) error {
	events, errs := source.Events(ctx)
	w.logger.Info("lifecycle watcher started", zap.String("trigger_status", w.triggerStatus))

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Error("lifecycle event stream failed, watcher stopped", zap.Error(err))
			return err
		case event, ok := <-events:
			if !ok {
				w.logger.Warn("lifecycle event stream closed, watcher stopped")
				return nil
			}
			w.HandleEvent(ctx, event)
		}
	}
}

// HandleEvent reapplies the rule of the event's container when the event signals
// the container is fully up. It returns false for ignored events.
func (w *Watcher) HandleEvent(ctx context.Context, event Event) bool {
	w.logger.Debug("container event", zap.String("status", event.Status), zap.String("container", event.Name))

	if event.Status != w.triggerStatus || event.Name == "" {
		return false
	}

	w.logger.Debug("refreshing rules on container", zap.String("container", event.Name))
	w.applier.ApplyRules(ctx, w.store.Snapshot(), event.Name)
	return true
}
