package desiredstate

import (
	"context"

	"github.com/easzlab/eztc/pkg/reconciler"
	"github.com/easzlab/eztc/pkg/rules"
	"go.uber.org/zap"
)

// Applier applies a batch of rules. Implemented by *reconciler.Reconciler.
type Applier interface {
	ApplyRules(ctx context.Context, ruleSet []rules.Rule, target string) reconciler.Report
}

// Sync merges desired-state documents into the rule store and reapplies what changed.
type Sync struct {
	store   *rules.Store
	applier Applier
	logger  *zap.Logger
}

// NewSync creates a new Sync.
func NewSync(store *rules.Store, applier Applier, logger *zap.Logger) *Sync {
	return &Sync{
		store:   store,
		applier: applier,
		logger:  logger,
	}
}

// OnFullState replaces the store with the document's desired.rules and applies every rule.
// A document without desired.rules is ignored. Rejected entries are left out of the
// store; the batch is applied in document order and stops at the first of them, and
// the *ConfigError is returned alongside the report.
func (s *Sync) OnFullState(ctx context.Context, doc []byte) (reconciler.Report, error) {
	ruleSet, ok, err := ParseFullState(doc)
	if !ok {
		if err != nil {
			s.logger.Error("failed to decode full desired state", zap.Error(err))
			return reconciler.Report{}, err
		}
		s.logger.Debug("no rules found in full desired state")
		return reconciler.Report{}, nil
	}
	if err != nil {
		s.logger.Error("full desired state contains rejected rules", zap.Error(err))
	}

	stored := s.store.ReplaceAll(ruleSet)
	s.logger.Info("full desired state received",
		zap.Int("entries", len(ruleSet)),
		zap.Int("stored", len(stored)),
	)

	report := s.applier.ApplyRules(ctx, applyBatch(ruleSet), reconciler.AnyTarget)
	return report, err
}

// OnPatch merges the document's rules into the store and applies the upserted entries.
// Deleted entries are never applied and leave their adapter untouched. Rejected
// entries do not touch their key; every other entry of the patch is still merged.
func (s *Sync) OnPatch(ctx context.Context, doc []byte) (reconciler.Report, error) {
	entries, ok, err := ParsePatch(doc)
	if !ok {
		if err != nil {
			s.logger.Error("failed to decode desired state patch", zap.Error(err))
			return reconciler.Report{}, err
		}
		s.logger.Debug("no rules found in patch")
		return reconciler.Report{}, nil
	}
	if err != nil {
		s.logger.Error("desired state patch contains rejected rules", zap.Error(err))
	}

	upserted := s.store.ApplyPatch(entries)
	s.logger.Info("desired state patch received",
		zap.Int("entries", len(entries)),
		zap.Int("upserted", len(upserted)),
		zap.Int("stored", s.store.Len()),
	)

	report := s.applier.ApplyRules(ctx, patchBatch(entries), reconciler.AnyTarget)
	return report, err
}

// applyBatch collapses repeated names onto their first position, last value wins.
func applyBatch(ruleSet []rules.Rule) []rules.Rule {
	batch := make([]rules.Rule, 0, len(ruleSet))
	index := make(map[string]int, len(ruleSet))
	for _, rule := range ruleSet {
		if i, dup := index[rule.Name]; dup {
			batch[i] = rule
			continue
		}
		index[rule.Name] = len(batch)
		batch = append(batch, rule)
	}
	return batch
}

// patchBatch returns the rules a patch upserts, rejected ones included, in patch
// order. A later null entry withdraws an earlier upsert of the same name.
func patchBatch(entries []rules.PatchEntry) []rules.Rule {
	var batch []rules.Rule
	for _, entry := range entries {
		kept := batch[:0]
		for _, rule := range batch {
			if rule.Name != entry.Name {
				kept = append(kept, rule)
			}
		}
		batch = kept
		if entry.Rule != nil {
			rule := *entry.Rule
			rule.Name = entry.Name
			batch = append(batch, rule)
		}
	}
	return batch
}

// Run consumes source until ctx is cancelled or the source fails. The update stream
// is opened before the initial fetch, so a patch may land before the full state and
// then be discarded by it. This mirrors the remote service contract and is left as is.
func (s *Sync) Run(ctx context.Context, source Source) error {
	updates, errs := source.Watch(ctx)

	done := make(chan error, 1)
	go func() {
		done <- s.consume(ctx, updates, errs)
	}()

	doc, err := source.Fetch(ctx)
	if err != nil {
		s.logger.Error("initial desired state fetch failed", zap.Error(err))
	} else {
		s.OnFullState(ctx, doc)
	}

	return <-done
}

func (s *Sync) consume(ctx context.Context, updates <-chan Update, errs <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.logger.Error("desired state source failed, listener stopped", zap.Error(err))
			return err
		case update, ok := <-updates:
			if !ok {
				s.logger.Warn("desired state source closed, listener stopped")
				return nil
			}
			s.dispatch(ctx, update)
		}
	}
}

func (s *Sync) dispatch(ctx context.Context, update Update) {
	switch update.Kind {
	case FullState:
		s.OnFullState(ctx, update.Doc)
	case Patch:
		s.OnPatch(ctx, update.Doc)
	default:
		s.logger.Warn("ignoring desired state update of unknown kind", zap.Int("kind", int(update.Kind)))
	}
}
