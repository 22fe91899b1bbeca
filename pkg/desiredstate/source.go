package desiredstate

import "context"

// Kind tells whether an update carries the complete desired state or a patch.
type Kind int

const (
	FullState Kind = iota + 1
	Patch
)

// Update is one document delivered by a Source.
type Update struct {
	Kind Kind
	Doc  []byte
}

// Source is a provider of desired-state documents. There is no reconnection: once the
// error channel yields or the update channel closes, the source is done.
type Source interface {
	// Fetch returns the current full document ({"desired": {"rules": ...}}).
	Fetch(ctx context.Context) ([]byte, error)
	// Watch streams subsequent updates until ctx is cancelled.
	Watch(ctx context.Context) (<-chan Update, <-chan error)
}
