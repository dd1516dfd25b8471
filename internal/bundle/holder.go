package bundle

import "sync/atomic"

// Holder publishes the bundle currently served. Readers take a snapshot
// with Load and keep using it for the whole request.
type Holder struct {
	current atomic.Pointer[Bundle]
}

// NewHolder creates a holder, optionally pre-loaded.
func NewHolder(b *Bundle) *Holder {
	h := &Holder{}
	if b != nil {
		h.current.Store(b)
	}
	return h
}

// Load returns the current bundle, or nil before the first publish.
func (h *Holder) Load() *Bundle {
	return h.current.Load()
}

// Swap atomically installs b and returns the previous bundle.
func (h *Holder) Swap(b *Bundle) *Bundle {
	return h.current.Swap(b)
}
