// Package worker keeps the served model bundle in step with the artifact
// store by reacting to bundle events on the EventBus.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/sentinel/internal/bundle"
	"github.com/opensource-finance/sentinel/internal/bus"
	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/telemetry"
)

// SwapFunc observes a bundle replacement. prev is nil on the first load.
type SwapFunc func(ctx context.Context, prev, next *bundle.Bundle)

// Reloader swaps freshly published bundles into a Holder.
type Reloader struct {
	bus     domain.EventBus
	repo    domain.ArtifactRepository
	holder  *bundle.Holder
	metrics *telemetry.Metrics

	// mu serialises loads; events compare against the active version under it
	mu            sync.Mutex
	subscriptions []domain.Subscription
	onSwap        []SwapFunc
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewReloader creates a reloader. bus and metrics may be nil.
func NewReloader(bus domain.EventBus, repo domain.ArtifactRepository, holder *bundle.Holder, metrics *telemetry.Metrics) *Reloader {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reloader{
		bus:     bus,
		repo:    repo,
		holder:  holder,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnSwap registers fn to run after each successful swap, while the reload
// lock is still held.
func (r *Reloader) OnSwap(fn SwapFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSwap = append(r.onSwap, fn)
}

// Start subscribes to bundle publications.
func (r *Reloader) Start() error {
	if r.bus == nil {
		return nil
	}
	sub, err := r.bus.Subscribe(r.ctx, domain.TopicBundlePublished, r.handleMessage)
	if err != nil {
		return err
	}
	r.subscriptions = append(r.subscriptions, sub)

	slog.Info("bundle reloader started", "topic", domain.TopicBundlePublished)
	return nil
}

func (r *Reloader) handleMessage(ctx context.Context, msg *domain.Message) error {
	ev, err := bus.DecodeEvent(msg)
	if err != nil {
		slog.Error("failed to parse bundle event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if ev.Version == "" {
		return fmt.Errorf("%w: bundle event %s carries no version", domain.ErrInvalidInput, msg.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Events can arrive late or out of order; only the version the
	// repository marks active may replace the served bundle.
	active, err := r.repo.ActiveVersion(ctx)
	if err != nil {
		slog.Error("failed to read active bundle version", "version", ev.Version, "error", err)
		return err
	}
	if ev.Version != active {
		slog.Info("skipping superseded bundle event",
			"version", ev.Version,
			"active", active,
			"current", r.currentVersion(),
		)
		return nil
	}
	_, err = r.reloadLocked(ctx, ev.Version)
	return err
}

// Reload loads version (the active one when empty) and swaps it in. An
// explicit version is installed even when it is not the active one.
// On failure the current bundle keeps serving.
func (r *Reloader) Reload(ctx context.Context, version string) (*bundle.Bundle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reloadLocked(ctx, version)
}

func (r *Reloader) reloadLocked(ctx context.Context, version string) (*bundle.Bundle, error) {
	start := time.Now()
	if cur := r.holder.Load(); cur != nil && version != "" && cur.Version() == version {
		return cur, nil
	}

	b, err := bundle.Load(ctx, r.repo, version)
	r.metrics.ObserveReload(err)
	if err != nil {
		slog.Error("bundle reload failed; keeping current bundle",
			"version", version,
			"current", r.currentVersion(),
			"error", err,
		)
		return nil, err
	}

	prev := r.holder.Swap(b)
	r.metrics.SetBundle(b.Version(), b.Len())

	prevVersion := ""
	if prev != nil {
		prevVersion = prev.Version()
	}
	slog.Info("bundle loaded",
		"version", b.Version(),
		"previous", prevVersion,
		"accounts", b.Len(),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	for _, fn := range r.onSwap {
		fn(ctx, prev, b)
	}
	return b, nil
}

func (r *Reloader) currentVersion() string {
	if b := r.holder.Load(); b != nil {
		return b.Version()
	}
	return ""
}

// Stop unsubscribes from the bus.
func (r *Reloader) Stop() error {
	r.cancel()

	for _, sub := range r.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	r.subscriptions = nil

	slog.Info("bundle reloader stopped")
	return nil
}

// Stats describes the reloader state.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Version           string   `json:"version,omitempty"`
}

// GetStats returns current reloader statistics.
func (r *Reloader) GetStats() Stats {
	topics := make([]string, len(r.subscriptions))
	for i, sub := range r.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(r.subscriptions),
		Topics:            topics,
		Version:           r.currentVersion(),
	}
}
