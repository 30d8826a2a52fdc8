// Package cart keeps a shopping cart's persisted product identifiers and the
// product details fetched for them in sync.
//
// The identifiers are the source of truth: one entry per unit, duplicates
// encode quantity. Every change is persisted immediately and starts a new sync
// that fetches each distinct product once and replaces the cart entries in one
// step. A sync whose generation is no longer current is cancelled and its
// result discarded, so a slow fetch never overwrites a newer cart.
package cart

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/abgdnv/cartsync/internal/cart/store"
	carterrors "github.com/abgdnv/cartsync/internal/errors"
	"github.com/abgdnv/cartsync/pkg/messaging"
	"github.com/abgdnv/cartsync/pkg/messaging/events"
	"github.com/abgdnv/cartsync/pkg/web"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const instrumentationName = "github.com/abgdnv/cartsync/internal/cart"

// ProductFetcher loads a single product by id.
type ProductFetcher interface {
	GetProduct(ctx context.Context, id string) (*Product, error)
}

// Mode selects the direction of ChangeCount.
type Mode string

const (
	ModeIncrease Mode = "increase"
	ModeDecrease Mode = "decrease"
)

// State of the in-memory entries relative to the persisted identifiers.
type State int

const (
	StateEmpty State = iota
	StateSyncing
	StateSynced
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateSyncing:
		return "syncing"
	case StateSynced:
		return "synced"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Snapshot is a consistent view of the cart handed to subscribers.
// Version increases with every change; Generation only with changes of the identifiers.
type Snapshot struct {
	IDs        []string
	Entries    []Entry
	State      State
	Generation uint64
	Version    uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithPublisher publishes a CartUpdatedEvent after every persisted mutation.
func WithPublisher(p messaging.Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithConcurrency limits the number of product fetches in flight during a sync.
// Zero or less means one goroutine per distinct product.
func WithConcurrency(n int) Option {
	return func(m *Manager) { m.concurrency = n }
}

// WithSyncTimeout bounds the duration of a single sync.
func WithSyncTimeout(d time.Duration) Option {
	return func(m *Manager) { m.syncTimeout = d }
}

// Manager owns the persisted identifiers of one cart and the entries derived from them.
// It is safe for concurrent use.
type Manager struct {
	store       store.CartStore
	fetcher     ProductFetcher
	publisher   messaging.Publisher
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     *syncMetrics
	concurrency int
	syncTimeout time.Duration

	mu          sync.Mutex
	ids         []string
	entries     []Entry
	state       State
	generation  uint64
	version     uint64
	cancelSync  context.CancelFunc
	pending     bool
	settled     chan struct{}
	syncErr     error
	closed      bool
	subscribers map[uint64]func(Snapshot)
	nextSubID   uint64
	running     sync.WaitGroup

	notifyMu  sync.Mutex
	delivered uint64
}

// NewManager creates a Manager over the given store and product fetcher.
// Call Load to read the persisted identifiers.
func NewManager(cartStore store.CartStore, fetcher ProductFetcher, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:       cartStore,
		fetcher:     fetcher,
		publisher:   messaging.NopPublisher{},
		logger:      logger.With("component", "cart"),
		tracer:      otel.Tracer(instrumentationName),
		metrics:     defaultMetrics(),
		ids:         []string{},
		subscribers: make(map[uint64]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoadOption configures Load.
type LoadOption func(*loadOptions)

type loadOptions struct {
	deferSync bool
}

// DeferSync makes Load install the identifiers without fetching. The next
// mutation or an explicit Sync starts the fetch.
func DeferSync() LoadOption {
	return func(o *loadOptions) { o.deferSync = true }
}

// Load reads the persisted identifiers and starts a sync for them.
func (m *Manager) Load(ctx context.Context, opts ...LoadOption) error {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}
	ids, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", carterrors.ErrLoadCart, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return carterrors.ErrManagerClosed
	}
	snap := m.applyLocked(ctx, ids, !o.deferSync)
	m.mu.Unlock()

	m.logger.DebugContext(ctx, "Cart loaded", "units", len(ids), "generation", snap.Generation, "deferred", o.deferSync)
	m.notify(snap)
	return nil
}

// Sync starts the sync deferred by Load. It does nothing when the current
// identifiers already have a sync running or settled.
func (m *Manager) Sync(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return carterrors.ErrManagerClosed
	}
	if !m.pending {
		return nil
	}
	m.pending = false
	m.startSyncLocked(ctx)
	return nil
}

// AddItem appends one unit of id. The id is not validated; an unknown product
// surfaces as a failed sync.
func (m *Manager) AddItem(ctx context.Context, id string) error {
	return m.mutate(ctx, "add", id, false, func(ids []string) ([]string, bool) {
		return append(ids, id), true
	})
}

// ChangeCount adds or removes a single unit of a product already in the cart.
// Calls for a product that is not in the cart are ignored.
func (m *Manager) ChangeCount(ctx context.Context, id string, mode Mode) error {
	switch mode {
	case ModeIncrease:
		return m.mutate(ctx, "increase", id, false, func(ids []string) ([]string, bool) {
			if !slices.Contains(ids, id) {
				return nil, false
			}
			return append(ids, id), true
		})
	case ModeDecrease:
		return m.mutate(ctx, "decrease", id, false, func(ids []string) ([]string, bool) {
			i := slices.Index(ids, id)
			if i < 0 {
				return nil, false
			}
			return slices.Delete(ids, i, i+1), true
		})
	default:
		return fmt.Errorf("%w: %q", carterrors.ErrInvalidMode, mode)
	}
}

// RemoveItem drops every unit of id. The entry disappears from Carts right away,
// before the following sync completes.
func (m *Manager) RemoveItem(ctx context.Context, id string) error {
	return m.mutate(ctx, "remove", id, true, func(ids []string) ([]string, bool) {
		return slices.DeleteFunc(ids, func(v string) bool { return v == id }), true
	})
}

// Clear empties the cart without touching the network.
func (m *Manager) Clear(ctx context.Context) error {
	return m.mutate(ctx, "clear", "", false, func([]string) ([]string, bool) {
		return []string{}, true
	})
}

// Carts returns the current entries. During a sync they may lag behind IDs.
func (m *Manager) Carts() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneEntries(m.entries)
}

// IDs returns the persisted identifiers, one per unit.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.ids)
}

// State reports whether the entries reflect the identifiers.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the error of the latest sync, if it failed.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncErr
}

// Subscribe registers fn to receive a snapshot after every change of the
// identifiers or the entries. Snapshots are delivered in order; stale ones are
// skipped. The returned function unregisters fn.
func (m *Manager) Subscribe(fn func(Snapshot)) (cancel func()) {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

// Wait blocks until the latest sync has settled and returns the entries together
// with the sync error, if any. When the cart changes while waiting, Wait follows
// the newer sync. A sync deferred by Load and never started does not block.
func (m *Manager) Wait(ctx context.Context) ([]Entry, error) {
	for {
		m.mu.Lock()
		settled := m.settled
		if settled == nil {
			entries, err := cloneEntries(m.entries), m.syncErr
			m.mu.Unlock()
			return entries, err
		}
		m.mu.Unlock()

		select {
		case <-settled:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close cancels an in-flight sync and waits for it to return.
// Mutations after Close fail with ErrManagerClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	if m.cancelSync != nil {
		m.cancelSync()
	}
	m.mu.Unlock()
	m.running.Wait()
}

// mutate applies next to a copy of the identifiers, persists the result and
// starts a new sync. next reports false to ignore the call.
func (m *Manager) mutate(ctx context.Context, op, productID string, prune bool, next func([]string) ([]string, bool)) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return carterrors.ErrManagerClosed
	}
	ids, ok := next(slices.Clone(m.ids))
	if !ok {
		m.mu.Unlock()
		m.logger.DebugContext(ctx, "Ignoring cart change for product not in cart", "operation", op, "product_id", productID)
		return nil
	}
	if err := m.store.Save(ctx, ids); err != nil {
		m.mu.Unlock()
		m.logger.ErrorContext(ctx, "Failed to persist cart", "operation", op, "error", err)
		return fmt.Errorf("%w: %w", carterrors.ErrSaveCart, err)
	}
	if prune {
		m.entries = slices.DeleteFunc(cloneEntries(m.entries), func(e Entry) bool { return e.ID == productID })
	}
	snap := m.applyLocked(ctx, ids, true)
	m.mu.Unlock()

	m.logger.DebugContext(ctx, "Cart changed", "operation", op, "product_id", productID, "units", len(ids), "generation", snap.Generation)
	m.notify(snap)
	m.publish(ctx, op, productID, ids)
	return nil
}

// applyLocked installs ids as the current identifiers, supersedes any running
// sync and, when start is set, starts a new one for a non-empty cart.
func (m *Manager) applyLocked(ctx context.Context, ids []string, start bool) Snapshot {
	m.ids = ids
	m.generation++
	m.syncErr = nil
	m.pending = false
	if m.cancelSync != nil {
		m.cancelSync()
		m.cancelSync = nil
	}
	if m.settled != nil {
		close(m.settled)
		m.settled = nil
	}

	if len(ids) == 0 {
		m.entries = nil
		m.state = StateEmpty
		return m.snapshotLocked()
	}

	m.state = StateSyncing
	if !start {
		m.pending = true
		return m.snapshotLocked()
	}
	m.startSyncLocked(ctx)
	return m.snapshotLocked()
}

// startSyncLocked starts a sync of the current identifiers under the current generation.
func (m *Manager) startSyncLocked(ctx context.Context) {
	syncCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if m.syncTimeout > 0 {
		var cancelTimeout context.CancelFunc
		syncCtx, cancelTimeout = context.WithTimeout(syncCtx, m.syncTimeout)
		parentCancel := cancel
		cancel = func() {
			cancelTimeout()
			parentCancel()
		}
	}
	settled := make(chan struct{})
	m.cancelSync = cancel
	m.settled = settled

	gen := m.generation
	m.running.Add(1)
	go m.sync(syncCtx, cancel, gen, slices.Clone(m.ids), settled)
}

// sync fetches every distinct product and commits the entries if gen is still current.
func (m *Manager) sync(ctx context.Context, cancel context.CancelFunc, gen uint64, ids []string, settled chan struct{}) {
	defer m.running.Done()
	defer cancel()

	order, counts := groupIDs(ids)
	ctx, span := m.tracer.Start(ctx, "cart.sync", trace.WithAttributes(
		attribute.Int64("cart.generation", int64(gen)),
		attribute.Int("cart.units", len(ids)),
		attribute.Int("cart.products", len(order)),
	))
	defer span.End()

	start := time.Now()
	products, err := m.fetchAll(ctx, order)

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		m.metrics.discarded.Add(ctx, 1)
		span.SetAttributes(attribute.Bool("cart.superseded", true))
		m.logger.DebugContext(ctx, "Discarding superseded cart sync", "generation", gen)
		return
	}
	m.cancelSync = nil
	m.settled = nil
	defer close(settled)

	if err != nil {
		m.syncErr = err
		m.mu.Unlock()
		m.metrics.failed.Add(ctx, 1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "cart sync failed")
		m.logger.ErrorContext(ctx, "Cart sync failed, keeping previous entries", "generation", gen, "error", err)
		return
	}

	entries := make([]Entry, len(order))
	for i, id := range order {
		entries[i] = Entry{Product: *products[i], Count: counts[id]}
	}
	m.entries = entries
	m.state = StateSynced
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.metrics.completed.Add(ctx, 1)
	m.metrics.duration.Record(ctx, time.Since(start).Seconds())
	m.logger.DebugContext(ctx, "Cart synced", "generation", gen, "products", len(entries))
	m.notify(snap)
}

// fetchAll fetches the products in parallel and returns them in the order of ids.
// Either every product is returned or an error.
func (m *Manager) fetchAll(ctx context.Context, ids []string) ([]*Product, error) {
	products := make([]*Product, len(ids))
	g, gCtx := errgroup.WithContext(ctx)
	if m.concurrency > 0 {
		g.SetLimit(m.concurrency)
	}
	for i, id := range ids {
		g.Go(func() error {
			p, err := m.fetcher.GetProduct(gCtx, id)
			if err != nil {
				return fmt.Errorf("fetch product %s: %w", id, err)
			}
			if p == nil {
				return fmt.Errorf("fetch product %s: %w", id, carterrors.ErrMalformedResponse)
			}
			product := p.clone()
			if product.ID == "" {
				product.ID = id
			}
			products[i] = &product
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return products, nil
}

func (m *Manager) snapshotLocked() Snapshot {
	m.version++
	return Snapshot{
		IDs:        slices.Clone(m.ids),
		Entries:    cloneEntries(m.entries),
		State:      m.state,
		Generation: m.generation,
		Version:    m.version,
	}
}

// notify delivers snap to the subscribers unless a newer snapshot went out already.
func (m *Manager) notify(snap Snapshot) {
	m.mu.Lock()
	subs := make([]func(Snapshot), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.mu.Unlock()
	if len(subs) == 0 {
		return
	}

	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	if snap.Version <= m.delivered {
		return
	}
	m.delivered = snap.Version
	for _, fn := range subs {
		fn(snap)
	}
}

func (m *Manager) publish(ctx context.Context, op, productID string, ids []string) {
	reqID, _ := web.GetRequestID(ctx)
	event := events.CartUpdatedEvent{
		EventID:    uuid.New(),
		RequestID:  reqID,
		Operation:  op,
		ProductID:  productID,
		IDs:        slices.Clone(ids),
		OccurredAt: time.Now().UTC(),
	}
	if err := m.publisher.Publish(ctx, event); err != nil {
		m.logger.WarnContext(ctx, "Failed to publish CartUpdatedEvent", "operation", op, "error", err)
	}
}

func cloneEntries(entries []Entry) []Entry {
	if entries == nil {
		return []Entry{}
	}
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = Entry{Product: e.Product.clone(), Count: e.Count}
	}
	return out
}
