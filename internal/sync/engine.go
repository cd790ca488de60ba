package sync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/avosseberg/cratesync/internal/lifecycle"
	"github.com/avosseberg/cratesync/internal/model"
)

const (
	otelScope      = "cratesync/sync"
	spanSync       = "library.sync"
	metricAdded    = "cratesync.sync.items.added"
	metricUpdated  = "cratesync.sync.items.updated"
	metricRemoved  = "cratesync.sync.items.removed"
	metricCycles   = "cratesync.sync.cycles"
	metricErrors   = "cratesync.sync.errors"
)

// Engine orchestrates the sync lifecycle: the two-phase startup, the polling
// loop, the single-flight guard, and the externally visible [model.SyncState].
// Create one with [NewEngine], start it with [Engine.Start].
//
// At most one reconciliation cycle runs at a time. A trigger that arrives
// while a cycle is in flight is dropped, not queued.
type Engine struct {
	gw           Gateway
	store        LibraryStore
	detector     *Detector
	reconciler   *Reconciler
	hub          *Hub
	events       <-chan lifecycle.Event
	pollInterval time.Duration
	log          *slog.Logger

	// OTel instruments — always non-nil (no-op when telemetry is disabled).
	tracer     trace.Tracer
	cntAdded   metric.Int64Counter
	cntUpdated metric.Int64Counter
	cntRemoved metric.Int64Counter
	cntCycles  metric.Int64Counter
	cntErrors  metric.Int64Counter

	// inFlight is the single-flight guard for reconciliation cycles.
	inFlight atomic.Bool

	mu          sync.Mutex
	state       model.SyncState
	started     bool
	loopCancel  context.CancelFunc
	cycleCancel context.CancelFunc
	wg          sync.WaitGroup
}

// NewEngine creates an Engine. events may be nil, in which case the engine
// relies on polling alone and never pauses.
func NewEngine(gw Gateway, store LibraryStore, events <-chan lifecycle.Event, pollInterval time.Duration, logger *slog.Logger) *Engine {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	e := &Engine{
		gw:           gw,
		store:        store,
		hub:          NewHub(logger),
		events:       events,
		pollInterval: pollInterval,
		log:          logger,

		tracer:     tracer,
		cntAdded:   mustCounter(metricAdded, "Number of library items added to the cache"),
		cntUpdated: mustCounter(metricUpdated, "Number of cached library items updated"),
		cntRemoved: mustCounter(metricRemoved, "Number of cached library items removed"),
		cntCycles:  mustCounter(metricCycles, "Number of reconciliation cycles started"),
		cntErrors:  mustCounter(metricErrors, "Number of failed reconciliation cycles"),
	}
	e.detector = NewDetector(gw, store, logger)
	e.reconciler = NewReconciler(gw, store, logger)
	return e
}

// Start runs the startup phase and then begins polling. It is idempotent.
//
// On a warm start it returns only after the background validation cycle has
// completed, so data is at most one cycle stale once Start resolves. On a
// cold start it returns once the progressive load has finished (or failed);
// it returns an error only when the very first metadata write is impossible.
// An unauthenticated gateway yields an immediate empty snapshot and no
// polling.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	loopCtx, cancel := context.WithCancel(context.Background())
	e.loopCancel = cancel
	e.mu.Unlock()

	poll, err := e.startup(ctx)
	if err != nil {
		e.mu.Lock()
		e.started = false
		e.loopCancel = nil
		e.mu.Unlock()
		cancel()
		return err
	}
	if !poll {
		return nil
	}

	e.wg.Add(1)
	go e.loop(loopCtx)
	return nil
}

// Stop halts the poll timer, cancels any in-flight cycle, and stops watching
// lifecycle events. It is idempotent. Stop does not disable manual triggers:
// SyncNow still works afterwards.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	if e.loopCancel != nil {
		e.loopCancel()
		e.loopCancel = nil
	}
	cancelCycle := e.cycleCancel
	e.mu.Unlock()

	if cancelCycle != nil {
		cancelCycle()
	}
	e.wg.Wait()
	e.log.Info("sync engine stopped")
}

// SyncNow triggers one reconciliation cycle out of band. If a cycle is
// already in flight the call returns nil without side effects.
func (e *Engine) SyncNow(ctx context.Context) error {
	return e.runCycle(ctx)
}

// Subscribe registers a listener and immediately delivers the current
// [model.SyncState] (with no collection payload), so a late subscriber is
// never left without an initial signal. The initial delivery is ordered
// against concurrent broadcasts. The returned function unsubscribes.
func (e *Engine) Subscribe(fn Listener) (unsubscribe func()) {
	return e.hub.SubscribeWith(fn, func() model.Snapshot {
		return model.Snapshot{State: e.State()}
	})
}

// State returns a copy of the current sync state.
func (e *Engine) State() model.SyncState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Playlists returns the cached playlists.
func (e *Engine) Playlists(ctx context.Context) ([]model.Playlist, error) {
	return e.store.Playlists(ctx)
}

// Albums returns the cached saved albums.
func (e *Engine) Albums(ctx context.Context) ([]model.Album, error) {
	return e.store.Albums(ctx)
}

// LikedSongsCount returns the last known liked-songs count, or 0 when the
// collection has never been validated.
func (e *Engine) LikedSongsCount(ctx context.Context) (int, error) {
	meta, err := e.store.Meta(ctx, model.CollectionLikedSongs)
	if err != nil || meta == nil {
		return 0, err
	}
	return meta.TotalCount, nil
}

// loop runs the poll timer and reacts to lifecycle events until ctx is
// cancelled. A nil events channel blocks its select case forever, which is
// exactly the polling-only behavior.
func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.events:
			switch ev {
			case lifecycle.Background:
				ticker.Stop()
				e.log.Info("backgrounded; polling paused")
			case lifecycle.Foreground:
				ticker.Reset(e.pollInterval)
				e.log.Info("foregrounded; polling resumed")
				_ = e.runCycle(ctx)
			}
		case <-ticker.C:
			_ = e.runCycle(ctx)
		}
	}
}

// runCycle performs one full detect-and-reconcile cycle under the
// single-flight guard, recording a trace span and metrics.
func (e *Engine) runCycle(parent context.Context) error {
	if !e.inFlight.CompareAndSwap(false, true) {
		return nil
	}
	defer e.inFlight.Store(false)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	e.mu.Lock()
	e.cycleCancel = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cycleCancel = nil
		e.mu.Unlock()
	}()

	ctx, span := e.tracer.Start(ctx, spanSync)
	defer span.End()
	e.cntCycles.Add(ctx, 1)

	e.setSyncing()

	snap, stats, err := e.cycle(ctx)

	if stats.Added > 0 {
		e.cntAdded.Add(ctx, int64(stats.Added))
	}
	if stats.Updated > 0 {
		e.cntUpdated.Add(ctx, int64(stats.Updated))
	}
	if stats.Removed > 0 {
		e.cntRemoved.Add(ctx, int64(stats.Removed))
	}
	span.SetAttributes(
		attribute.Int("sync.added", stats.Added),
		attribute.Int("sync.updated", stats.Updated),
		attribute.Int("sync.removed", stats.Removed),
	)
	if err != nil && !errors.Is(err, context.Canceled) {
		e.cntErrors.Add(ctx, 1)
		span.RecordError(err)
	}

	e.finishCycle(snap, err)
	return err
}

// cycle detects changes and reconciles the affected collections. Playlist
// and album reconciliation run concurrently and are joined before the cycle
// completes; a failure in one leaves the other's result intact.
func (e *Engine) cycle(ctx context.Context) (model.Snapshot, Stats, error) {
	var snap model.Snapshot
	var total Stats

	changes, err := e.detector.DetectChanges(ctx)
	if err != nil {
		return snap, total, err
	}
	if !changes.Any() {
		e.log.Debug("library unchanged")
		return snap, total, nil
	}

	var (
		mu       sync.Mutex
		firstErr error
		wg       sync.WaitGroup
	)
	fail := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	if changes.PlaylistsChanged {
		wg.Add(1)
		go func() {
			defer wg.Done()
			items, stats, err := e.reconciler.ReconcilePlaylists(ctx, changes.PlaylistCount)
			if err != nil {
				e.log.Error("playlist reconciliation failed", "error", err)
				fail(err)
				return
			}
			mu.Lock()
			snap.Playlists = items
			total.add(stats)
			mu.Unlock()
		}()
	}

	if changes.AlbumsChanged {
		wg.Add(1)
		go func() {
			defer wg.Done()
			items, stats, err := e.reconciler.ReconcileAlbums(ctx, changes.AlbumCount)
			if err != nil {
				e.log.Error("album reconciliation failed", "error", err)
				fail(err)
				return
			}
			mu.Lock()
			snap.Albums = items
			total.add(stats)
			mu.Unlock()
		}()
	}

	if changes.LikedSongsChanged {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.reconciler.ReconcileLikedSongs(ctx, changes.LikedSongsCount); err != nil {
				e.log.Error("liked-songs reconciliation failed", "error", err)
				fail(err)
				return
			}
			mu.Lock()
			count := changes.LikedSongsCount
			snap.LikedCount = &count
			mu.Unlock()
		}()
	}

	wg.Wait()
	return snap, total, firstErr
}

// setSyncing flips Syncing on and broadcasts the transition.
func (e *Engine) setSyncing() {
	e.mu.Lock()
	e.state.Syncing = true
	snap := model.Snapshot{State: e.state}
	e.mu.Unlock()
	e.hub.Notify(snap)
}

// finishCycle records the cycle result and broadcasts the final snapshot.
// Cancelled cycles leave Error untouched and the cache as last-known-good.
func (e *Engine) finishCycle(snap model.Snapshot, err error) {
	e.mu.Lock()
	e.state.Syncing = false
	switch {
	case err == nil:
		now := time.Now().UTC()
		e.state.LastSyncAt = &now
		e.state.Error = ""
	case errors.Is(err, context.Canceled):
		e.log.Debug("sync cycle cancelled")
	default:
		e.state.Error = err.Error()
	}
	snap.State = e.state
	e.mu.Unlock()

	e.hub.Notify(snap)
}
