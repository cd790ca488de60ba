package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avosseberg/cratesync/internal/model"
)

// startup runs the one-time start phase and reports whether the engine
// should poll afterwards. A non-empty cache takes the warm path, an empty
// one the cold path.
func (e *Engine) startup(ctx context.Context) (poll bool, err error) {
	empty, err := e.store.IsEmpty(ctx)
	if err != nil {
		return false, fmt.Errorf("checking cache: %w", err)
	}
	if !empty {
		e.warmStart(ctx)
		return true, nil
	}
	return e.coldStart(ctx)
}

// warmStart broadcasts the cached library immediately, then validates it
// against the service before returning. Read failures on individual
// collections degrade that collection to empty rather than failing the
// start.
func (e *Engine) warmStart(ctx context.Context) {
	playlists, err := e.store.Playlists(ctx)
	if err != nil {
		e.log.Error("reading cached playlists", "error", err)
	}
	albums, err := e.store.Albums(ctx)
	if err != nil {
		e.log.Error("reading cached albums", "error", err)
	}
	var liked *int
	if meta, err := e.store.Meta(ctx, model.CollectionLikedSongs); err != nil {
		e.log.Error("reading liked-songs meta", "error", err)
	} else if meta != nil {
		liked = &meta.TotalCount
	}

	e.mu.Lock()
	e.state.InitialLoadComplete = true
	snap := model.Snapshot{
		State:      e.state,
		Playlists:  playlists,
		Albums:     albums,
		LikedCount: liked,
	}
	e.mu.Unlock()

	e.log.Info("warm start", "playlists", len(playlists), "albums", len(albums))
	e.hub.Notify(snap)

	// Validate before Start resolves so the cache is at most one cycle
	// stale once callers see it.
	_ = e.runCycle(ctx)
}

// coldStart performs the progressive first load: playlist and album pages
// arrive interleaved and each page is broadcast as a partial snapshot, while
// the liked-songs count is fetched in parallel. Collections are persisted
// only once their fetch completes. The initial load is marked complete even
// when the fetch fails, so consumers never hang waiting for data that will
// not come; only a failed cache write rejects the start.
func (e *Engine) coldStart(ctx context.Context) (poll bool, err error) {
	if !e.gw.Authenticated() {
		e.log.Info("not authenticated; serving empty library without polling")
		e.mu.Lock()
		e.state.InitialLoadComplete = true
		snap := model.Snapshot{State: e.state}
		e.mu.Unlock()
		e.hub.Notify(snap)
		return false, nil
	}

	if !e.inFlight.CompareAndSwap(false, true) {
		return true, nil
	}
	defer e.inFlight.Store(false)

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.cycleCancel = cancel
	e.state.Syncing = true
	syncingSnap := model.Snapshot{State: e.state}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cycleCancel = nil
		e.mu.Unlock()
	}()

	e.log.Info("cold start: loading library")
	e.hub.Notify(syncingSnap)

	loadedAt := time.Now().UTC()
	var persistErr error

	// The count fetch does not contend with the paged loads.
	var (
		likedDone = make(chan struct{})
		likedErr  error
	)
	go func() {
		defer close(likedDone)
		count, err := e.gw.LikedSongsCount(cctx)
		if err != nil {
			likedErr = fmt.Errorf("fetching liked-songs count: %w", err)
			return
		}
		meta := model.CollectionMeta{
			Collection:      model.CollectionLikedSongs,
			LastValidatedAt: time.Now().UTC(),
			TotalCount:      count,
		}
		if err := e.store.PutMeta(cctx, meta); err != nil {
			likedErr = fmt.Errorf("persisting liked-songs meta: %w", err)
			return
		}
		e.hub.Notify(model.Snapshot{State: e.State(), LikedCount: &count})
	}()

	fetchErr := e.gw.LibraryInterleaved(cctx,
		func(items []model.Playlist, complete bool) {
			stamped := stampPlaylists(items, loadedAt)
			e.hub.Notify(model.Snapshot{State: e.State(), Playlists: stamped})
			if !complete || persistErr != nil {
				return
			}
			if err := e.store.ReplacePlaylists(cctx, stamped); err != nil {
				persistErr = fmt.Errorf("persisting playlists: %w", err)
				return
			}
			tokens := make(map[string]string, len(stamped))
			for _, p := range stamped {
				tokens[p.ID] = p.SnapshotID
			}
			meta := model.CollectionMeta{
				Collection:      model.CollectionPlaylists,
				LastValidatedAt: time.Now().UTC(),
				TotalCount:      len(stamped),
				VersionTokens:   tokens,
			}
			if err := e.store.PutMeta(cctx, meta); err != nil {
				persistErr = fmt.Errorf("persisting playlist meta: %w", err)
			}
		},
		func(items []model.Album, complete bool) {
			stamped := stampAlbums(items, loadedAt)
			e.hub.Notify(model.Snapshot{State: e.State(), Albums: stamped})
			if !complete || persistErr != nil {
				return
			}
			if err := e.store.ReplaceAlbums(cctx, stamped); err != nil {
				persistErr = fmt.Errorf("persisting albums: %w", err)
				return
			}
			meta := model.CollectionMeta{
				Collection:      model.CollectionAlbums,
				LastValidatedAt: time.Now().UTC(),
				TotalCount:      len(stamped),
			}
			if err := e.store.PutMeta(cctx, meta); err != nil {
				persistErr = fmt.Errorf("persisting album meta: %w", err)
			}
		},
	)
	<-likedDone

	loadErr := persistErr
	if loadErr == nil {
		loadErr = fetchErr
	}
	if loadErr == nil {
		loadErr = likedErr
	}

	e.mu.Lock()
	e.state.InitialLoadComplete = true
	e.state.Syncing = false
	switch {
	case loadErr == nil:
		now := time.Now().UTC()
		e.state.LastSyncAt = &now
		e.state.Error = ""
	case errors.Is(loadErr, context.Canceled):
	default:
		e.state.Error = loadErr.Error()
	}
	finalSnap := model.Snapshot{State: e.state}
	e.mu.Unlock()

	if loadErr != nil && !errors.Is(loadErr, context.Canceled) {
		e.log.Error("cold start failed", "error", loadErr)
	} else if loadErr == nil {
		e.log.Info("cold start complete")
	}
	e.hub.Notify(finalSnap)

	if persistErr != nil {
		return true, persistErr
	}
	return true, nil
}

// stampPlaylists copies items, filling zero AddedAt values with ts. The
// listing endpoint carries no added-at timestamp for playlists, so the first
// observation is the best available approximation.
func stampPlaylists(items []model.Playlist, ts time.Time) []model.Playlist {
	out := make([]model.Playlist, len(items))
	copy(out, items)
	for i := range out {
		if out[i].AddedAt.IsZero() {
			out[i].AddedAt = ts
		}
	}
	return out
}

// stampAlbums copies items, filling zero AddedAt values with ts.
func stampAlbums(items []model.Album, ts time.Time) []model.Album {
	out := make([]model.Album, len(items))
	copy(out, items)
	for i := range out {
		if out[i].AddedAt.IsZero() {
			out[i].AddedAt = ts
		}
	}
	return out
}
