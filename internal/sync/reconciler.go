package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avosseberg/cratesync/internal/model"
)

// Stats tracks the number of cache mutations performed for one collection in
// a single reconcile pass.
type Stats struct {
	Added   int
	Updated int
	Removed int
}

func (s *Stats) add(o Stats) {
	s.Added += o.Added
	s.Updated += o.Updated
	s.Removed += o.Removed
}

// Reconciler fetches the authoritative page for a changed collection, diffs
// it against the cache by identity and version token, and applies minimal
// mutations. It is stateless between calls — all persistent state lives in
// the [LibraryStore].
//
// Only the first page of a collection is ever fetched. Libraries larger than
// one page are not fully reconciled beyond it; this is a known boundary, not
// an oversight.
type Reconciler struct {
	gw    Gateway
	store LibraryStore
	log   *slog.Logger
}

// NewReconciler creates a Reconciler wired to the given gateway and store.
func NewReconciler(gw Gateway, store LibraryStore, logger *slog.Logger) *Reconciler {
	return &Reconciler{gw: gw, store: store, log: logger}
}

// ReconcilePlaylists merges the authoritative playlist page into the cache.
// total is the authoritative count observed by the detector; it becomes the
// collection's new TotalCount only after the merge succeeds. The fetched set
// is returned so the caller can broadcast it.
func (r *Reconciler) ReconcilePlaylists(ctx context.Context, total int) ([]model.Playlist, Stats, error) {
	var stats Stats

	cached, err := r.store.Playlists(ctx)
	if err != nil {
		return nil, stats, fmt.Errorf("reading cached playlists: %w", err)
	}

	fetched, hasMore, err := r.gw.PlaylistsPage(ctx)
	if err != nil {
		return nil, stats, fmt.Errorf("fetching playlists: %w", err)
	}
	if hasMore {
		r.log.Warn("playlist library exceeds one page; entries beyond it are not reconciled",
			"fetched", len(fetched), "total", total)
	}

	fetchedByID := make(map[string]*model.Playlist, len(fetched))
	for i := range fetched {
		fetchedByID[fetched[i].ID] = &fetched[i]
	}

	// Remove cached playlists that no longer exist remotely, together with
	// their derived track pages.
	cachedByID := make(map[string]model.Playlist, len(cached))
	for _, c := range cached {
		cachedByID[c.ID] = c
		if _, ok := fetchedByID[c.ID]; ok {
			continue
		}
		if err := r.store.InvalidateTrackPages(ctx, playlistCacheKey(c.ID)); err != nil {
			return nil, stats, err
		}
		if err := r.store.RemovePlaylist(ctx, c.ID); err != nil {
			return nil, stats, err
		}
		stats.Removed++
		r.log.Info("playlist removed", "id", c.ID, "name", c.Name)
	}

	now := time.Now().UTC()
	tokens := make(map[string]string, len(fetched))

	for i := range fetched {
		p := &fetched[i]

		prev, known := cachedByID[p.ID]
		switch {
		case known && !prev.AddedAt.IsZero():
			// The listing does not reliably supply AddedAt; carry it forward.
			p.AddedAt = prev.AddedAt
		case p.AddedAt.IsZero():
			p.AddedAt = now
		}

		if known && prev.SnapshotID != "" && p.SnapshotID != "" && prev.SnapshotID != p.SnapshotID {
			// Contents changed under an unchanged membership: drop the
			// derived track pages before the new record lands.
			if err := r.store.InvalidateTrackPages(ctx, playlistCacheKey(p.ID)); err != nil {
				return nil, stats, err
			}
			r.log.Debug("playlist contents changed", "id", p.ID, "name", p.Name)
		}

		if err := r.store.UpsertPlaylist(ctx, *p); err != nil {
			return nil, stats, err
		}
		if known {
			stats.Updated++
		} else {
			stats.Added++
		}
		if p.SnapshotID != "" {
			tokens[p.ID] = p.SnapshotID
		}
	}

	// Meta last: a reader must never observe a meta record claiming a newer
	// state than the data it describes.
	meta := model.CollectionMeta{
		Collection:      model.CollectionPlaylists,
		LastValidatedAt: now,
		TotalCount:      total,
		VersionTokens:   tokens,
	}
	if err := r.store.PutMeta(ctx, meta); err != nil {
		return nil, stats, fmt.Errorf("writing playlists meta: %w", err)
	}

	return fetched, stats, nil
}

// ReconcileAlbums merges the authoritative saved-albums page into the cache.
// Albums carry no version token; membership changes are the only signal.
func (r *Reconciler) ReconcileAlbums(ctx context.Context, total int) ([]model.Album, Stats, error) {
	var stats Stats

	cached, err := r.store.Albums(ctx)
	if err != nil {
		return nil, stats, fmt.Errorf("reading cached albums: %w", err)
	}

	fetched, hasMore, err := r.gw.AlbumsPage(ctx)
	if err != nil {
		return nil, stats, fmt.Errorf("fetching albums: %w", err)
	}
	if hasMore {
		r.log.Warn("album library exceeds one page; entries beyond it are not reconciled",
			"fetched", len(fetched), "total", total)
	}

	fetchedByID := make(map[string]struct{}, len(fetched))
	for _, a := range fetched {
		fetchedByID[a.ID] = struct{}{}
	}

	cachedByID := make(map[string]model.Album, len(cached))
	for _, c := range cached {
		cachedByID[c.ID] = c
		if _, ok := fetchedByID[c.ID]; ok {
			continue
		}
		if err := r.store.InvalidateTrackPages(ctx, albumCacheKey(c.ID)); err != nil {
			return nil, stats, err
		}
		if err := r.store.RemoveAlbum(ctx, c.ID); err != nil {
			return nil, stats, err
		}
		stats.Removed++
		r.log.Info("album removed", "id", c.ID, "name", c.Name)
	}

	now := time.Now().UTC()
	for i := range fetched {
		a := &fetched[i]

		prev, known := cachedByID[a.ID]
		switch {
		case known && !prev.AddedAt.IsZero():
			a.AddedAt = prev.AddedAt
		case a.AddedAt.IsZero():
			a.AddedAt = now
		}

		if err := r.store.UpsertAlbum(ctx, *a); err != nil {
			return nil, stats, err
		}
		if known {
			stats.Updated++
		} else {
			stats.Added++
		}
	}

	meta := model.CollectionMeta{
		Collection:      model.CollectionAlbums,
		LastValidatedAt: now,
		TotalCount:      total,
	}
	if err := r.store.PutMeta(ctx, meta); err != nil {
		return nil, stats, fmt.Errorf("writing albums meta: %w", err)
	}

	return fetched, stats, nil
}

// ReconcileLikedSongs records a liked-songs count change. There is no content
// to diff — any change invalidates the derived liked-track pages and updates
// the count.
func (r *Reconciler) ReconcileLikedSongs(ctx context.Context, count int) error {
	if err := r.store.InvalidateTrackPages(ctx, likedCacheKey); err != nil {
		return err
	}

	meta := model.CollectionMeta{
		Collection:      model.CollectionLikedSongs,
		LastValidatedAt: time.Now().UTC(),
		TotalCount:      count,
	}
	if err := r.store.PutMeta(ctx, meta); err != nil {
		return fmt.Errorf("writing liked-songs meta: %w", err)
	}

	r.log.Debug("liked-songs count updated", "count", count)
	return nil
}
