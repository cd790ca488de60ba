// Package sync implements the library synchronization engine for cratesync.
// It keeps the local SQLite cache of the user's library metadata (playlists,
// saved albums, liked-songs count) consistent with the remote service using
// cheap count-based change detection and incremental reconciliation.
//
// The package contains four main components:
//
//   - [Engine] owns the polling loop, the single-flight guard, cancellation,
//     and the externally visible [model.SyncState].
//   - [Detector] decides per collection whether a reconciliation is needed.
//   - [Reconciler] diffs a changed collection against the cache and applies
//     minimal mutations.
//   - [Hub] fans snapshots out to subscribers.
package sync

import (
	"context"

	"github.com/avosseberg/cratesync/internal/model"
)

// Gateway provides read access to the user's remote library.
// Implemented by [spotify.Client].
type Gateway interface {
	Authenticated() bool

	// Count lookups are cheap and must not enumerate the collection.
	PlaylistCount(ctx context.Context) (int, error)
	AlbumCount(ctx context.Context) (int, error)
	LikedSongsCount(ctx context.Context) (int, error)

	// Page fetches return the first page of the collection and whether more
	// pages exist beyond it.
	PlaylistsPage(ctx context.Context) ([]model.Playlist, bool, error)
	AlbumsPage(ctx context.Context) ([]model.Album, bool, error)

	// LibraryInterleaved streams the full library progressively. Each
	// callback receives the accumulated set so far and a complete flag.
	LibraryInterleaved(ctx context.Context,
		onPlaylists func(items []model.Playlist, complete bool),
		onAlbums func(items []model.Album, complete bool)) error
}

// LibraryStore provides access to the cached library and its derived
// track-page cache. Implemented by [store.Store].
type LibraryStore interface {
	IsEmpty(ctx context.Context) (bool, error)

	Playlists(ctx context.Context) ([]model.Playlist, error)
	UpsertPlaylist(ctx context.Context, p model.Playlist) error
	ReplacePlaylists(ctx context.Context, playlists []model.Playlist) error
	RemovePlaylist(ctx context.Context, id string) error

	Albums(ctx context.Context) ([]model.Album, error)
	UpsertAlbum(ctx context.Context, a model.Album) error
	ReplaceAlbums(ctx context.Context, albums []model.Album) error
	RemoveAlbum(ctx context.Context, id string) error

	Meta(ctx context.Context, c model.Collection) (*model.CollectionMeta, error)
	PutMeta(ctx context.Context, meta model.CollectionMeta) error

	InvalidateTrackPages(ctx context.Context, key string) error
}

// Derived-cache keys. Track listings are cached under these keys and must be
// invalidated exactly when the owning entity's version token changes or the
// entity leaves the authoritative set.
func playlistCacheKey(id string) string { return "playlist:" + id }
func albumCacheKey(id string) string    { return "album:" + id }

const likedCacheKey = "liked"
