// Package model defines shared types used across the sync engine, the Spotify
// gateway, and the metadata store.
package model

import "time"

// Collection names the three library collections tracked by the engine.
type Collection string

const (
	// CollectionPlaylists is the user's followed and owned playlists.
	CollectionPlaylists Collection = "playlists"
	// CollectionAlbums is the user's saved albums.
	CollectionAlbums Collection = "albums"
	// CollectionLikedSongs is the user's liked-songs collection. Only its
	// count is cached; the tracks themselves live in the derived cache.
	CollectionLikedSongs Collection = "liked_songs"
)

// Playlist is a cached playlist record.
type Playlist struct {
	// ID is the remote playlist identifier.
	ID string

	// Name is the playlist's display title.
	Name string

	// Owner is the display name of the playlist's owner.
	Owner string

	// TrackCount is the number of tracks reported by the remote service.
	TrackCount int

	// ImageURL is the cover image URL, if any.
	ImageURL string

	// SnapshotID is the remote revision marker. It changes whenever the
	// playlist's contents change, even if the track count does not. Used to
	// invalidate the derived track-page cache without fetching tracks.
	SnapshotID string

	// AddedAt is when the playlist entered the local cache. The remote
	// listing does not reliably return it, so the reconciler carries it
	// forward from the existing cached record and stamps time.Now for
	// genuinely new entries.
	AddedAt time.Time
}

// Album is a cached saved-album record. Albums carry no remote revision
// marker; removal and re-addition are the only content changes the remote
// service exposes for them.
type Album struct {
	ID         string
	Name       string
	Artist     string
	TrackCount int
	ImageURL   string

	// AddedAt follows the same carry-forward rule as [Playlist.AddedAt].
	AddedAt time.Time
}

// CollectionMeta is the per-collection validation record persisted alongside
// the collection's data. It is written only after the data it describes.
type CollectionMeta struct {
	// Collection identifies which collection this record describes.
	Collection Collection

	// LastValidatedAt is the instant of the last successful count check or
	// reconciliation of this collection.
	LastValidatedAt time.Time

	// TotalCount is the last known authoritative count. Updated only after
	// a successful fetch+merge, never speculatively.
	TotalCount int

	// VersionTokens maps playlist ID to its last seen SnapshotID. Populated
	// for the playlists collection only.
	VersionTokens map[string]string
}

// SyncState is the only engine state exposed to subscribers. It is rebuilt
// for the engine's process lifetime and never persisted.
type SyncState struct {
	// InitialLoadComplete is true once the first usable snapshot exists,
	// whether it came from the cache or from a cold-start fetch. It is set
	// even when the cold start fails, so consumers never wait forever.
	InitialLoadComplete bool

	// Syncing is true while a reconciliation cycle is in flight.
	Syncing bool

	// LastSyncAt is the completion time of the last successful cycle.
	LastSyncAt *time.Time

	// Error holds a human-readable message for the last failed cycle, or ""
	// when the last cycle succeeded. Cancelled cycles never set it.
	Error string
}

// LibraryChanges is the transient result of change detection: which
// collections need reconciling, plus the freshly observed counts so the
// reconciler can persist them as the new authoritative totals.
type LibraryChanges struct {
	PlaylistsChanged  bool
	AlbumsChanged     bool
	LikedSongsChanged bool

	PlaylistCount   int
	AlbumCount      int
	LikedSongsCount int
}

// Any reports whether at least one collection changed.
func (c LibraryChanges) Any() bool {
	return c.PlaylistsChanged || c.AlbumsChanged || c.LikedSongsChanged
}

// Snapshot is the payload delivered to subscribers. Collection fields are nil
// when the notification carries no update for them; subscribers must treat
// the slices as read-only copies.
type Snapshot struct {
	State      SyncState
	Playlists  []Playlist
	Albums     []Album
	LikedCount *int
}
