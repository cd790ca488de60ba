// Spotify Web API response types, per
// https://developer.spotify.com/documentation/web-api/reference/
package spotify

import (
	"time"

	"github.com/avosseberg/cratesync/internal/model"
)

// Image represents an image resource.
type Image struct {
	URL    string `json:"url"`
	Height int    `json:"height"`
	Width  int    `json:"width"`
}

type owner struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

type playlistTracks struct {
	Total int `json:"total"`
}

// SimplePlaylist is the playlist object returned by the /me/playlists listing.
// SnapshotID changes whenever the playlist's contents change.
type SimplePlaylist struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Owner      owner          `json:"owner"`
	Tracks     playlistTracks `json:"tracks"`
	Images     []Image        `json:"images"`
	SnapshotID string         `json:"snapshot_id"`
}

// PaginatedPlaylists is the paged /me/playlists response.
type PaginatedPlaylists struct {
	Items  []SimplePlaylist `json:"items"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
	Next   *string          `json:"next"`
}

// Artist represents a Spotify artist.
type Artist struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Album represents a full Spotify album object.
type Album struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Artists     []Artist `json:"artists"`
	TotalTracks int      `json:"total_tracks"`
	Images      []Image  `json:"images"`
}

// SavedAlbum is an album in the user's library, wrapped with its save time.
type SavedAlbum struct {
	AddedAt string `json:"added_at"`
	Album   Album  `json:"album"`
}

// PaginatedAlbums is the paged /me/albums response.
type PaginatedAlbums struct {
	Items  []SavedAlbum `json:"items"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
	Next   *string      `json:"next"`
}

// pagedTotal decodes just the total field of any paginated response. Used by
// the cheap count lookups, which request limit=1 and discard the items.
type pagedTotal struct {
	Total int `json:"total"`
}

// toModel converts an API playlist to the cached representation. AddedAt is
// left zero: the listing does not supply it, the reconciler owns that field.
func (p SimplePlaylist) toModel() model.Playlist {
	m := model.Playlist{
		ID:         p.ID,
		Name:       p.Name,
		Owner:      p.Owner.DisplayName,
		TrackCount: p.Tracks.Total,
		SnapshotID: p.SnapshotID,
	}
	if len(p.Images) > 0 {
		m.ImageURL = p.Images[0].URL
	}
	return m
}

// toModel converts a saved album to the cached representation. The save time
// is parsed when the API supplies it; a zero AddedAt tells the reconciler to
// stamp its own.
func (a SavedAlbum) toModel() model.Album {
	m := model.Album{
		ID:         a.Album.ID,
		Name:       a.Album.Name,
		TrackCount: a.Album.TotalTracks,
	}
	if len(a.Album.Artists) > 0 {
		m.Artist = a.Album.Artists[0].Name
	}
	if len(a.Album.Images) > 0 {
		m.ImageURL = a.Album.Images[0].URL
	}
	if t, err := time.Parse(time.RFC3339, a.AddedAt); err == nil {
		m.AddedAt = t.UTC()
	}
	return m
}
