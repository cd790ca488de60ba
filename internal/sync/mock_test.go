package sync

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/avosseberg/cratesync/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockGateway is a configurable in-memory Gateway. Set the plain fields for
// canned responses, or a *Fn hook to take over a method entirely.
type mockGateway struct {
	mu    sync.Mutex
	calls map[string]int

	authenticated bool

	playlistCount int
	albumCount    int
	likedCount    int
	countErr      error

	playlists        []model.Playlist
	hasMorePlaylists bool
	playlistsErr     error

	albums        []model.Album
	hasMoreAlbums bool
	albumsErr     error

	playlistCountFn func(ctx context.Context) (int, error)
	interleavedFn   func(ctx context.Context,
		onPlaylists func([]model.Playlist, bool),
		onAlbums func([]model.Album, bool)) error
}

func (m *mockGateway) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[name]++
}

func (m *mockGateway) callCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

func (m *mockGateway) Authenticated() bool { return m.authenticated }

func (m *mockGateway) PlaylistCount(ctx context.Context) (int, error) {
	m.record("PlaylistCount")
	if m.playlistCountFn != nil {
		return m.playlistCountFn(ctx)
	}
	return m.playlistCount, m.countErr
}

func (m *mockGateway) AlbumCount(ctx context.Context) (int, error) {
	m.record("AlbumCount")
	return m.albumCount, m.countErr
}

func (m *mockGateway) LikedSongsCount(ctx context.Context) (int, error) {
	m.record("LikedSongsCount")
	return m.likedCount, m.countErr
}

func (m *mockGateway) PlaylistsPage(ctx context.Context) ([]model.Playlist, bool, error) {
	m.record("PlaylistsPage")
	return m.playlists, m.hasMorePlaylists, m.playlistsErr
}

func (m *mockGateway) AlbumsPage(ctx context.Context) ([]model.Album, bool, error) {
	m.record("AlbumsPage")
	return m.albums, m.hasMoreAlbums, m.albumsErr
}

func (m *mockGateway) LibraryInterleaved(ctx context.Context,
	onPlaylists func([]model.Playlist, bool),
	onAlbums func([]model.Album, bool)) error {
	m.record("LibraryInterleaved")
	if m.interleavedFn != nil {
		return m.interleavedFn(ctx, onPlaylists, onAlbums)
	}
	onPlaylists(m.playlists, true)
	onAlbums(m.albums, true)
	return nil
}

// mockStore is an in-memory LibraryStore that records the order of mutating
// operations and supports error injection per method group.
type mockStore struct {
	mu         sync.Mutex
	playlists  map[string]model.Playlist
	albums     map[string]model.Album
	metas      map[model.Collection]model.CollectionMeta
	trackPages map[string]struct{}

	ops         []string
	invalidated []string

	isEmptyErr error
	readErr    error
	writeErr   error
	putMetaErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		playlists:  make(map[string]model.Playlist),
		albums:     make(map[string]model.Album),
		metas:      make(map[model.Collection]model.CollectionMeta),
		trackPages: make(map[string]struct{}),
	}
}

func (m *mockStore) op(name string) {
	m.ops = append(m.ops, name)
}

func (m *mockStore) mutations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.ops))
	copy(out, m.ops)
	return out
}

func (m *mockStore) IsEmpty(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isEmptyErr != nil {
		return false, m.isEmptyErr
	}
	return len(m.playlists) == 0 && len(m.albums) == 0 && len(m.metas) == 0, nil
}

func (m *mockStore) Playlists(ctx context.Context) ([]model.Playlist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	out := make([]model.Playlist, 0, len(m.playlists))
	for _, p := range m.playlists {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockStore) UpsertPlaylist(ctx context.Context, p model.Playlist) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.op("UpsertPlaylist:" + p.ID)
	m.playlists[p.ID] = p
	return nil
}

func (m *mockStore) ReplacePlaylists(ctx context.Context, playlists []model.Playlist) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.op("ReplacePlaylists")
	m.playlists = make(map[string]model.Playlist, len(playlists))
	for _, p := range playlists {
		m.playlists[p.ID] = p
	}
	return nil
}

func (m *mockStore) RemovePlaylist(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.op("RemovePlaylist:" + id)
	delete(m.playlists, id)
	return nil
}

func (m *mockStore) Albums(ctx context.Context) ([]model.Album, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	out := make([]model.Album, 0, len(m.albums))
	for _, a := range m.albums {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockStore) UpsertAlbum(ctx context.Context, a model.Album) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.op("UpsertAlbum:" + a.ID)
	m.albums[a.ID] = a
	return nil
}

func (m *mockStore) ReplaceAlbums(ctx context.Context, albums []model.Album) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.op("ReplaceAlbums")
	m.albums = make(map[string]model.Album, len(albums))
	for _, a := range albums {
		m.albums[a.ID] = a
	}
	return nil
}

func (m *mockStore) RemoveAlbum(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.op("RemoveAlbum:" + id)
	delete(m.albums, id)
	return nil
}

func (m *mockStore) Meta(ctx context.Context, c model.Collection) (*model.CollectionMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	meta, ok := m.metas[c]
	if !ok {
		return nil, nil
	}
	return &meta, nil
}

func (m *mockStore) PutMeta(ctx context.Context, meta model.CollectionMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putMetaErr != nil {
		return m.putMetaErr
	}
	m.op("PutMeta:" + string(meta.Collection))
	m.metas[meta.Collection] = meta
	return nil
}

func (m *mockStore) InvalidateTrackPages(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.op("InvalidateTrackPages:" + key)
	m.invalidated = append(m.invalidated, key)
	for k := range m.trackPages {
		if k == key || strings.HasPrefix(k, key+":") {
			delete(m.trackPages, k)
		}
	}
	return nil
}

func (m *mockStore) seedPlaylist(p model.Playlist) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.playlists[p.ID] = p
}

func (m *mockStore) seedAlbum(a model.Album) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.albums[a.ID] = a
}

func (m *mockStore) seedMeta(meta model.CollectionMeta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metas[meta.Collection] = meta
}

func (m *mockStore) seedTrackPage(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackPages[key] = struct{}{}
}

func (m *mockStore) hasTrackPage(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.trackPages[key]
	return ok
}

func (m *mockStore) invalidations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.invalidated))
	copy(out, m.invalidated)
	return out
}

// capture is a Listener that records every snapshot it receives.
type capture struct {
	mu    sync.Mutex
	snaps []model.Snapshot
}

func (c *capture) listen(s model.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps = append(c.snaps, s)
}

func (c *capture) all() []model.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Snapshot, len(c.snaps))
	copy(out, c.snaps)
	return out
}

func (c *capture) last() model.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.snaps) == 0 {
		return model.Snapshot{}
	}
	return c.snaps[len(c.snaps)-1]
}
