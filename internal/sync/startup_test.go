package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/avosseberg/cratesync/internal/model"
)

func TestStart_WarmBroadcastsCacheBeforeValidation(t *testing.T) {
	st := newMockStore()
	st.seedPlaylist(testPlaylist("p1", "s1"))
	st.seedPlaylist(testPlaylist("p2", "s2"))
	st.seedAlbum(testAlbum("a1"))
	seedCounts(st, 2, 1, 9)

	gw := &mockGateway{authenticated: true, playlistCount: 2, albumCount: 1, likedCount: 9}
	e := NewEngine(gw, st, nil, time.Hour, testLogger())

	var c capture
	e.Subscribe(c.listen)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	// The cached library must be broadcast before the validation cycle has
	// had a chance to finish.
	var warm *model.Snapshot
	for _, s := range c.all() {
		if s.Playlists != nil {
			warm = &s
			break
		}
	}
	if warm == nil {
		t.Fatal("no snapshot carried the cached playlists")
	}
	if len(warm.Playlists) != 2 || len(warm.Albums) != 1 {
		t.Errorf("warm snapshot incomplete: %d playlists, %d albums", len(warm.Playlists), len(warm.Albums))
	}
	if !warm.State.InitialLoadComplete {
		t.Error("warm snapshot must carry InitialLoadComplete")
	}
	if warm.State.LastSyncAt != nil {
		t.Error("validation finished before the cache was broadcast")
	}
	if warm.LikedCount == nil || *warm.LikedCount != 9 {
		t.Errorf("LikedCount = %v, want 9", warm.LikedCount)
	}

	// Counts match the cache, so validation must leave the store untouched.
	if ops := st.mutations(); len(ops) != 0 {
		t.Errorf("unchanged library caused store writes: %v", ops)
	}
	if state := e.State(); state.LastSyncAt == nil || state.Error != "" {
		t.Errorf("final state = %+v, want successful validation", state)
	}
}

func TestStart_ColdStreamsPartialSnapshots(t *testing.T) {
	all := make([]model.Playlist, 7)
	for i := range all {
		all[i] = testPlaylist(string(rune('a'+i)), "s")
	}
	albums := []model.Album{testAlbum("a1"), testAlbum("a2")}

	gw := &mockGateway{authenticated: true, likedCount: 5}
	gw.interleavedFn = func(ctx context.Context,
		onPlaylists func([]model.Playlist, bool),
		onAlbums func([]model.Album, bool)) error {
		onPlaylists(all[:3], false)
		onAlbums(albums, true)
		onPlaylists(all, true)
		return nil
	}

	st := newMockStore()
	e := NewEngine(gw, st, nil, time.Hour, testLogger())

	var c capture
	e.Subscribe(c.listen)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	var playlistSizes []int
	for _, s := range c.all() {
		if s.Playlists != nil {
			playlistSizes = append(playlistSizes, len(s.Playlists))
		}
	}
	if len(playlistSizes) != 2 || playlistSizes[0] != 3 || playlistSizes[1] != 7 {
		t.Errorf("playlist snapshot sizes = %v, want [3 7]", playlistSizes)
	}

	stored, _ := st.Playlists(context.Background())
	if len(stored) != 7 {
		t.Errorf("persisted %d playlists, want 7", len(stored))
	}
	for _, p := range stored {
		if p.AddedAt.IsZero() {
			t.Errorf("playlist %s persisted without AddedAt", p.ID)
		}
	}

	meta, _ := st.Meta(context.Background(), model.CollectionPlaylists)
	if meta == nil || meta.TotalCount != 7 {
		t.Fatalf("playlist meta = %+v, want TotalCount 7", meta)
	}
	albumMeta, _ := st.Meta(context.Background(), model.CollectionAlbums)
	if albumMeta == nil || albumMeta.TotalCount != 2 {
		t.Fatalf("album meta = %+v, want TotalCount 2", albumMeta)
	}
	likedMeta, _ := st.Meta(context.Background(), model.CollectionLikedSongs)
	if likedMeta == nil || likedMeta.TotalCount != 5 {
		t.Fatalf("liked meta = %+v, want TotalCount 5", likedMeta)
	}

	state := e.State()
	if !state.InitialLoadComplete || state.LastSyncAt == nil || state.Error != "" {
		t.Errorf("final state = %+v, want completed load", state)
	}
}

func TestStart_ColdUnauthenticated(t *testing.T) {
	gw := &mockGateway{authenticated: false}
	st := newMockStore()
	e := NewEngine(gw, st, nil, time.Hour, testLogger())

	var c capture
	e.Subscribe(c.listen)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	last := c.last()
	if !last.State.InitialLoadComplete {
		t.Error("unauthenticated start must still complete the initial load")
	}
	if last.Playlists != nil || last.Albums != nil || last.LikedCount != nil {
		t.Errorf("expected an empty snapshot, got %+v", last)
	}
	if n := gw.callCount("LibraryInterleaved"); n != 0 {
		t.Errorf("library fetched despite missing auth: %d calls", n)
	}
	if n := gw.callCount("PlaylistCount"); n != 0 {
		t.Errorf("change detection ran despite missing auth: %d calls", n)
	}
}

func TestStart_ColdFetchFailureStillCompletesInitialLoad(t *testing.T) {
	gw := &mockGateway{authenticated: true}
	gw.interleavedFn = func(context.Context, func([]model.Playlist, bool), func([]model.Album, bool)) error {
		return errors.New("bad gateway")
	}
	st := newMockStore()
	e := NewEngine(gw, st, nil, time.Hour, testLogger())

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("a fetch failure must not reject Start, got %v", err)
	}
	defer e.Stop()

	state := e.State()
	if !state.InitialLoadComplete {
		t.Error("InitialLoadComplete must be set even after a failed load")
	}
	if state.Error == "" {
		t.Error("load failure not surfaced in state")
	}
}

func TestStart_ColdPersistFailureRejectsStart(t *testing.T) {
	gw := &mockGateway{authenticated: true, playlists: []model.Playlist{testPlaylist("p1", "s1")}}
	st := newMockStore()
	st.writeErr = errors.New("disk full")
	e := NewEngine(gw, st, nil, time.Hour, testLogger())

	if err := e.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail when the cache cannot be written")
	}
}
