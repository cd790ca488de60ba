package spotify

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/avosseberg/cratesync/internal/model"
)

var testLogger = slog.Default()

// testClient returns a Client pointed at the given handler.
func testClient(t *testing.T, handler http.Handler, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithBaseURL(srv.URL), WithHTTPClient(srv.Client())}, opts...)
	return NewClient("test-token", testLogger, opts...)
}

func TestAuthenticated(t *testing.T) {
	if !NewClient("tok", testLogger).Authenticated() {
		t.Error("Authenticated() = false with token")
	}
	if NewClient("", testLogger).Authenticated() {
		t.Error("Authenticated() = true without token")
	}
}

func TestPlaylistCount_UsesLimitOne(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/me/playlists" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("limit"); got != "1" {
			t.Errorf("limit = %q, want 1 (count must not enumerate)", got)
		}
		fmt.Fprint(w, `{"items":[{"id":"p1"}],"total":37}`)
	}))

	got, err := c.PlaylistCount(t.Context())
	if err != nil {
		t.Fatalf("PlaylistCount: %v", err)
	}
	if got != 37 {
		t.Errorf("count = %d, want 37", got)
	}
}

func TestPlaylistsPage_ConvertsAndReportsMore(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"items": [{
				"id": "p1",
				"name": "Morning Mix",
				"owner": {"id": "u1", "display_name": "ana"},
				"tracks": {"total": 12},
				"images": [{"url": "https://img/p1"}],
				"snapshot_id": "snap-1"
			}],
			"total": 80,
			"next": "https://api.spotify.com/v1/me/playlists?offset=50"
		}`)
	}))

	items, hasMore, err := c.PlaylistsPage(t.Context())
	if err != nil {
		t.Fatalf("PlaylistsPage: %v", err)
	}
	if !hasMore {
		t.Error("hasMore = false, want true (next link present)")
	}
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	want := model.Playlist{
		ID: "p1", Name: "Morning Mix", Owner: "ana",
		TrackCount: 12, ImageURL: "https://img/p1", SnapshotID: "snap-1",
	}
	if items[0] != want {
		t.Errorf("playlist = %+v, want %+v", items[0], want)
	}
	if !items[0].AddedAt.IsZero() {
		t.Error("AddedAt should be zero; the reconciler owns that field")
	}
}

func TestAlbumsPage_ParsesAddedAt(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"items": [{
				"added_at": "2026-02-03T10:00:00Z",
				"album": {
					"id": "a1",
					"name": "Blue Train",
					"artists": [{"id": "ar1", "name": "John Coltrane"}],
					"total_tracks": 5
				}
			}],
			"total": 1,
			"next": null
		}`)
	}))

	items, hasMore, err := c.AlbumsPage(t.Context())
	if err != nil {
		t.Fatalf("AlbumsPage: %v", err)
	}
	if hasMore {
		t.Error("hasMore = true, want false")
	}
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	a := items[0]
	if a.ID != "a1" || a.Artist != "John Coltrane" || a.TrackCount != 5 {
		t.Errorf("album = %+v", a)
	}
	if a.AddedAt.IsZero() {
		t.Error("AddedAt not parsed from added_at")
	}
}

func TestGet_UnauthorizedFailsFast(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.PlaylistCount(t.Context())
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
	if calls.Load() != 1 {
		t.Errorf("server called %d times, want 1 (401 must not retry)", calls.Load())
	}
}

func TestGet_ServerErrorRetries(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"items":[],"total":3}`)
	}))

	got, err := c.AlbumCount(t.Context())
	if err != nil {
		t.Fatalf("AlbumCount after retry: %v", err)
	}
	if got != 3 {
		t.Errorf("count = %d, want 3", got)
	}
	if calls.Load() != 2 {
		t.Errorf("server called %d times, want 2", calls.Load())
	}
}

func TestLibraryInterleaved_StreamsAccumulatedPages(t *testing.T) {
	// Two playlist pages (3 then 7 items total), one album page.
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset := r.URL.Query().Get("offset")
		switch r.URL.Path {
		case "/me/playlists":
			if offset == "0" {
				fmt.Fprint(w, `{
					"items": [{"id":"p1"},{"id":"p2"},{"id":"p3"}],
					"total": 7,
					"next": "https://api.spotify.com/v1/me/playlists?offset=3"
				}`)
			} else {
				fmt.Fprint(w, `{
					"items": [{"id":"p4"},{"id":"p5"},{"id":"p6"},{"id":"p7"}],
					"total": 7,
					"next": null
				}`)
			}
		case "/me/albums":
			fmt.Fprint(w, `{
				"items": [{"added_at":"2026-01-01T00:00:00Z","album":{"id":"a1","name":"One"}}],
				"total": 1,
				"next": null
			}`)
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	}), WithPageSize(3))

	var plCalls [][2]int // len(items), complete as 0/1
	var alCalls int
	err := c.LibraryInterleaved(t.Context(),
		func(items []model.Playlist, complete bool) {
			done := 0
			if complete {
				done = 1
			}
			plCalls = append(plCalls, [2]int{len(items), done})
		},
		func(items []model.Album, complete bool) {
			alCalls++
			if !complete {
				t.Error("single album page should be complete")
			}
			if len(items) != 1 {
				t.Errorf("album items = %d, want 1", len(items))
			}
		},
	)
	if err != nil {
		t.Fatalf("LibraryInterleaved: %v", err)
	}

	want := [][2]int{{3, 0}, {7, 1}}
	if len(plCalls) != len(want) {
		t.Fatalf("playlist callbacks = %d, want %d", len(plCalls), len(want))
	}
	for i := range want {
		if plCalls[i] != want[i] {
			t.Errorf("playlist callback %d = %v, want %v", i, plCalls[i], want[i])
		}
	}
	if alCalls != 1 {
		t.Errorf("album callbacks = %d, want 1", alCalls)
	}
}
