package spotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/avosseberg/cratesync/internal/model"
)

const defaultBaseURL = "https://api.spotify.com/v1"

// ErrUnauthorized is returned when the API rejects the access token. The
// engine treats an unauthenticated gateway as "serve empty, do not poll".
var ErrUnauthorized = errors.New("spotify: access token rejected")

// apiError is a non-2xx API response.
type apiError struct {
	status int
}

func (e *apiError) Error() string {
	return fmt.Sprintf("spotify API error: status %d", e.status)
}

// Client talks to the Spotify Web API on behalf of one user. All requests
// pass through a client-side rate limiter and the [Retry] backoff helper;
// 429 and 5xx responses are retried, everything else fails fast.
type Client struct {
	baseURL  string
	hc       *http.Client
	limiter  *rate.Limiter
	pageSize int
	log      *slog.Logger
	authed   bool
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL. Intended for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient replaces the oauth2-derived HTTP client. Intended for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithPageSize sets the page size used by PlaylistsPage, AlbumsPage, and the
// interleaved fetch. The API caps pages at 50.
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 && n <= 50 {
			c.pageSize = n
		}
	}
}

// NewClient creates a Client authenticated with the given access token. An
// empty token yields a client whose Authenticated method reports false; the
// engine then skips the cold start entirely.
func NewClient(accessToken string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: defaultBaseURL,
		// Spotify allows bursts but throttles sustained traffic; ~4 req/s
		// keeps a full cold start well under the limit.
		limiter:  rate.NewLimiter(rate.Limit(4), 4),
		pageSize: 50,
		log:      logger,
		authed:   accessToken != "",
	}

	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	c.hc = oauth2.NewClient(context.Background(), src)

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Authenticated reports whether the client holds an access token.
func (c *Client) Authenticated() bool {
	return c.authed
}

// get performs one rate-limited, retried GET and decodes the JSON body into
// result.
func (c *Client) get(ctx context.Context, endpoint string, result any) error {
	return Retry(ctx, defaultMaxAttempts, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
		if err != nil {
			return Permanent(fmt.Errorf("creating request for %s: %w", endpoint, err))
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return Permanent(ctx.Err())
			}
			return fmt.Errorf("requesting %s: %w", endpoint, err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return Permanent(ErrUnauthorized)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return &apiError{status: resp.StatusCode}
		case resp.StatusCode >= 300:
			return Permanent(&apiError{status: resp.StatusCode})
		}

		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return Permanent(fmt.Errorf("decoding %s response: %w", endpoint, err))
		}
		return nil
	})
}

// total requests limit=1 from a paginated endpoint and reads its total field.
// This never enumerates the collection.
func (c *Client) total(ctx context.Context, endpoint string) (int, error) {
	var page pagedTotal
	if err := c.get(ctx, endpoint+"?limit=1", &page); err != nil {
		return 0, err
	}
	return page.Total, nil
}

// PlaylistCount returns the number of playlists in the user's library.
func (c *Client) PlaylistCount(ctx context.Context) (int, error) {
	return c.total(ctx, "/me/playlists")
}

// AlbumCount returns the number of saved albums in the user's library.
func (c *Client) AlbumCount(ctx context.Context) (int, error) {
	return c.total(ctx, "/me/albums")
}

// LikedSongsCount returns the number of liked songs in the user's library.
func (c *Client) LikedSongsCount(ctx context.Context) (int, error) {
	return c.total(ctx, "/me/tracks")
}

// playlistsAt fetches one page of playlists at the given offset.
func (c *Client) playlistsAt(ctx context.Context, offset int) (*PaginatedPlaylists, error) {
	endpoint := "/me/playlists?" + url.Values{
		"limit":  {strconv.Itoa(c.pageSize)},
		"offset": {strconv.Itoa(offset)},
	}.Encode()

	var page PaginatedPlaylists
	if err := c.get(ctx, endpoint, &page); err != nil {
		return nil, fmt.Errorf("fetching playlists page at %d: %w", offset, err)
	}
	return &page, nil
}

// albumsAt fetches one page of saved albums at the given offset.
func (c *Client) albumsAt(ctx context.Context, offset int) (*PaginatedAlbums, error) {
	endpoint := "/me/albums?" + url.Values{
		"limit":  {strconv.Itoa(c.pageSize)},
		"offset": {strconv.Itoa(offset)},
	}.Encode()

	var page PaginatedAlbums
	if err := c.get(ctx, endpoint, &page); err != nil {
		return nil, fmt.Errorf("fetching albums page at %d: %w", offset, err)
	}
	return &page, nil
}

// PlaylistsPage fetches the first page of the user's playlists and reports
// whether more pages exist beyond it.
func (c *Client) PlaylistsPage(ctx context.Context) ([]model.Playlist, bool, error) {
	page, err := c.playlistsAt(ctx, 0)
	if err != nil {
		return nil, false, err
	}

	items := make([]model.Playlist, 0, len(page.Items))
	for _, p := range page.Items {
		items = append(items, p.toModel())
	}
	return items, page.Next != nil, nil
}

// AlbumsPage fetches the first page of the user's saved albums and reports
// whether more pages exist beyond it.
func (c *Client) AlbumsPage(ctx context.Context) ([]model.Album, bool, error) {
	page, err := c.albumsAt(ctx, 0)
	if err != nil {
		return nil, false, err
	}

	items := make([]model.Album, 0, len(page.Items))
	for _, a := range page.Items {
		items = append(items, a.toModel())
	}
	return items, page.Next != nil, nil
}

// LibraryInterleaved drives the cold-start progressive load. It alternates
// playlist and album page fetches so both collections fill in roughly
// together, invoking each callback after every page with the accumulated set
// so far and a complete flag. Callbacks run on the calling goroutine.
func (c *Client) LibraryInterleaved(
	ctx context.Context,
	onPlaylists func(items []model.Playlist, complete bool),
	onAlbums func(items []model.Album, complete bool),
) error {
	var (
		playlists     []model.Playlist
		albums        []model.Album
		plOffset      int
		alOffset      int
		plDone, alDone bool
	)

	for !plDone || !alDone {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !plDone {
			page, err := c.playlistsAt(ctx, plOffset)
			if err != nil {
				return err
			}
			for _, p := range page.Items {
				playlists = append(playlists, p.toModel())
			}
			plOffset += c.pageSize
			plDone = page.Next == nil
			onPlaylists(playlists, plDone)
		}

		if !alDone {
			page, err := c.albumsAt(ctx, alOffset)
			if err != nil {
				return err
			}
			for _, a := range page.Items {
				albums = append(albums, a.toModel())
			}
			alOffset += c.pageSize
			alDone = page.Next == nil
			onAlbums(albums, alDone)
		}
	}
	return nil
}
