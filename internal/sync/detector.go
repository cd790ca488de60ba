package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/avosseberg/cratesync/internal/model"
)

// noMetaCount stands in for "never validated". It can never equal a real
// count, so a collection with no meta record always reads as changed.
const noMetaCount = -1

// Detector decides, cheaply, whether a reconciliation is needed. It compares
// the three cached counts against three freshly fetched ones; it deliberately
// does not catch in-place edits that leave a collection's size unchanged —
// those are picked up by the reconciler's version-token comparison whenever a
// sync runs for another reason.
type Detector struct {
	gw    Gateway
	store LibraryStore
	log   *slog.Logger
}

// NewDetector creates a Detector wired to the given gateway and store.
func NewDetector(gw Gateway, store LibraryStore, logger *slog.Logger) *Detector {
	return &Detector{gw: gw, store: store, log: logger}
}

// DetectChanges issues the three count requests concurrently, joins them, and
// compares each against the collection's last known authoritative count.
func (d *Detector) DetectChanges(ctx context.Context) (model.LibraryChanges, error) {
	var changes model.LibraryChanges

	counts := make([]int, 3)
	errs := make([]error, 3)
	fetch := []func(context.Context) (int, error){
		d.gw.PlaylistCount,
		d.gw.AlbumCount,
		d.gw.LikedSongsCount,
	}

	var wg sync.WaitGroup
	for i, fn := range fetch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			counts[i], errs[i] = fn(ctx)
		}()
	}
	wg.Wait()

	names := []model.Collection{model.CollectionPlaylists, model.CollectionAlbums, model.CollectionLikedSongs}
	for i, err := range errs {
		if err != nil {
			return changes, fmt.Errorf("counting %s: %w", names[i], err)
		}
	}

	changes.PlaylistCount = counts[0]
	changes.AlbumCount = counts[1]
	changes.LikedSongsCount = counts[2]

	cached := make([]int, 3)
	for i, c := range names {
		meta, err := d.store.Meta(ctx, c)
		if err != nil {
			return changes, fmt.Errorf("reading meta for %s: %w", c, err)
		}
		if meta == nil {
			cached[i] = noMetaCount
			continue
		}
		cached[i] = meta.TotalCount
	}

	changes.PlaylistsChanged = counts[0] != cached[0]
	changes.AlbumsChanged = counts[1] != cached[1]
	changes.LikedSongsChanged = counts[2] != cached[2]

	d.log.Debug("change detection complete",
		"playlists", changes.PlaylistsChanged,
		"albums", changes.AlbumsChanged,
		"liked_songs", changes.LikedSongsChanged,
	)

	return changes, nil
}
