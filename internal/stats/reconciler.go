// Package stats reconciles play statistics between device trees and the collection.
package stats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"portable-sync/internal/itemtree"
	"portable-sync/internal/metrics"
	"portable-sync/internal/models"
)

// Collection is the subset of the collection database the reconciler needs.
type Collection interface {
	// Lookup returns the collection record equivalent to a device track.
	Lookup(track models.Track) (models.Track, bool, error)
	RecordPlay(locator string, at time.Time) error
	SetRating(locator string, rating int) error
	MarkListened(locator string) error
}

// Reconciler moves statistics in both directions. Neither direction ever
// lowers a counter, rating or timestamp.
type Reconciler struct {
	collection Collection
	logger     *log.Logger
}

// New creates a reconciler over c.
func New(c Collection, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.Default()
	}
	return &Reconciler{collection: c, logger: logger}
}

// Pull replays plays recorded by the device into the collection and marks
// played podcast episodes as listened. Replayed plays are cleared on the
// device node so a second pull does not count them again. It returns the
// number of nodes that contributed.
func (r *Reconciler) Pull(ctx context.Context, tree *itemtree.Tree, minLength float64) (int, error) {
	var (
		n    int
		errs []error
	)
	eachTrack(tree, func(node *itemtree.Node, meta models.Track) bool {
		if ctx.Err() != nil {
			return false
		}
		if !plausible(meta, minLength) {
			r.logger.Debugf("skipping stats of %q: below heuristic", node.Name)
			return true
		}
		st := meta.Stats
		if st.RecentPlays == 0 && st.Rating == 0 && !(meta.IsPodcast() && st.PlayCount > 0) {
			return true
		}
		lib, ok, err := r.collection.Lookup(meta)
		if err != nil {
			errs = append(errs, err)
			return true
		}
		if !ok {
			r.logger.Debugf("no collection entry for %s - %s", meta.Artist, meta.Title)
			return true
		}

		at := st.LastPlayed
		if at.IsZero() {
			at = time.Now()
		}
		for i := 0; i < st.RecentPlays; i++ {
			if err := r.collection.RecordPlay(lib.URL, at); err != nil {
				errs = append(errs, fmt.Errorf("record play of %s: %w", lib.URL, err))
				return true
			}
		}
		if st.Rating > lib.Stats.Rating {
			if err := r.collection.SetRating(lib.URL, st.Rating); err != nil {
				errs = append(errs, fmt.Errorf("rate %s: %w", lib.URL, err))
			}
		}
		if meta.IsPodcast() && st.RecentPlays+st.PlayCount > 0 && !lib.Stats.Listened {
			if err := r.collection.MarkListened(lib.URL); err != nil {
				errs = append(errs, fmt.Errorf("mark %s listened: %w", lib.URL, err))
			}
		}
		if st.RecentPlays > 0 {
			node.UpdateStats(func(s *models.Stats) { s.RecentPlays = 0 })
		}
		n++
		return true
	})
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	metrics.RecordStats("pull", n)
	r.logger.Infof("pulled statistics of %d tracks from %s", n, tree.Device())
	return n, errors.Join(errs...)
}

// Push raises device statistics to the collection's values. It returns the
// number of nodes changed.
func (r *Reconciler) Push(ctx context.Context, tree *itemtree.Tree) (int, error) {
	var (
		n    int
		errs []error
	)
	eachTrack(tree, func(node *itemtree.Node, meta models.Track) bool {
		if ctx.Err() != nil {
			return false
		}
		lib, ok, err := r.collection.Lookup(meta)
		if err != nil {
			errs = append(errs, err)
			return true
		}
		if !ok {
			return true
		}
		if !raises(meta.Stats, lib.Stats) {
			return true
		}
		node.UpdateStats(func(s *models.Stats) { Raise(s, lib.Stats) })
		n++
		return true
	})
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	metrics.RecordStats("push", n)
	r.logger.Infof("pushed statistics of %d tracks to %s", n, tree.Device())
	return n, errors.Join(errs...)
}

// Raise copies each field of src onto dst when it is greater or newer.
func Raise(dst *models.Stats, src models.Stats) {
	if src.PlayCount > dst.PlayCount {
		dst.PlayCount = src.PlayCount
	}
	if src.Rating > dst.Rating {
		dst.Rating = src.Rating
	}
	if src.LastPlayed.After(dst.LastPlayed) {
		dst.LastPlayed = src.LastPlayed
	}
	if src.Listened {
		dst.Listened = true
	}
}

func raises(dst, src models.Stats) bool {
	return src.PlayCount > dst.PlayCount ||
		src.Rating > dst.Rating ||
		src.LastPlayed.After(dst.LastPlayed) ||
		(src.Listened && !dst.Listened)
}

// plausible filters junk entries. Unknown length passes.
func plausible(t models.Track, minLength float64) bool {
	if strings.TrimSpace(t.Artist) == "" || strings.TrimSpace(t.Title) == "" {
		return false
	}
	return t.LengthSeconds == 0 || t.LengthSeconds >= minLength
}

// eachTrack visits track and podcast nodes in post-order, skipping playlist
// duplicates. fn returns false to stop.
func eachTrack(tree *itemtree.Tree, fn func(*itemtree.Node, models.Track) bool) {
	if tree == nil {
		return
	}
	stopped := false
	tree.Top().Walk(func(node *itemtree.Node) {
		if stopped {
			return
		}
		if node.Kind != itemtree.KindTrack && node.Kind != itemtree.KindPodcastItem {
			return
		}
		if node.HasAncestor(itemtree.KindPlaylist) {
			return
		}
		meta, ok := node.Track()
		if !ok {
			return
		}
		if !fn(node, meta) {
			stopped = true
		}
	})
}
