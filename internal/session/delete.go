package session

import (
	"context"
	"errors"
	"fmt"

	"portable-sync/internal/driver"
	"portable-sync/internal/itemtree"
	"portable-sync/internal/metrics"
	"portable-sync/internal/notify"
)

// DeleteResult aggregates a deletion. Failed > 0 means at least one item
// below the selection could not be deleted.
type DeleteResult struct {
	Deleted int
	Failed  int
	Errors  []error
}

func (r *DeleteResult) add(o DeleteResult) {
	r.Deleted += o.Deleted
	r.Failed += o.Failed
	r.Errors = append(r.Errors, o.Errors...)
}

// Delete removes the selected nodes from the device. Deleting underlying
// files needs confirmation from the prompter; a "no" answer keeps the files
// and applies the remaining flags only. The batch runs with the device lock
// held and ends with a single synchronization.
func (s *Session) Delete(ctx context.Context, nodes []*itemtree.Node, flags driver.DeleteFlags) (DeleteResult, error) {
	if flags&driver.DeleteTrack != 0 {
		switch s.prompter.ConfirmDelete(ctx, s.info.ID, countTracks(nodes)) {
		case notify.AnswerYes:
		case notify.AnswerNo:
			flags &^= driver.DeleteTrack
			if flags == 0 {
				return DeleteResult{}, ErrDeleteCanceled
			}
		default:
			return DeleteResult{}, ErrDeleteCanceled
		}
	}

	if err := s.BeginOperation(StateDeleting); err != nil {
		return DeleteResult{}, err
	}
	tree := s.Tree()
	s.SetProgressTotal(len(nodes))

	var res DeleteResult
	for _, n := range nodes {
		if s.Canceled() {
			break
		}
		res.add(s.deleteNode(ctx, tree, n, flags))
		s.AdvanceProgress()
	}
	s.finishDeletion(ctx, tree)
	s.EndOperation(ctx)

	metrics.RecordDeletion(res.Deleted, res.Failed)
	if res.Failed > 0 {
		err := &DeletionError{Device: s.info.ID, Deleted: res.Deleted, Failed: res.Failed, Err: errors.Join(res.Errors...)}
		s.logger.Errorf("%v", err)
		details := make([]string, 0, len(res.Errors))
		for _, e := range res.Errors {
			details = append(details, e.Error())
		}
		s.notifier.Report(notify.SeverityError, fmt.Sprintf("%d items could not be deleted from %s", res.Failed, s.info.Name), details)
		return res, err
	}
	s.logger.Infof("deleted %d items from %s", res.Deleted, s.info.ID)
	return res, nil
}

// deleteNode removes children before their parent. Siblings are attempted
// even after a failure; cancellation is observed after each child.
func (s *Session) deleteNode(ctx context.Context, tree *itemtree.Tree, n *itemtree.Node, flags driver.DeleteFlags) DeleteResult {
	var res DeleteResult
	if n.Parent() == nil && n != tree.Top() {
		// already removed together with an earlier node
		return res
	}

	for _, c := range n.Children() {
		res.add(s.deleteNode(ctx, tree, c, flags))
		if s.Canceled() {
			return res
		}
	}

	if n == tree.Top() || n.Kind.IsRoot() {
		return res
	}
	switch n.Kind {
	case itemtree.KindArtist, itemtree.KindAlbum, itemtree.KindPodcastChannel, itemtree.KindDirectory, itemtree.KindUnknown:
		return res
	}

	err := s.drv.DeleteItemFromDevice(ctx, n, flags)
	switch {
	case err == nil:
		res.Deleted++
	case errors.Is(err, driver.ErrNotApplicable):
	default:
		res.Failed++
		res.Errors = append(res.Errors, fmt.Errorf("%s: %w", n.Name, err))
	}
	return res
}

func (s *Session) finishDeletion(ctx context.Context, tree *itemtree.Tree) {
	tree.PurgeEmptyItems(tree.Top())
	tree.UpdateRootVisibility()
	if err := s.drv.SynchronizeDevice(ctx); err != nil {
		s.logger.Errorf("synchronize %s after delete: %v", s.info.ID, err)
	}
}

// deletePlayedPodcasts removes episodes the device has played. It runs
// during connect with the device lock already held and asks for no
// confirmation.
func (s *Session) deletePlayedPodcasts(ctx context.Context, tree *itemtree.Tree) {
	var played []*itemtree.Node
	tree.Root(itemtree.KindPodcastsRoot).Walk(func(n *itemtree.Node) {
		if n.Kind != itemtree.KindPodcastItem {
			return
		}
		if t, ok := n.Track(); ok && (t.Stats.PlayCount > 0 || t.Stats.Listened) {
			played = append(played, n)
		}
	})
	if len(played) == 0 {
		return
	}

	var res DeleteResult
	for _, n := range played {
		res.add(s.deleteNode(ctx, tree, n, driver.DeleteTrack))
	}
	s.finishDeletion(ctx, tree)
	metrics.RecordDeletion(res.Deleted, res.Failed)
	if res.Failed > 0 {
		err := &DeletionError{Device: s.info.ID, Deleted: res.Deleted, Failed: res.Failed, Err: errors.Join(res.Errors...)}
		s.logger.Errorf("%v", err)
		s.notifier.Report(notify.SeverityError, "Some played podcasts could not be removed from "+s.info.Name, []string{err.Error()})
		return
	}
	s.logger.Infof("removed %d played podcast episodes from %s", res.Deleted, s.info.ID)
}

func countTracks(nodes []*itemtree.Node) int {
	count := 0
	seen := make(map[uint64]bool)
	for _, n := range nodes {
		n.Walk(func(c *itemtree.Node) {
			if seen[c.ID] {
				return
			}
			seen[c.ID] = true
			if c.Kind.IsTrackLike() || c.Kind == itemtree.KindPlaylistItem {
				count++
			}
		})
	}
	return count
}
