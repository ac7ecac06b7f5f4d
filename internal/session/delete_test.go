package session

import (
	"context"
	"errors"
	"testing"

	"portable-sync/internal/config"
	"portable-sync/internal/driver"
	"portable-sync/internal/driver/drivertest"
	"portable-sync/internal/itemtree"
	"portable-sync/internal/models"
	"portable-sync/internal/notify"
)

func connected(t *testing.T, drv *drivertest.Driver, profile config.DeviceProfile, prompter notify.Prompter) (*Session, *recordingNotifier) {
	t.Helper()
	s, n, _, _ := newTestSession(drv, profile, prompter)
	if err := s.Connect(context.Background(), false); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return s, n
}

func TestDeleteArtistCountsLeaves(t *testing.T) {
	drv := drivertest.New()
	drv.Preload = []models.Track{song("A", "X", "one"), song("A", "Y", "two"), song("B", "Z", "three")}
	s, _ := connected(t, drv, config.DefaultProfile(), notify.ContextPrompt{Default: notify.AnswerYes})

	artist := s.Tree().Top().FindChild(itemtree.KindArtist, "A")
	res, err := s.Delete(context.Background(), []*itemtree.Node{artist}, driver.DeleteTrack)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if res.Deleted != 2 || res.Failed != 0 {
		t.Fatalf("expected 2 deletions, got %+v", res)
	}
	if s.Tree().Top().FindChild(itemtree.KindArtist, "A") != nil {
		t.Fatalf("expected empty artist to be purged")
	}
	if s.Tree().Top().FindChild(itemtree.KindArtist, "B") == nil {
		t.Fatalf("unrelated artist must stay")
	}
	if drv.Syncs() != 1 {
		t.Fatalf("expected exactly one synchronize, got %d", drv.Syncs())
	}
	if s.State() != StateConnected || drv.Locked() {
		t.Fatalf("expected connected and unlocked after delete")
	}
}

func TestDeleteReportsFailureButTriesSiblings(t *testing.T) {
	drv := drivertest.New()
	drv.Preload = []models.Track{song("A", "X", "one"), song("A", "X", "two"), song("A", "X", "three")}
	drv.FailDelete = map[string]bool{"two": true}
	s, n := connected(t, drv, config.DefaultProfile(), notify.ContextPrompt{Default: notify.AnswerYes})

	artist := s.Tree().Top().FindChild(itemtree.KindArtist, "A")
	res, err := s.Delete(context.Background(), []*itemtree.Node{artist}, driver.DeleteTrack)

	var derr *DeletionError
	if !errors.As(err, &derr) {
		t.Fatalf("expected deletion error, got %v", err)
	}
	if res.Failed != 1 || res.Deleted != 2 {
		t.Fatalf("expected 2 deleted and 1 failed, got %+v", res)
	}
	if len(drv.Deleted()) != 2 {
		t.Fatalf("expected siblings after the failure to be attempted, got %v", drv.Deleted())
	}
	album := artist.FindChild(itemtree.KindAlbum, "X")
	if album == nil || album.ChildCount() != 1 {
		t.Fatalf("expected the failed track to remain")
	}
	if n.count(notify.SeverityError) != 1 {
		t.Fatalf("expected one deletion error report")
	}
}

func TestDeleteRequiresConfirmation(t *testing.T) {
	drv := drivertest.New()
	drv.Preload = []models.Track{song("A", "X", "one")}
	s, _ := connected(t, drv, config.DefaultProfile(), notify.ContextPrompt{Default: notify.AnswerNo})

	artist := s.Tree().Top().FindChild(itemtree.KindArtist, "A")
	if _, err := s.Delete(context.Background(), []*itemtree.Node{artist}, driver.DeleteTrack); !errors.Is(err, ErrDeleteCanceled) {
		t.Fatalf("expected canceled delete, got %v", err)
	}
	ctx := notify.WithAnswer(context.Background(), notify.AnswerCancel)
	if _, err := s.Delete(ctx, []*itemtree.Node{artist}, driver.DeleteTrack|driver.RemoveFromPlaylist); !errors.Is(err, ErrDeleteCanceled) {
		t.Fatalf("expected cancel answer to abort, got %v", err)
	}
	if len(drv.Deleted()) != 0 || s.State() != StateConnected {
		t.Fatalf("expected nothing deleted")
	}
}

func TestDeletePlaylistKeepsTracks(t *testing.T) {
	drv := drivertest.New()
	drv.Preload = []models.Track{song("A", "X", "one"), song("A", "X", "two")}
	s, _ := connected(t, drv, config.DefaultProfile(), nil)
	tree := s.Tree()

	pl, err := drv.EnsurePlaylist("Road")
	if err != nil {
		t.Fatalf("EnsurePlaylist: %v", err)
	}
	album := tree.Top().FindChild(itemtree.KindArtist, "A").FindChild(itemtree.KindAlbum, "X")
	for _, track := range album.Children() {
		if err := drv.AddToPlaylist(pl, track); err != nil {
			t.Fatalf("AddToPlaylist: %v", err)
		}
	}

	res, err := s.Delete(context.Background(), []*itemtree.Node{pl}, driver.DeletePlaylist)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if res.Deleted != 1 {
		t.Fatalf("expected the playlist container only, got %+v", res)
	}
	if tree.Root(itemtree.KindPlaylistsRoot).ChildCount() != 0 {
		t.Fatalf("expected playlist removed")
	}
	if album.ChildCount() != 2 {
		t.Fatalf("expected tracks to stay on the device")
	}
	if tree.Root(itemtree.KindPlaylistsRoot).Visible() {
		t.Fatalf("expected empty playlists root to be hidden")
	}
}

func TestAutoDeletePlayedPodcasts(t *testing.T) {
	played := models.Track{URL: "/p/ep1.mp3", Title: "ep1", Album: "Show", Podcast: &models.PodcastInfo{}, Stats: models.Stats{PlayCount: 1}}
	fresh := models.Track{URL: "/p/ep2.mp3", Title: "ep2", Album: "Show", Podcast: &models.PodcastInfo{}}
	drv := drivertest.New()
	drv.Preload = []models.Track{played, fresh}
	profile := config.DefaultProfile()
	profile.Capabilities.AutoDeletePlayedPodcasts = true

	s, _ := connected(t, drv, profile, notify.ContextPrompt{Default: notify.AnswerNo})

	if got := drv.Deleted(); len(got) != 1 || got[0] != "ep1" {
		t.Fatalf("expected only the played episode deleted without confirmation, got %v", got)
	}
	channel := s.Tree().Root(itemtree.KindPodcastsRoot).FindChild(itemtree.KindPodcastChannel, "Show")
	if channel == nil || channel.ChildCount() != 1 {
		t.Fatalf("expected the unplayed episode to remain")
	}
}

func TestDeleteCanceledStopsAtNextChild(t *testing.T) {
	drv := drivertest.New()
	drv.Preload = []models.Track{song("A", "X", "one"), song("A", "X", "two"), song("A", "X", "three")}
	s, _ := connected(t, drv, config.DefaultProfile(), notify.ContextPrompt{Default: notify.AnswerYes})

	album := s.Tree().Top().FindChild(itemtree.KindArtist, "A").FindChild(itemtree.KindAlbum, "X")
	first := album.Children()[0]
	drv.OnDelete = func(*itemtree.Node) { s.Cancel() }

	res, err := s.Delete(context.Background(), []*itemtree.Node{album}, driver.DeleteTrack)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if res.Deleted != 1 || first.Parent() != nil {
		t.Fatalf("expected exactly the first child deleted, got %+v", res)
	}
	if album.ChildCount() != 2 {
		t.Fatalf("expected no rollback and no further deletions")
	}
	if drv.Syncs() != 1 || s.State() != StateConnected {
		t.Fatalf("expected the batch to finish normally after cancel")
	}
}
