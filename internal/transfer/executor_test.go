package transfer

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/charmbracelet/log"

	"portable-sync/internal/config"
	"portable-sync/internal/driver"
	"portable-sync/internal/driver/drivertest"
	"portable-sync/internal/itemtree"
	"portable-sync/internal/models"
	"portable-sync/internal/notify"
	"portable-sync/internal/queue"
	"portable-sync/internal/session"
	"portable-sync/internal/transcode"
)

type recordingNotifier struct {
	mu       sync.Mutex
	notices  []string
	reports  []string
	severity []notify.Severity
}

func (r *recordingNotifier) Notice(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, msg)
}

func (r *recordingNotifier) Report(sev notify.Severity, summary string, _ []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, summary)
	r.severity = append(r.severity, sev)
}

func (r *recordingNotifier) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notices) + len(r.reports)
}

type fakeResolver struct {
	query     []models.Track
	playlists map[string][]models.Track
}

func (f *fakeResolver) Query(string) ([]models.Track, error) { return f.query, nil }

func (f *fakeResolver) Playlist(locator string) ([]models.Track, error) {
	if tracks, ok := f.playlists[locator]; ok {
		return tracks, nil
	}
	return nil, errors.New("unknown playlist")
}

type fakeTranscoder struct {
	dir   string
	fail  bool
	calls int
}

func (f *fakeTranscoder) Start(_ context.Context, src, format string) <-chan transcode.Result {
	f.calls++
	out := make(chan transcode.Result, 1)
	if f.fail {
		out <- transcode.Result{Err: errors.New("encoder missing")}
		close(out)
		return out
	}
	path := filepath.Join(f.dir, filepath.Base(src)+"."+format)
	if err := os.WriteFile(path, []byte("converted"), 0o644); err != nil {
		out <- transcode.Result{Err: err}
	} else {
		out <- transcode.Result{Path: path}
	}
	close(out)
	return out
}

type fixture struct {
	drv      *drivertest.Driver
	sess     *session.Session
	queue    *queue.Queue
	notifier *recordingNotifier
	exec     *Executor
	resolver *fakeResolver
}

func newFixture(t *testing.T, drv *drivertest.Driver, profile config.DeviceProfile, tc Transcoder) *fixture {
	t.Helper()
	logger := log.New(io.Discard)
	n := &recordingNotifier{}
	resolver := &fakeResolver{playlists: map[string][]models.Track{}}
	q := queue.New(queue.Options{
		Path:     filepath.Join(t.TempDir(), "transferlist.xml"),
		Resolver: resolver,
		Notifier: n,
		Logger:   logger,
	})
	s := session.New(session.Options{
		Info:     driver.Info{ID: "dev", Name: "Player", Tag: "test"},
		Profile:  profile,
		Driver:   drv,
		Notifier: n,
		Logger:   logger,
		Hook:     func(context.Context, string) error { return nil },
	})
	if err := s.Connect(context.Background(), false); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	e := New(Options{Queue: q, Transcoder: tc, Notifier: n, Logger: logger})
	return &fixture{drv: drv, sess: s, queue: q, notifier: n, exec: e, resolver: resolver}
}

func track(artist, title, ext string) models.Track {
	return models.Track{URL: "/music/" + title + "." + ext, Artist: artist, Album: "Album", Title: title, FileType: ext, FilesizeBytes: 2048}
}

func (f *fixture) enqueue(t *testing.T, tr models.Track, group string) queue.Entry {
	t.Helper()
	e, err := f.queue.EnqueueTrack(tr.URL, &tr, group)
	if err != nil {
		t.Fatalf("EnqueueTrack: %v", err)
	}
	return e
}

func TestRunCopiesAndDrainsQueue(t *testing.T) {
	f := newFixture(t, drivertest.New(), config.DefaultProfile(), nil)
	f.enqueue(t, track("A", "one", "mp3"), "")
	f.enqueue(t, track("A", "two", "mp3"), "")

	sum, err := f.exec.Run(context.Background(), f.sess)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Copied != 2 || sum.Completed != 2 || f.queue.Len() != 0 {
		t.Fatalf("unexpected summary %+v, queue %d", sum, f.queue.Len())
	}
	if f.drv.Syncs() != 1 {
		t.Fatalf("expected exactly one synchronize, got %d", f.drv.Syncs())
	}
	if f.sess.State() != session.StateConnected || f.drv.Locked() {
		t.Fatalf("expected the session back to connected and unlocked")
	}
	if cur, total := f.sess.Progress(); cur != 2 || total != 2 {
		t.Fatalf("unexpected progress %d/%d", cur, total)
	}
	if f.notifier.total() != 1 {
		t.Fatalf("expected one notification, got %d", f.notifier.total())
	}
}

func TestUnplayableWithoutTranscodeStaysQueued(t *testing.T) {
	drv := drivertest.New()
	drv.Formats = []string{"mp3"}
	f := newFixture(t, drv, config.DefaultProfile(), nil)
	entry := f.enqueue(t, track("A", "lossless", "flac"), "")

	sum, err := f.exec.Run(context.Background(), f.sess)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(drv.Copied()) != 0 {
		t.Fatalf("copy must not be attempted for unplayable formats")
	}
	if sum.Unplayable != 1 || sum.FailedEntries != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	got, ok := f.queue.Get(entry.ID)
	if !ok || !got.Failed || got.Transferring {
		t.Fatalf("expected failed entry to remain queued, got %+v", got)
	}
	if len(f.notifier.reports) != 1 || f.notifier.severity[0] != notify.SeverityWarning {
		t.Fatalf("expected one aggregated warning, got %v", f.notifier.reports)
	}
}

func TestCancelMidPlaylistKeepsCopiedTracks(t *testing.T) {
	drv := drivertest.New()
	f := newFixture(t, drv, config.DefaultProfile(), nil)

	var tracks []models.Track
	for _, title := range []string{"t1", "t2", "t3", "t4", "t5"} {
		tracks = append(tracks, track("A", title, "mp3"))
	}
	f.resolver.playlists["Road"] = tracks
	entry, err := f.queue.EnqueuePlaylist("Road", "Road", false)
	if err != nil {
		t.Fatalf("EnqueuePlaylist: %v", err)
	}

	copies := 0
	drv.OnCopy = func(models.Track) {
		copies++
		if copies == 2 {
			f.sess.Cancel()
		}
	}

	sum, err := f.exec.Run(context.Background(), f.sess)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(drv.Copied()) != 2 || sum.Copied != 2 {
		t.Fatalf("expected exactly two copied tracks, got %d", len(drv.Copied()))
	}
	if !sum.Canceled {
		t.Fatalf("expected canceled summary")
	}
	got, ok := f.queue.Get(entry.ID)
	if !ok || !got.Failed {
		t.Fatalf("expected the playlist entry to stay queued as failed")
	}
	album := f.sess.Tree().Top().FindChild(itemtree.KindArtist, "A").FindChild(itemtree.KindAlbum, "Album")
	if album == nil || album.ChildCount() != 2 {
		t.Fatalf("expected copied tracks to remain on the device")
	}
	if f.drv.Syncs() != 1 {
		t.Fatalf("expected synchronize after cancel")
	}
}

func TestDisconnectDuringTransferIsDeferred(t *testing.T) {
	drv := drivertest.New()
	f := newFixture(t, drv, config.DefaultProfile(), nil)
	f.enqueue(t, track("A", "one", "mp3"), "")
	f.enqueue(t, track("A", "two", "mp3"), "")

	var during session.State
	drv.OnCopy = func(tr models.Track) {
		if tr.Title != "one" {
			return
		}
		if err := f.sess.Disconnect(context.Background()); err != nil {
			t.Errorf("Disconnect: %v", err)
		}
		during = f.sess.State()
	}

	sum, err := f.exec.Run(context.Background(), f.sess)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if during != session.StateDeferredDisconnect {
		t.Fatalf("expected deferred disconnect while transferring, got %s", during)
	}
	if sum.Copied != 2 {
		t.Fatalf("expected the transfer to finish, got %+v", sum)
	}
	if f.sess.State() != session.StateDisconnected || drv.Closes() != 1 {
		t.Fatalf("expected automatic disconnect after the batch, got %s", f.sess.State())
	}
}

func TestExistingTracksSkippedOrAttached(t *testing.T) {
	drv := drivertest.New()
	drv.Preload = []models.Track{track("A", "one", "mp3")}
	f := newFixture(t, drv, config.DefaultProfile(), nil)
	f.enqueue(t, track("A", "one", "mp3"), "")
	f.enqueue(t, track("A", "one", "mp3"), "Favourites")

	sum, err := f.exec.Run(context.Background(), f.sess)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(drv.Copied()) != 0 {
		t.Fatalf("existing tracks must not be copied again")
	}
	if sum.Existing != 1 || f.queue.Len() != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	pl := f.sess.Tree().Root(itemtree.KindPlaylistsRoot).FindChild(itemtree.KindPlaylist, "Favourites")
	if pl == nil || pl.ChildCount() != 1 || pl.Children()[0].Target == nil {
		t.Fatalf("expected the existing track to be attached to the playlist")
	}
	if len(f.notifier.reports) != 1 || f.notifier.severity[0] != notify.SeverityInfo {
		t.Fatalf("expected one informational report, got %v", f.notifier.reports)
	}
}

func TestTranscodeRemovesTemporaryFile(t *testing.T) {
	drv := drivertest.New()
	drv.Formats = []string{"mp3", "ogg"}
	profile := config.DefaultProfile()
	profile.Transcode = config.TranscodePolicy{Enabled: true, RemoveSourceAfter: true}
	tc := &fakeTranscoder{dir: t.TempDir()}
	f := newFixture(t, drv, profile, tc)

	original := filepath.Join(t.TempDir(), "song.flac")
	if err := os.WriteFile(original, []byte("flac"), 0o644); err != nil {
		t.Fatalf("write original: %v", err)
	}
	tr := track("A", "song", "flac")
	tr.URL = original
	f.enqueue(t, tr, "")

	sum, err := f.exec.Run(context.Background(), f.sess)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	copied := drv.Copied()
	if sum.Copied != 1 || len(copied) != 1 || copied[0].Format() != "mp3" {
		t.Fatalf("expected transcoded copy in the preferred format, got %+v", copied)
	}
	if _, err := os.Stat(copied[0].URL); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected temporary file removed, got %v", err)
	}
	if _, err := os.Stat(original); err != nil {
		t.Fatalf("original file must be kept: %v", err)
	}
}

func TestTranscodeFailure(t *testing.T) {
	drv := drivertest.New()
	drv.Formats = []string{"mp3"}
	profile := config.DefaultProfile()
	profile.Transcode = config.TranscodePolicy{Enabled: true, Always: true}
	tc := &fakeTranscoder{fail: true}
	f := newFixture(t, drv, profile, tc)
	f.enqueue(t, track("A", "lossless", "flac"), "")
	f.enqueue(t, track("A", "lossy", "ogg"), "")
	f.enqueue(t, track("A", "native", "mp3"), "")

	sum, err := f.exec.Run(context.Background(), f.sess)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if tc.calls != 2 {
		t.Fatalf("expected transcodes for non-preferred formats only, got %d", tc.calls)
	}
	if sum.TranscodeFailed != 2 || sum.FailedEntries != 2 || sum.Copied != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if sum.Unplayable != 2 {
		t.Fatalf("expected unconverted formats to count as unplayable, got %d", sum.Unplayable)
	}
	if f.queue.Len() != 2 {
		t.Fatalf("expected the failed entries to stay queued, got %d", f.queue.Len())
	}
	if len(f.notifier.reports) != 1 {
		t.Fatalf("expected a single aggregated report, got %v", f.notifier.reports)
	}
}

func TestTranscodeFailureOnSupportedFormatCopiesOriginal(t *testing.T) {
	drv := drivertest.New()
	drv.Formats = []string{"mp3", "ogg"}
	profile := config.DefaultProfile()
	profile.Transcode = config.TranscodePolicy{Enabled: true, Always: true}
	f := newFixture(t, drv, profile, &fakeTranscoder{fail: true})
	f.enqueue(t, track("A", "lossy", "ogg"), "")

	sum, err := f.exec.Run(context.Background(), f.sess)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.TranscodeFailed != 1 || sum.Copied != 1 || f.queue.Len() != 0 {
		t.Fatalf("expected the original to be copied, got %+v", sum)
	}
	if drv.Copied()[0].Format() != "ogg" {
		t.Fatalf("expected original format")
	}
}

func TestCopyFailureMarksEntry(t *testing.T) {
	drv := drivertest.New()
	bad := track("A", "bad", "mp3")
	drv.FailCopy = map[string]bool{bad.URL: true}
	f := newFixture(t, drv, config.DefaultProfile(), nil)
	entry := f.enqueue(t, bad, "")
	f.enqueue(t, track("A", "good", "mp3"), "")

	sum, err := f.exec.Run(context.Background(), f.sess)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Failed != 1 || sum.Copied != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	var terr *TransferError
	if len(sum.Errors) != 1 || !errors.As(sum.Errors[0], &terr) || !errors.Is(terr, driver.ErrCopyFailed) {
		t.Fatalf("expected a copy transfer error, got %v", sum.Errors)
	}
	if got, ok := f.queue.Get(entry.ID); !ok || !got.Failed {
		t.Fatalf("expected failed entry to remain")
	}
}

func TestSmartPlaylistSyncRemovesStaleMembers(t *testing.T) {
	drv := drivertest.New()
	keep := track("A", "keep", "mp3")
	shared := track("A", "shared", "mp3")
	stale := track("A", "stale", "mp3")
	drv.Preload = []models.Track{keep, shared, stale}
	f := newFixture(t, drv, config.DefaultProfile(), nil)
	tree := f.sess.Tree()

	best, _ := drv.EnsurePlaylist("Best")
	other, _ := drv.EnsurePlaylist("Other")
	for _, tr := range []models.Track{keep, shared, stale} {
		drv.AddToPlaylist(best, tree.FindTrack(tr))
	}
	drv.AddToPlaylist(other, tree.FindTrack(shared))

	f.resolver.query = []models.Track{keep}
	if _, err := f.queue.EnqueuePlaylist("Best", "rating>=8", true); err != nil {
		t.Fatalf("EnqueuePlaylist: %v", err)
	}

	sum, err := f.exec.Run(context.Background(), f.sess)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.PlaylistRemoved != 1 {
		t.Fatalf("expected one stale track removed, got %+v", sum)
	}
	if tree.FindTrack(stale) != nil {
		t.Fatalf("expected stale member deleted from the device")
	}
	if tree.FindTrack(shared) == nil || other.ChildCount() != 1 {
		t.Fatalf("tracks referenced by another playlist must stay")
	}
	if best.ChildCount() != 1 {
		t.Fatalf("expected only the current member in the playlist, got %d", best.ChildCount())
	}
}

func TestLaunchRejectsWhenBusy(t *testing.T) {
	drv := drivertest.New()
	f := newFixture(t, drv, config.DefaultProfile(), nil)
	if err := f.sess.BeginOperation(session.StateDeleting); err != nil {
		t.Fatalf("BeginOperation: %v", err)
	}
	if _, err := f.exec.Launch(context.Background(), f.sess); !errors.Is(err, session.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	f.sess.EndOperation(context.Background())
}
