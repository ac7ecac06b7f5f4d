// Package transfer drains the transfer queue onto a connected device.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"portable-sync/internal/config"
	"portable-sync/internal/driver"
	"portable-sync/internal/itemtree"
	"portable-sync/internal/metrics"
	"portable-sync/internal/models"
	"portable-sync/internal/notify"
	"portable-sync/internal/queue"
	"portable-sync/internal/session"
	"portable-sync/internal/stats"
	"portable-sync/internal/transcode"
)

// Category classifies a per-track problem.
type Category int

const (
	CategoryExists Category = iota
	CategoryUnplayable
	CategoryTranscodeFailed
	CategoryCopyFailed
	CategoryResolveFailed
)

func (c Category) String() string {
	switch c {
	case CategoryExists:
		return "already on device"
	case CategoryUnplayable:
		return "unplayable"
	case CategoryTranscodeFailed:
		return "transcode failed"
	case CategoryResolveFailed:
		return "playlist unavailable"
	default:
		return "copy failed"
	}
}

var (
	// ErrAlreadyOnDevice marks a track skipped because the device has it.
	ErrAlreadyOnDevice = errors.New("already on device")
	// ErrUnplayable marks a format the device cannot play.
	ErrUnplayable = errors.New("format not supported by device")
)

// TransferError records a per-track problem in a batch.
type TransferError struct {
	Locator  string
	Category Category
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Locator, e.Category, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Summary describes a finished batch.
type Summary struct {
	Copied          int              `json:"copied"`
	Existing        int              `json:"existing"`
	Unplayable      int              `json:"unplayable"`
	TranscodeFailed int              `json:"transcode_failed"`
	Failed          int              `json:"failed"`
	Completed       int              `json:"completed_entries"`
	FailedEntries   int              `json:"failed_entries"`
	PlaylistRemoved int              `json:"playlist_removed"`
	Canceled        bool             `json:"canceled"`
	Errors          []*TransferError `json:"-"`
}

// Transcoder starts a conversion and delivers one result on the channel.
type Transcoder interface {
	Start(ctx context.Context, src, format string) <-chan transcode.Result
}

// Options configures an executor.
type Options struct {
	Queue      *queue.Queue
	Transcoder Transcoder
	Notifier   notify.Notifier
	Logger     *log.Logger
	// OnProgress receives throttled progress updates.
	OnProgress       func(device string, current, total int)
	ProgressInterval time.Duration
}

// Executor runs transfer batches. One executor may serve many sessions.
type Executor struct {
	queue      *queue.Queue
	transcoder Transcoder
	notifier   notify.Notifier
	logger     *log.Logger
	onProgress func(string, int, int)
	interval   time.Duration
}

// New creates an executor.
func New(opts Options) *Executor {
	e := &Executor{
		queue:      opts.Queue,
		transcoder: opts.Transcoder,
		notifier:   opts.Notifier,
		logger:     opts.Logger,
		onProgress: opts.OnProgress,
		interval:   opts.ProgressInterval,
	}
	if e.logger == nil {
		e.logger = log.Default()
	}
	if e.notifier == nil {
		e.notifier = notify.NewLogNotifier(e.logger)
	}
	if e.interval <= 0 {
		e.interval = 250 * time.Millisecond
	}
	return e
}

// Run transfers the queue to s and waits for the batch to finish.
func (e *Executor) Run(ctx context.Context, s *session.Session) (Summary, error) {
	done, err := e.Launch(ctx, s)
	if err != nil {
		return Summary{}, err
	}
	return <-done, nil
}

// Launch moves s into the transferring state and drains the queue on a new
// goroutine. The channel receives the summary once the device lock is released.
func (e *Executor) Launch(ctx context.Context, s *session.Session) (<-chan Summary, error) {
	if err := s.BeginOperation(session.StateTransferring); err != nil {
		return nil, err
	}
	done := make(chan Summary, 1)
	go func() {
		defer close(done)
		done <- e.drain(ctx, s)
	}()
	return done, nil
}

type batch struct {
	e         *Executor
	s         *session.Session
	drv       driver.Driver
	policy    config.TranscodePolicy
	limiter   *rate.Limiter
	sum       Summary
	playlists map[string]*itemtree.Node
}

func (e *Executor) drain(ctx context.Context, s *session.Session) Summary {
	start := time.Now()
	b := &batch{
		e:         e,
		s:         s,
		drv:       s.Driver(),
		policy:    s.Profile().Transcode,
		limiter:   rate.NewLimiter(rate.Every(e.interval), 1),
		playlists: make(map[string]*itemtree.Node),
	}

	entries := e.queue.Entries()
	s.SetProgressTotal(len(entries))
	e.logger.Infof("transferring %d queue entries to %s", len(entries), s.ID())

	for _, entry := range entries {
		if s.Canceled() {
			b.sum.Canceled = true
			break
		}
		e.queue.SetTransferring(entry.ID, true)
		ok := b.runEntry(ctx, entry)
		e.queue.SetTransferring(entry.ID, false)
		if ok {
			e.queue.SetFailed(entry.ID, false)
			e.queue.Complete(entry.ID)
			b.sum.Completed++
		} else {
			e.queue.SetFailed(entry.ID, true)
			b.sum.FailedEntries++
		}
	}
	if s.Canceled() {
		b.sum.Canceled = true
	}

	if err := b.drv.SynchronizeDevice(ctx); err != nil {
		e.logger.Errorf("synchronize %s: %v", s.ID(), err)
	}
	s.EndOperation(ctx)
	if err := e.queue.Save(); err != nil {
		e.logger.Errorf("%v", err)
	}
	e.queue.Recompute()

	metrics.RecordBatch(time.Since(start))
	b.report()
	return b.sum
}

// runEntry reports whether the entry finished without failures.
func (b *batch) runEntry(ctx context.Context, entry queue.Entry) bool {
	tracks, err := b.e.queue.Resolve(entry)
	if err != nil {
		b.record(entry.Locator, CategoryResolveFailed, err)
		b.advance()
		return false
	}

	group := entry.Group
	if entry.IsPlaylist() {
		group = entry.Name
		if len(tracks) > 0 {
			_, total := b.s.Progress()
			b.s.SetProgressTotal(total + len(tracks) - 1)
		}
		b.e.logger.Debugf("playlist %s resolved to %d tracks", entry.Name, len(tracks))
	}
	if len(tracks) == 0 {
		b.advance()
	}

	ok := true
	for i, track := range tracks {
		if i > 0 && b.s.Canceled() {
			return false
		}
		if !b.bundle(ctx, track, group) {
			ok = false
		}
		b.advance()
	}

	if entry.IsPlaylist() && !b.s.Canceled() {
		b.syncPlaylist(ctx, entry.Name, tracks)
	}
	return ok
}

// bundle transfers one track and reports whether it is now on the device.
func (b *batch) bundle(ctx context.Context, track models.Track, group string) bool {
	if node, ok := b.drv.TrackExists(track); ok {
		metrics.RecordTrack(metrics.ResultExists)
		if group == "" {
			b.record(track.URL, CategoryExists, ErrAlreadyOnDevice)
			return true
		}
		b.attach(group, node)
		return true
	}

	formats := b.drv.SupportedFiletypes()
	format := track.Format()
	unsupported := len(formats) > 0 && !contains(formats, format)
	wantTranscode := b.policy.Enabled && len(formats) > 0 && b.e.transcoder != nil &&
		(unsupported || (b.policy.Always && format != formats[0]))

	src := track
	tmp := ""
	if wantTranscode {
		path, err := b.transcode(ctx, track, formats[0])
		if err != nil {
			metrics.RecordTrack(metrics.ResultTranscodeFailed)
			b.record(track.URL, CategoryTranscodeFailed, err)
		} else {
			tmp = path
			src.URL = path
			src.FileType = formats[0]
			if info, err := os.Stat(path); err == nil {
				src.FilesizeBytes = info.Size()
			}
		}
	}
	// Without a converted copy an unsupported format cannot be sent.
	if unsupported && tmp == "" {
		metrics.RecordTrack(metrics.ResultUnplayable)
		b.record(track.URL, CategoryUnplayable, fmt.Errorf("%w: %s", ErrUnplayable, format))
		return false
	}
	if tmp != "" && b.policy.RemoveSourceAfter {
		defer func() {
			if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
				b.e.logger.Warnf("remove transcoded file %s: %v", tmp, err)
			}
		}()
	}

	node, err := b.drv.CopyTrackToDevice(ctx, src)
	if err == nil && node == nil {
		err = driver.ErrCopyFailed
	}
	if err != nil {
		metrics.RecordTrack(metrics.ResultFailed)
		b.record(track.URL, CategoryCopyFailed, err)
		return false
	}

	node.UpdateStats(func(st *models.Stats) { stats.Raise(st, track.Stats) })
	if group != "" {
		b.attach(group, node)
	}
	metrics.RecordTrack(metrics.ResultCopied)
	b.sum.Copied++
	b.e.logger.Debugf("copied %s to %s", track.URL, b.s.ID())
	return true
}

// transcode blocks until the conversion finishes or ctx ends.
func (b *batch) transcode(ctx context.Context, track models.Track, format string) (string, error) {
	select {
	case res := <-b.e.transcoder.Start(ctx, track.LocalPath(), format):
		if res.Err != nil {
			b.e.logger.Warnf("transcode %s to %s: %v", track.URL, format, res.Err)
			return "", res.Err
		}
		return res.Path, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (b *batch) attach(group string, node *itemtree.Node) {
	editor, ok := b.drv.(driver.PlaylistEditor)
	if !ok {
		b.e.logger.Debugf("%s does not support playlists; %s not added to %s", b.s.ID(), node.Name, group)
		return
	}
	pl := b.playlists[group]
	if pl == nil || pl.Parent() == nil {
		var err error
		pl, err = editor.EnsurePlaylist(group)
		if err != nil {
			b.e.logger.Warnf("playlist %s on %s: %v", group, b.s.ID(), err)
			return
		}
		b.playlists[group] = pl
	}
	for _, item := range pl.Children() {
		if item.Target == node {
			return
		}
	}
	if err := editor.AddToPlaylist(pl, node); err != nil {
		b.e.logger.Warnf("add %s to playlist %s: %v", node.Name, group, err)
	}
}

// syncPlaylist drops device tracks of playlist name that are no longer part
// of resolved, unless another playlist still references them.
func (b *batch) syncPlaylist(ctx context.Context, name string, resolved []models.Track) {
	tree := b.s.Tree()
	if tree == nil {
		return
	}
	pl := tree.Root(itemtree.KindPlaylistsRoot).FindChild(itemtree.KindPlaylist, name)
	if pl == nil {
		return
	}

	for _, item := range pl.Children() {
		target := item.Target
		if target == nil {
			continue
		}
		meta, ok := target.Track()
		if !ok || containsSong(resolved, meta) {
			continue
		}
		if err := b.drv.DeleteItemFromDevice(ctx, item, driver.RemoveFromPlaylist); err != nil && !errors.Is(err, driver.ErrNotApplicable) {
			b.e.logger.Warnf("remove %s from playlist %s: %v", item.Name, name, err)
			continue
		}
		if len(tree.PlaylistItemsFor(target)) > 0 {
			continue
		}
		if err := b.drv.DeleteItemFromDevice(ctx, target, driver.DeleteTrack); err != nil {
			if !errors.Is(err, driver.ErrNotApplicable) {
				b.e.logger.Warnf("delete %s from %s: %v", target.Name, b.s.ID(), err)
			}
			continue
		}
		b.sum.PlaylistRemoved++
	}
	tree.PurgeEmptyItems(tree.Top())
	tree.UpdateRootVisibility()
}

func (b *batch) record(locator string, cat Category, err error) {
	switch cat {
	case CategoryExists:
		b.sum.Existing++
	case CategoryUnplayable:
		b.sum.Unplayable++
	case CategoryTranscodeFailed:
		b.sum.TranscodeFailed++
	default:
		b.sum.Failed++
	}
	b.sum.Errors = append(b.sum.Errors, &TransferError{Locator: locator, Category: cat, Err: err})
}

func (b *batch) advance() {
	b.s.AdvanceProgress()
	if b.e.onProgress == nil {
		return
	}
	cur, total := b.s.Progress()
	if cur >= total || b.limiter.Allow() {
		b.e.onProgress(b.s.ID(), cur, total)
	}
}

// report emits the single end-of-batch notification.
func (b *batch) report() {
	sum := b.sum
	name := b.s.Info().Name
	var parts []string
	if sum.Existing > 0 {
		parts = append(parts, fmt.Sprintf("%d already on device", sum.Existing))
	}
	if sum.Unplayable > 0 {
		parts = append(parts, fmt.Sprintf("%d unplayable", sum.Unplayable))
	}
	if sum.TranscodeFailed > 0 {
		parts = append(parts, fmt.Sprintf("%d could not be transcoded", sum.TranscodeFailed))
	}
	if sum.Failed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", sum.Failed))
	}

	summary := fmt.Sprintf("Transferred %d tracks to %s", sum.Copied, name)
	if sum.Canceled {
		summary += " (canceled)"
	}
	if len(parts) == 0 {
		b.e.notifier.Notice(summary)
		return
	}

	details := make([]string, 0, len(sum.Errors))
	for _, err := range sum.Errors {
		details = append(details, err.Error())
	}
	sev := notify.SeverityInfo
	if sum.Unplayable+sum.TranscodeFailed+sum.Failed > 0 {
		sev = notify.SeverityWarning
	}
	b.e.notifier.Report(sev, summary+": "+strings.Join(parts, ", "), details)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func containsSong(tracks []models.Track, t models.Track) bool {
	for _, c := range tracks {
		if c.SameSong(t) {
			return true
		}
	}
	return false
}
