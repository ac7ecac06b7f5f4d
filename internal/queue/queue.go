// Package queue holds the ordered, persisted list of pending transfers.
package queue

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"portable-sync/internal/config"
	"portable-sync/internal/itemtree"
	"portable-sync/internal/metadata"
	"portable-sync/internal/metrics"
	"portable-sync/internal/models"
	"portable-sync/internal/notify"
)

var (
	// ErrDuplicate is returned when an equivalent entry is already queued.
	ErrDuplicate = errors.New("already queued")
	// ErrEntryTransferring is returned when removing an entry that is being copied.
	ErrEntryTransferring = errors.New("entry is being transferred")
	// ErrEntryNotFound is returned for unknown entry ids.
	ErrEntryNotFound = errors.New("queue entry not found")
)

// Kind tells what an entry refers to.
type Kind int

const (
	KindTrack Kind = iota
	KindPlaylist
	KindSmartPlaylist
)

func (k Kind) String() string {
	switch k {
	case KindPlaylist:
		return "playlist"
	case KindSmartPlaylist:
		return "smart-playlist"
	default:
		return "track"
	}
}

// MarshalText renders the kind name in JSON.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a kind name written by MarshalText.
func (k *Kind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "track":
		*k = KindTrack
	case "playlist":
		*k = KindPlaylist
	case "smart-playlist":
		*k = KindSmartPlaylist
	default:
		return fmt.Errorf("unknown entry kind %q", text)
	}
	return nil
}

// Entry is a pending unit of work. For playlist kinds Locator holds the
// playlist locator or, for smart playlists, the query text.
type Entry struct {
	ID           string       `json:"id"`
	Kind         Kind         `json:"kind"`
	Locator      string       `json:"locator"`
	Name         string       `json:"name,omitempty"`
	Group        string       `json:"group,omitempty"`
	Track        models.Track `json:"track"`
	Failed       bool         `json:"failed,omitempty"`
	Transferring bool         `json:"transferring,omitempty"`
}

// IsPlaylist reports whether the entry references a playlist.
func (e Entry) IsPlaylist() bool {
	return e.Kind == KindPlaylist || e.Kind == KindSmartPlaylist
}

// Resolver expands playlist references against the collection.
type Resolver interface {
	Query(q string) ([]models.Track, error)
	Playlist(locator string) ([]models.Track, error)
}

// Presence reports whether a track is already on a connected device.
type Presence func(models.Track) bool

// Options configures a queue.
type Options struct {
	Path     string
	Resolver Resolver
	Notifier notify.Notifier
	Logger   *log.Logger
	// Allowed lists the extensions picked up by EnqueueDirectory. Nil means
	// config.AllowedExtensions.
	Allowed []string
}

// Queue is safe for concurrent use.
type Queue struct {
	path     string
	resolver Resolver
	notifier notify.Notifier
	logger   *log.Logger
	allowed  []string

	mu       sync.Mutex
	entries  []*Entry
	presence Presence
	total    int64
}

// New creates an empty queue; call Load to read the persisted state.
func New(opts Options) *Queue {
	q := &Queue{
		path:     opts.Path,
		resolver: opts.Resolver,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		allowed:  opts.Allowed,
	}
	if q.logger == nil {
		q.logger = log.Default()
	}
	if q.allowed == nil {
		q.allowed = config.AllowedExtensions()
	}
	if q.notifier == nil {
		q.notifier = notify.NewLogNotifier(q.logger)
	}
	return q
}

// EnqueueTrack appends a single track. meta may be nil, in which case the
// file's tags are read. An ungrouped track already queued under any group,
// or a grouped track already queued under the same group, is rejected with
// ErrDuplicate and a short notice.
func (q *Queue) EnqueueTrack(locator string, meta *models.Track, group string) (Entry, error) {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return Entry{}, errors.New("empty locator")
	}
	track := q.trackFor(locator, meta)

	q.mu.Lock()
	e, err := q.addTrackLocked(locator, track, group)
	if err == nil {
		q.recomputeLocked()
	}
	q.mu.Unlock()
	if err != nil {
		q.notifier.Notice(fmt.Sprintf("%s is already queued", displayName(track)))
		return Entry{}, err
	}

	q.persist()
	q.logger.Debugf("queued %s", locator)
	return e, nil
}

// EnqueueDirectory queues every playable file below dir and returns how many
// entries were added.
func (q *Queue) EnqueueDirectory(dir string) (int, error) {
	tracks, err := metadata.ScanDir(models.LocalPath(dir), q.allowed, q.logger)
	if err != nil {
		return 0, err
	}

	added, dups := 0, 0
	q.mu.Lock()
	for _, track := range tracks {
		if _, err := q.addTrackLocked(track.URL, track, ""); err != nil {
			dups++
			continue
		}
		added++
	}
	q.recomputeLocked()
	q.mu.Unlock()

	if dups > 0 {
		q.notifier.Notice(fmt.Sprintf("%d tracks from %s were already queued", dups, filepath.Base(dir)))
	}
	if added > 0 {
		q.persist()
	}
	q.logger.Infof("queued %d tracks from %s", added, dir)
	return added, nil
}

// EnqueuePlaylist stores a playlist reference. A smart playlist keeps its
// query and is resolved again at transfer time.
func (q *Queue) EnqueuePlaylist(name, locator string, smart bool) (Entry, error) {
	name = strings.TrimSpace(name)
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return Entry{}, errors.New("empty playlist reference")
	}
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(locator), filepath.Ext(locator))
	}
	kind := KindPlaylist
	if smart {
		kind = KindSmartPlaylist
	}

	q.mu.Lock()
	for _, e := range q.entries {
		if e.Kind == kind && e.Locator == locator {
			q.mu.Unlock()
			q.notifier.Notice(fmt.Sprintf("playlist %s is already queued", name))
			return Entry{}, ErrDuplicate
		}
	}
	e := &Entry{ID: uuid.NewString(), Kind: kind, Locator: locator, Name: name}
	q.entries = append(q.entries, e)
	q.recomputeLocked()
	q.mu.Unlock()

	q.persist()
	q.logger.Debugf("queued %s %s", kind, name)
	return *e, nil
}

// Remove deletes an entry on user request.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	idx := q.indexLocked(id)
	if idx < 0 {
		q.mu.Unlock()
		return ErrEntryNotFound
	}
	if q.entries[idx].Transferring {
		q.mu.Unlock()
		return ErrEntryTransferring
	}
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	q.recomputeLocked()
	q.mu.Unlock()

	q.persist()
	return nil
}

// Complete removes an entry that transferred successfully.
func (q *Queue) Complete(id string) {
	q.mu.Lock()
	idx := q.indexLocked(id)
	if idx < 0 {
		q.mu.Unlock()
		return
	}
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	q.recomputeLocked()
	q.mu.Unlock()

	q.persist()
}

// SetTransferring sets the entry's transferring flag.
func (q *Queue) SetTransferring(id string, on bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if idx := q.indexLocked(id); idx >= 0 {
		q.entries[idx].Transferring = on
	}
}

// SetFailed sets the entry's failed flag.
func (q *Queue) SetFailed(id string, on bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if idx := q.indexLocked(id); idx >= 0 {
		q.entries[idx].Failed = on
	}
}

// Entries returns a snapshot in insertion order.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	for i, e := range q.entries {
		out[i] = *e
	}
	return out
}

// Get returns the entry with the given id.
func (q *Queue) Get(id string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if idx := q.indexLocked(id); idx >= 0 {
		return *q.entries[idx], true
	}
	return Entry{}, false
}

// Len returns the number of entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Resolve expands an entry into the tracks to transfer.
func (q *Queue) Resolve(e Entry) ([]models.Track, error) {
	switch e.Kind {
	case KindTrack:
		return []models.Track{e.Track}, nil
	case KindSmartPlaylist:
		if q.resolver == nil {
			return nil, errors.New("no collection to resolve smart playlists")
		}
		return q.resolver.Query(e.Locator)
	default:
		if q.resolver == nil {
			return nil, errors.New("no collection to resolve playlists")
		}
		return q.resolver.Playlist(e.Locator)
	}
}

// SetPresence installs the existence check and recomputes the total size.
func (q *Queue) SetPresence(p Presence) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.presence = p
	q.recomputeLocked()
}

// Recompute refreshes the total size, e.g. after a device connected.
func (q *Queue) Recompute() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.recomputeLocked()
}

// TotalSize returns the bytes still to transfer, each track rounded up to
// whole kilobytes. Tracks already on a connected device count zero.
func (q *Queue) TotalSize() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total
}

// DisplaySize returns TotalSize rounded up to whole mebibytes, the figure
// shown next to the queue.
func (q *Queue) DisplaySize() int64 {
	const mib = 1024 * 1024
	total := q.TotalSize()
	return (total + mib - 1) / mib * mib
}

func (q *Queue) recomputeLocked() int64 {
	var total int64
	for _, e := range q.entries {
		tracks := []models.Track{e.Track}
		if e.IsPlaylist() {
			resolved, err := q.Resolve(*e)
			if err != nil {
				q.logger.Debugf("size of playlist %s: %v", e.Name, err)
				continue
			}
			tracks = resolved
		}
		for _, track := range tracks {
			if q.presence != nil && q.presence(track) {
				continue
			}
			total += roundKB(track.FilesizeBytes)
		}
	}
	q.total = total
	metrics.QueueBytes.Set(float64(total))
	return total
}

func roundKB(size int64) int64 {
	if size <= 0 {
		return 0
	}
	return (size + 1023) / 1024 * 1024
}

func (q *Queue) addTrackLocked(locator string, track models.Track, group string) (Entry, error) {
	for _, e := range q.entries {
		if e.Kind != KindTrack || e.Locator != locator {
			continue
		}
		if group == "" || e.Group == group {
			return Entry{}, ErrDuplicate
		}
	}
	e := &Entry{ID: uuid.NewString(), Kind: KindTrack, Locator: locator, Group: group, Track: track}
	q.entries = append(q.entries, e)
	return *e, nil
}

func (q *Queue) indexLocked(id string) int {
	for i, e := range q.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) trackFor(locator string, meta *models.Track) models.Track {
	if meta != nil {
		track := *meta
		track.URL = locator
		return track
	}
	track, err := metadata.BuildTrack(models.LocalPath(locator))
	if err != nil {
		q.logger.Warnf("metadata for %s: %v", locator, err)
		base := filepath.Base(models.LocalPath(locator))
		track = models.Track{Title: strings.TrimSuffix(base, filepath.Ext(base))}
	}
	track.URL = locator
	return track
}

func (q *Queue) persist() {
	if q.path == "" {
		return
	}
	if err := q.Save(); err != nil {
		q.logger.Errorf("%v", err)
		q.notifier.Report(notify.SeverityError, "Could not save the transfer queue", []string{err.Error()})
	}
}

// Tree projects the queue onto an item tree for presentation. Tracks added
// with a group appear under a playlist of that name.
func (q *Queue) Tree() *itemtree.Tree {
	entries := q.Entries()
	t := itemtree.New("")
	for i, e := range entries {
		var n *itemtree.Node
		switch {
		case e.IsPlaylist():
			n = t.NewNode(itemtree.KindPlaylist, e.Name)
			if e.Kind == KindSmartPlaylist {
				n.SetFlags(itemtree.FlagSmartPlaylist)
			}
			n.Order = i
			t.Root(itemtree.KindPlaylistsRoot).Add(n)
		case e.Group != "":
			pl := t.Root(itemtree.KindPlaylistsRoot).EnsureChild(itemtree.KindPlaylist, e.Group)
			n = t.NewTrackNode(itemtree.KindPlaylistItem, e.Track)
			n.Order = i
			pl.Add(n)
		case e.Track.IsPodcast():
			channel := t.Root(itemtree.KindPodcastsRoot).EnsureChild(itemtree.KindPodcastChannel, e.Track.Album)
			n = t.NewTrackNode(itemtree.KindPodcastItem, e.Track)
			n.Order = i
			channel.Add(n)
		default:
			artist := t.Top().EnsureChild(itemtree.KindArtist, e.Track.Artist)
			album := artist.EnsureChild(itemtree.KindAlbum, e.Track.Album)
			n = t.NewTrackNode(itemtree.KindTrack, e.Track)
			n.Order = i
			album.Add(n)
		}
		if e.Failed {
			n.SetFlags(itemtree.FlagFailed)
		}
		if e.Transferring {
			n.SetFlags(itemtree.FlagTransferring)
		}
	}
	t.UpdateRootVisibility()
	return t
}

func displayName(t models.Track) string {
	if t.Artist != "" && t.Title != "" {
		return t.Artist + " - " + t.Title
	}
	if t.Title != "" {
		return t.Title
	}
	return filepath.Base(models.LocalPath(t.URL))
}
