// Package drivertest provides an in-memory device driver for tests.
package drivertest

import (
	"context"
	"errors"
	"sync"

	"portable-sync/internal/driver"
	"portable-sync/internal/itemtree"
	"portable-sync/internal/models"
)

// ErrInjected is returned by operations configured to fail.
var ErrInjected = errors.New("injected failure")

// Driver keeps device contents in its item tree only. Exported fields
// configure behaviour and must be set before the driver is used.
type Driver struct {
	Formats  []string
	Preload  []models.Track
	OpenErr  error
	Cap      driver.Capacity
	CapErr   error
	Playlist bool

	// FailCopy lists locators whose copy fails.
	FailCopy map[string]bool
	// FailDelete lists node names whose deletion fails.
	FailDelete map[string]bool
	// OnCopy runs before each copy; tests use it to act mid-batch.
	OnCopy func(models.Track)
	// OnDelete runs after each successful deletion.
	OnDelete func(*itemtree.Node)

	device sync.Mutex

	mu       sync.Mutex
	tree     *itemtree.Tree
	copied   []models.Track
	deleted  []string
	syncs    int
	opens    int
	closes   int
	cancels  int
	lockHeld bool
}

// New returns a driver that accepts every format.
func New() *Driver {
	return &Driver{Playlist: true}
}

func (d *Driver) LockDevice(tryOnly bool) bool {
	if tryOnly {
		if !d.device.TryLock() {
			return false
		}
	} else {
		d.device.Lock()
	}
	d.mu.Lock()
	d.lockHeld = true
	d.mu.Unlock()
	return true
}

func (d *Driver) UnlockDevice() {
	d.mu.Lock()
	d.lockHeld = false
	d.mu.Unlock()
	d.device.Unlock()
}

// Locked reports whether the device lock is held.
func (d *Driver) Locked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lockHeld
}

func (d *Driver) OpenDevice(_ context.Context, _ bool, tree *itemtree.Tree) error {
	d.mu.Lock()
	d.opens++
	d.mu.Unlock()
	if d.OpenErr != nil {
		return d.OpenErr
	}
	d.mu.Lock()
	d.tree = tree
	d.mu.Unlock()
	for _, track := range d.Preload {
		d.insert(track)
	}
	return nil
}

func (d *Driver) CloseDevice(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	d.tree = nil
	return nil
}

func (d *Driver) SynchronizeDevice(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.syncs++
	return nil
}

func (d *Driver) TrackExists(track models.Track) (*itemtree.Node, bool) {
	tree := d.Tree()
	if tree == nil {
		return nil, false
	}
	n := tree.FindTrack(track)
	return n, n != nil
}

func (d *Driver) CopyTrackToDevice(_ context.Context, track models.Track) (*itemtree.Node, error) {
	if d.OnCopy != nil {
		d.OnCopy(track)
	}
	if d.FailCopy[track.URL] {
		return nil, driver.ErrCopyFailed
	}
	d.mu.Lock()
	d.copied = append(d.copied, track)
	d.mu.Unlock()
	return d.insert(track), nil
}

func (d *Driver) DeleteItemFromDevice(_ context.Context, node *itemtree.Node, flags driver.DeleteFlags) error {
	tree := d.Tree()
	if tree == nil {
		return driver.ErrNotApplicable
	}

	switch {
	case node.Kind == itemtree.KindPlaylist:
		if flags&driver.DeletePlaylist == 0 {
			return driver.ErrNotApplicable
		}
	case node.Kind == itemtree.KindPlaylistItem:
		if flags&(driver.RemoveFromPlaylist|driver.DeleteTrack) == 0 {
			return driver.ErrNotApplicable
		}
	case node.Kind.IsTrackLike():
		if flags&driver.DeleteTrack == 0 {
			return driver.ErrNotApplicable
		}
	default:
		return driver.ErrNotApplicable
	}

	if d.FailDelete[node.Name] {
		return ErrInjected
	}

	if node.Kind.IsTrackLike() {
		for _, item := range tree.PlaylistItemsFor(node) {
			item.Detach()
		}
	}
	node.Detach()

	d.mu.Lock()
	d.deleted = append(d.deleted, node.Name)
	d.mu.Unlock()
	if d.OnDelete != nil {
		d.OnDelete(node)
	}
	return nil
}

func (d *Driver) SupportedFiletypes() []string {
	return append([]string(nil), d.Formats...)
}

func (d *Driver) Capacity() (driver.Capacity, error) {
	return d.Cap, d.CapErr
}

func (d *Driver) CancelTransfer() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancels++
}

// EnsurePlaylist implements driver.PlaylistEditor.
func (d *Driver) EnsurePlaylist(name string) (*itemtree.Node, error) {
	tree := d.Tree()
	if tree == nil || !d.Playlist {
		return nil, driver.ErrNotApplicable
	}
	return tree.Root(itemtree.KindPlaylistsRoot).EnsureChild(itemtree.KindPlaylist, name), nil
}

// AddToPlaylist implements driver.PlaylistEditor.
func (d *Driver) AddToPlaylist(playlist, track *itemtree.Node) error {
	tree := d.Tree()
	if tree == nil {
		return driver.ErrNotApplicable
	}
	item := tree.NewNode(itemtree.KindPlaylistItem, track.Name)
	item.Target = track
	item.Order = playlist.ChildCount()
	if meta, ok := track.Track(); ok {
		item.SetTrack(meta)
	}
	playlist.Add(item)
	return nil
}

// Tree returns the tree populated by the last open, or nil when closed.
func (d *Driver) Tree() *itemtree.Tree {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tree
}

// Copied returns the tracks copied so far.
func (d *Driver) Copied() []models.Track {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.Track(nil), d.copied...)
}

// Deleted returns the names of deleted nodes.
func (d *Driver) Deleted() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.deleted...)
}

// Syncs returns how often SynchronizeDevice ran.
func (d *Driver) Syncs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.syncs
}

// Opens returns how often OpenDevice ran.
func (d *Driver) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// Closes returns how often CloseDevice ran.
func (d *Driver) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

// Cancels returns how often CancelTransfer ran.
func (d *Driver) Cancels() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancels
}

func (d *Driver) insert(track models.Track) *itemtree.Node {
	tree := d.Tree()
	if tree == nil {
		return nil
	}
	if track.IsPodcast() {
		channel := tree.Root(itemtree.KindPodcastsRoot).EnsureChild(itemtree.KindPodcastChannel, track.Album)
		n := tree.NewTrackNode(itemtree.KindPodcastItem, track)
		channel.Add(n)
		return n
	}
	artist := tree.Top().EnsureChild(itemtree.KindArtist, track.Artist)
	album := artist.EnsureChild(itemtree.KindAlbum, track.Album)
	n := tree.NewTrackNode(itemtree.KindTrack, track)
	n.Order = track.TrackNumber
	album.Add(n)
	return n
}
