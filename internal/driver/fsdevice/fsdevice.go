// Package fsdevice implements a device driver for players that expose their
// storage as a mounted filesystem.
//
// Music lives under <root>/<music>/Artist/Album, podcasts under
// <root>/<podcasts>/Channel and playlists are .m3u files under
// <root>/<playlists>. Play statistics are kept in a YAML sidecar at the
// device root.
package fsdevice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"portable-sync/internal/config"
	"portable-sync/internal/driver"
	"portable-sync/internal/itemtree"
	"portable-sync/internal/metadata"
	"portable-sync/internal/models"
)

// Tag is the catalog tag this driver registers under.
const Tag = "mount"

const copyChunk = 256 << 10

// Register adds the driver to a catalog.
func Register(c *driver.Catalog, logger *log.Logger) {
	c.Register(Tag, func(info driver.Info, profile config.DeviceProfile) (driver.Driver, error) {
		return New(info, profile, logger)
	})
}

// Driver is a filesystem-backed device. Node metadata URLs hold absolute
// paths on the device.
type Driver struct {
	info    driver.Info
	root    string
	profile config.DeviceProfile
	allowed []string
	logger  *log.Logger

	device   sync.Mutex
	canceled atomic.Bool

	mu     sync.Mutex
	tree   *itemtree.Tree
	byName map[string]*itemtree.Node
	dirty  map[string]bool
}

// New creates a driver for the device mounted at info.MountPoint.
func New(info driver.Info, profile config.DeviceProfile, logger *log.Logger) (*Driver, error) {
	if info.MountPoint == "" {
		return nil, fmt.Errorf("device %s has no mount point", info.ID)
	}
	if logger == nil {
		logger = log.Default()
	}
	if profile.MusicFolder == "" || profile.PodcastFolder == "" || profile.PlaylistFolder == "" {
		d := config.DefaultProfile()
		profile.MusicFolder = firstNonEmpty(profile.MusicFolder, d.MusicFolder)
		profile.PodcastFolder = firstNonEmpty(profile.PodcastFolder, d.PodcastFolder)
		profile.PlaylistFolder = firstNonEmpty(profile.PlaylistFolder, d.PlaylistFolder)
	}
	return &Driver{
		info:    info,
		root:    filepath.Clean(info.MountPoint),
		profile: profile,
		allowed: config.AllowedExtensions(),
		logger:  logger.WithPrefix(info.ID),
	}, nil
}

func (d *Driver) LockDevice(tryOnly bool) bool {
	if tryOnly {
		return d.device.TryLock()
	}
	d.device.Lock()
	return true
}

func (d *Driver) UnlockDevice() {
	d.device.Unlock()
}

// OpenDevice scans the device and populates tree.
func (d *Driver) OpenDevice(_ context.Context, _ bool, tree *itemtree.Tree) error {
	info, err := os.Stat(d.root)
	if err != nil {
		return fmt.Errorf("device root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("device root %s is not a directory", d.root)
	}

	stats, err := loadStats(d.root)
	if err != nil {
		d.logger.Warnf("ignoring unreadable stats file: %v", err)
		stats = map[string]models.Stats{}
	}

	d.mu.Lock()
	d.tree = tree
	d.byName = make(map[string]*itemtree.Node)
	d.dirty = make(map[string]bool)
	d.mu.Unlock()
	d.canceled.Store(false)

	byPath := make(map[string]*itemtree.Node)
	music := filepath.Join(d.root, d.profile.MusicFolder)
	podcasts := filepath.Join(d.root, d.profile.PodcastFolder)
	playlists := filepath.Join(d.root, d.profile.PlaylistFolder)

	err = filepath.WalkDir(d.root, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			d.logger.Warnf("walk %s: %v", path, err)
			return nil
		}
		if e.IsDir() {
			if path == playlists {
				return filepath.SkipDir
			}
			return nil
		}
		if !metadata.IsAllowed(path, d.allowed) {
			return nil
		}
		track, err := metadata.BuildTrack(path)
		if err != nil {
			d.logger.Warnf("read %s: %v", path, err)
			return nil
		}
		track.Stats = stats[d.rel(path)]

		var node *itemtree.Node
		switch {
		case strings.HasPrefix(e.Name(), "."):
			node = tree.NewTrackNode(itemtree.KindInvisible, track)
			tree.Root(itemtree.KindInvisibleRoot).Add(node)
		case within(music, path):
			node = d.insertTrack(tree, track, path)
		case within(podcasts, path):
			node = d.insertEpisode(tree, track, path)
		default:
			node = tree.NewTrackNode(itemtree.KindOrphaned, track)
			tree.Root(itemtree.KindOrphanedRoot).Add(node)
		}
		byPath[path] = node
		return nil
	})
	if err != nil {
		return err
	}

	d.readPlaylists(tree, playlists, byPath)
	tree.UpdateRootVisibility()
	d.logger.Infof("opened %s with %d nodes", d.root, tree.Len())
	return nil
}

// CloseDevice writes pending changes and forgets the tree.
func (d *Driver) CloseDevice(ctx context.Context) error {
	err := d.SynchronizeDevice(ctx)
	d.mu.Lock()
	d.tree = nil
	d.byName = nil
	d.dirty = nil
	d.mu.Unlock()
	return err
}

// SynchronizeDevice rewrites changed playlists and the stats sidecar.
func (d *Driver) SynchronizeDevice(context.Context) error {
	d.mu.Lock()
	tree := d.tree
	dirty := d.dirty
	d.dirty = make(map[string]bool)
	d.mu.Unlock()
	if tree == nil {
		return nil
	}

	var errs []error
	for name := range dirty {
		pl := tree.Root(itemtree.KindPlaylistsRoot).FindChild(itemtree.KindPlaylist, name)
		if pl == nil {
			continue
		}
		if err := d.writePlaylist(pl); err != nil {
			errs = append(errs, err)
		}
	}

	stats := make(map[string]models.Stats)
	tree.Top().Walk(func(n *itemtree.Node) {
		if !n.Kind.IsTrackLike() || n.Kind == itemtree.KindStale || n.HasAncestor(itemtree.KindPlaylist) {
			return
		}
		if meta, ok := n.Track(); ok && meta.Stats != (models.Stats{}) {
			stats[d.rel(meta.URL)] = meta.Stats
		}
	})
	if err := saveStats(d.root, stats); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// TrackExists looks the track up by its device filename first and by
// artist, album and title second.
func (d *Driver) TrackExists(track models.Track) (*itemtree.Node, bool) {
	d.mu.Lock()
	tree := d.tree
	n := d.byName[d.nameKey(track)]
	d.mu.Unlock()
	if tree == nil {
		return nil, false
	}
	if n != nil && n.Parent() != nil {
		return n, true
	}
	if n = tree.FindTrack(track); n != nil {
		return n, true
	}
	return nil, false
}

// CopyTrackToDevice copies the file in chunks. A cancel request or a failed
// write removes the partial file.
func (d *Driver) CopyTrackToDevice(ctx context.Context, track models.Track) (*itemtree.Node, error) {
	d.mu.Lock()
	tree := d.tree
	d.mu.Unlock()
	if tree == nil {
		return nil, fmt.Errorf("%w: device not open", driver.ErrCopyFailed)
	}
	d.canceled.Store(false)

	dest := d.destination(track)
	if err := copyFile(ctx, track.LocalPath(), dest, &d.canceled); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", driver.ErrCopyFailed, track.URL, err)
	}

	onDevice := track
	onDevice.URL = dest
	onDevice.Stats = models.Stats{}
	if info, err := os.Stat(dest); err == nil {
		onDevice.FilesizeBytes = info.Size()
		onDevice.ModifiedAt = info.ModTime().UTC()
	}

	var node *itemtree.Node
	if track.IsPodcast() {
		node = d.insertEpisode(tree, onDevice, dest)
	} else {
		node = d.insertTrack(tree, onDevice, dest)
	}
	d.logger.Debugf("copied %s to %s", track.URL, dest)
	return node, nil
}

// DeleteItemFromDevice removes one node. Track-like nodes need DeleteTrack,
// playlists need DeletePlaylist and playlist items need RemoveFromPlaylist
// or DeleteTrack.
func (d *Driver) DeleteItemFromDevice(_ context.Context, node *itemtree.Node, flags driver.DeleteFlags) error {
	d.mu.Lock()
	tree := d.tree
	d.mu.Unlock()
	if tree == nil {
		return driver.ErrNotApplicable
	}

	switch {
	case node.Kind == itemtree.KindPlaylist:
		if flags&driver.DeletePlaylist == 0 {
			return driver.ErrNotApplicable
		}
		path := d.playlistPath(node.Name)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove playlist %s: %w", path, err)
		}
		node.Detach()
		d.mu.Lock()
		delete(d.dirty, node.Name)
		d.mu.Unlock()
		return nil

	case node.Kind == itemtree.KindPlaylistItem:
		if flags&(driver.RemoveFromPlaylist|driver.DeleteTrack) == 0 {
			return driver.ErrNotApplicable
		}
		if pl := node.Parent(); pl != nil {
			d.markDirty(pl.Name)
		}
		node.Detach()
		return nil

	case node.Kind.IsTrackLike():
		if flags&driver.DeleteTrack == 0 {
			return driver.ErrNotApplicable
		}
		meta, _ := node.Track()
		if node.Kind != itemtree.KindStale && meta.URL != "" {
			if err := os.Remove(meta.URL); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("remove %s: %w", meta.URL, err)
			}
			d.pruneDirs(filepath.Dir(meta.URL))
		}
		for _, item := range tree.PlaylistItemsFor(node) {
			if pl := item.Parent(); pl != nil {
				d.markDirty(pl.Name)
			}
			item.Detach()
		}
		d.mu.Lock()
		for k, n := range d.byName {
			if n == node {
				delete(d.byName, k)
			}
		}
		d.mu.Unlock()
		node.Detach()
		return nil
	}
	return driver.ErrNotApplicable
}

// SupportedFiletypes returns the profile's formats; empty accepts all.
func (d *Driver) SupportedFiletypes() []string {
	return d.profile.SupportedFormats
}

func (d *Driver) Capacity() (driver.Capacity, error) {
	return capacity(d.root)
}

func (d *Driver) CancelTransfer() {
	d.canceled.Store(true)
}

// EnsurePlaylist implements driver.PlaylistEditor.
func (d *Driver) EnsurePlaylist(name string) (*itemtree.Node, error) {
	d.mu.Lock()
	tree := d.tree
	d.mu.Unlock()
	if tree == nil {
		return nil, driver.ErrNotApplicable
	}
	root := tree.Root(itemtree.KindPlaylistsRoot)
	if pl := root.FindChild(itemtree.KindPlaylist, name); pl != nil {
		return pl, nil
	}
	d.markDirty(name)
	return root.EnsureChild(itemtree.KindPlaylist, name), nil
}

// AddToPlaylist implements driver.PlaylistEditor.
func (d *Driver) AddToPlaylist(playlist, track *itemtree.Node) error {
	d.mu.Lock()
	tree := d.tree
	d.mu.Unlock()
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
	d.markDirty(playlist.Name)
	return nil
}

func (d *Driver) insertTrack(tree *itemtree.Tree, track models.Track, path string) *itemtree.Node {
	parts := strings.Split(d.rel(path), "/")
	if track.Artist == "" && len(parts) >= 4 {
		track.Artist = parts[len(parts)-3]
	}
	if track.Album == "" && len(parts) >= 3 {
		track.Album = parts[len(parts)-2]
	}
	artist := tree.Top().EnsureChild(itemtree.KindArtist, firstNonEmpty(track.Artist, "Unknown Artist"))
	album := artist.EnsureChild(itemtree.KindAlbum, firstNonEmpty(track.Album, "Unknown Album"))
	node := tree.NewTrackNode(itemtree.KindTrack, track)
	node.Order = track.TrackNumber
	album.Add(node)
	d.index(path, node)
	return node
}

func (d *Driver) insertEpisode(tree *itemtree.Tree, track models.Track, path string) *itemtree.Node {
	dir := filepath.Dir(path)
	channel := filepath.Base(dir)
	if dir == filepath.Join(d.root, d.profile.PodcastFolder) {
		channel = sanitize(firstNonEmpty(track.Album, "Unknown Podcast"))
	}
	track.Album = firstNonEmpty(track.Album, channel)
	if track.Podcast == nil {
		track.Podcast = &models.PodcastInfo{}
	}
	parent := tree.Root(itemtree.KindPodcastsRoot).EnsureChild(itemtree.KindPodcastChannel, channel)
	node := tree.NewTrackNode(itemtree.KindPodcastItem, track)
	parent.Add(node)
	d.index(path, node)
	return node
}

func (d *Driver) index(path string, node *itemtree.Node) {
	key := strings.ToLower(strings.TrimSuffix(d.rel(path), filepath.Ext(path)))
	d.mu.Lock()
	if d.byName != nil {
		d.byName[key] = node
	}
	d.mu.Unlock()
}

// nameKey is the index key of the file a track would be copied to.
func (d *Driver) nameKey(track models.Track) string {
	dest := d.destination(track)
	return strings.ToLower(strings.TrimSuffix(d.rel(dest), filepath.Ext(dest)))
}

// destination is the device path a track is copied to.
func (d *Driver) destination(track models.Track) string {
	name := sanitize(firstNonEmpty(track.Title, strings.TrimSuffix(filepath.Base(track.LocalPath()), filepath.Ext(track.LocalPath()))))
	if ext := track.Format(); ext != "" {
		name += "." + ext
	}
	if track.IsPodcast() {
		return filepath.Join(d.root, d.profile.PodcastFolder, sanitize(firstNonEmpty(track.Album, "Unknown Podcast")), name)
	}
	return filepath.Join(d.root, d.profile.MusicFolder,
		sanitize(firstNonEmpty(track.Artist, "Unknown Artist")),
		sanitize(firstNonEmpty(track.Album, "Unknown Album")),
		name)
}

func (d *Driver) markDirty(playlist string) {
	d.mu.Lock()
	if d.dirty != nil {
		d.dirty[playlist] = true
	}
	d.mu.Unlock()
}

// pruneDirs removes empty directories up to, but excluding, the top-level
// content folders.
func (d *Driver) pruneDirs(dir string) {
	stop := map[string]bool{
		d.root: true,
		filepath.Join(d.root, d.profile.MusicFolder):    true,
		filepath.Join(d.root, d.profile.PodcastFolder):  true,
		filepath.Join(d.root, d.profile.PlaylistFolder): true,
	}
	for within(d.root, dir) && !stop[dir] {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// rel returns the slash-separated path of p relative to the device root.
func (d *Driver) rel(p string) string {
	r, err := filepath.Rel(d.root, p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(r)
}

func copyFile(ctx context.Context, src, dest string, canceled *atomic.Bool) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	part := dest + ".part"
	out, err := os.Create(part)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(part)
		}
	}()

	buf := make([]byte, copyChunk)
	for {
		if canceled.Load() {
			return errors.New("transfer canceled")
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(part, dest)
}

func within(dir, path string) bool {
	r, err := filepath.Rel(dir, path)
	return err == nil && r != ".." && !strings.HasPrefix(r, ".."+string(filepath.Separator))
}

func sanitize(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		if r < 0x20 {
			return -1
		}
		return r
	}, name)
	name = strings.Trim(name, " .")
	if name == "" {
		return "_"
	}
	return name
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
