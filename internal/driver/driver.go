// Package driver defines the contract every device backend implements and the
// catalog sessions use to instantiate backends for discovered devices.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"portable-sync/internal/config"
	"portable-sync/internal/itemtree"
	"portable-sync/internal/models"
)

var (
	// ErrNotApplicable marks an operation that does not apply to a node. It is
	// never counted as a failure.
	ErrNotApplicable = errors.New("operation not applicable")
	// ErrCopyFailed is returned when a track could not be written to the device.
	ErrCopyFailed = errors.New("copy to device failed")
	// ErrUnknownTag is returned by Catalog.Create for unregistered tags.
	ErrUnknownTag = errors.New("no driver registered for tag")
)

// DeleteFlags selects what a deletion removes.
type DeleteFlags uint8

const (
	// DeleteTrack removes the underlying file. It cannot be undone.
	DeleteTrack DeleteFlags = 1 << iota
	// DeletePlaylist removes playlist containers.
	DeletePlaylist
	// RemoveFromPlaylist removes playlist items without touching the files.
	RemoveFromPlaylist
)

// Capacity reports device storage in bytes.
type Capacity struct {
	Total     int64 `json:"total"`
	Available int64 `json:"available"`
}

// Driver is the contract of a device backend. Sessions call these methods from
// one goroutine at a time, except CancelTransfer which may arrive concurrently.
type Driver interface {
	// LockDevice serializes high-level operations. With tryOnly it never blocks.
	LockDevice(tryOnly bool) bool
	UnlockDevice()

	// OpenDevice connects and populates tree. silent suppresses user prompts.
	OpenDevice(ctx context.Context, silent bool, tree *itemtree.Tree) error
	// CloseDevice flushes pending changes and releases resources.
	CloseDevice(ctx context.Context) error
	// SynchronizeDevice flushes database changes; called once per batch.
	SynchronizeDevice(ctx context.Context) error

	// TrackExists returns the device node equivalent to track, if any.
	TrackExists(track models.Track) (*itemtree.Node, bool)
	// CopyTrackToDevice writes track and returns its new node.
	CopyTrackToDevice(ctx context.Context, track models.Track) (*itemtree.Node, error)
	// DeleteItemFromDevice removes a single node. Composite nodes are handled
	// by the caller, which recurses over children first.
	DeleteItemFromDevice(ctx context.Context, node *itemtree.Node, flags DeleteFlags) error

	// SupportedFiletypes lists accepted formats, preferred first. Empty means all.
	SupportedFiletypes() []string
	Capacity() (Capacity, error)
	// CancelTransfer is a best-effort hint to abort an in-flight copy.
	CancelTransfer()
}

// PlaylistEditor is implemented by drivers that maintain playlists.
type PlaylistEditor interface {
	EnsurePlaylist(name string) (*itemtree.Node, error)
	AddToPlaylist(playlist, track *itemtree.Node) error
}

// Info identifies a discovered device.
type Info struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Tag        string `json:"tag"`
	DeviceNode string `json:"device_node,omitempty"`
	MountPoint string `json:"mount_point,omitempty"`
}

// Factory instantiates a driver for one device.
type Factory func(info Info, profile config.DeviceProfile) (Driver, error)

// Catalog maps capability tags to driver factories.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

// Register associates tag with factory, replacing any previous entry.
func (c *Catalog) Register(tag string, factory Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[tag] = factory
}

// Tags returns the registered tags in sorted order.
func (c *Catalog) Tags() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tags := make([]string, 0, len(c.factories))
	for tag := range c.factories {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Create instantiates the driver registered for info.Tag.
func (c *Catalog) Create(info Info, profile config.DeviceProfile) (Driver, error) {
	c.mu.RLock()
	factory, ok := c.factories[info.Tag]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownTag, info.Tag)
	}
	return factory(info, profile)
}
