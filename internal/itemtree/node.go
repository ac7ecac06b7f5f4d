// Package itemtree models the hierarchical contents of a device or of the
// transfer queue.
package itemtree

import (
	"sort"
	"sync"

	"portable-sync/internal/models"
)

// Kind identifies what a node represents.
type Kind int

const (
	KindUnknown Kind = iota
	KindArtist
	KindAlbum
	KindTrack
	KindPodcastsRoot
	KindPodcastChannel
	KindPodcastItem
	KindPlaylistsRoot
	KindPlaylist
	KindPlaylistItem
	KindInvisibleRoot
	KindInvisible
	KindStaleRoot
	KindStale
	KindOrphanedRoot
	KindOrphaned
	KindDirectory
)

var kindNames = [...]string{
	KindUnknown:        "unknown",
	KindArtist:         "artist",
	KindAlbum:          "album",
	KindTrack:          "track",
	KindPodcastsRoot:   "podcasts-root",
	KindPodcastChannel: "podcast-channel",
	KindPodcastItem:    "podcast-item",
	KindPlaylistsRoot:  "playlists-root",
	KindPlaylist:       "playlist",
	KindPlaylistItem:   "playlist-item",
	KindInvisibleRoot:  "invisible-root",
	KindInvisible:      "invisible",
	KindStaleRoot:      "stale-root",
	KindStale:          "stale",
	KindOrphanedRoot:   "orphaned-root",
	KindOrphaned:       "orphaned",
	KindDirectory:      "directory",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// RootKinds lists the category roots owned directly by a session.
var RootKinds = []Kind{KindPlaylistsRoot, KindPodcastsRoot, KindInvisibleRoot, KindStaleRoot, KindOrphanedRoot}

// IsRoot reports whether k is one of the category roots.
func (k Kind) IsRoot() bool {
	for _, r := range RootKinds {
		if k == r {
			return true
		}
	}
	return false
}

// IsTrackLike reports whether nodes of kind k stand for a physical file.
func (k Kind) IsTrackLike() bool {
	switch k {
	case KindTrack, KindPodcastItem, KindInvisible, KindStale, KindOrphaned:
		return true
	}
	return false
}

// Flags is a bitset of transfer states.
type Flags uint8

const (
	FlagFailed Flags = 1 << iota
	FlagBeginTransfer
	FlagStopTransfer
	FlagTransferring
	FlagSmartPlaylist
)

// Node is an element of a Tree. A node belongs to exactly one parent.
type Node struct {
	ID     uint64
	Kind   Kind
	Name   string
	Order  int
	Device string

	// Target links a playlist item to the track node it refers to.
	Target *Node

	tree     *Tree
	track    *models.Track
	flags    Flags
	visible  bool
	parent   *Node
	children []*Node
}

// Tree owns a node hierarchy. The invisible top node holds the category roots
// and every artist or directory node.
type Tree struct {
	mu     sync.RWMutex
	device string
	top    *Node
	roots  map[Kind]*Node
	index  map[uint64]*Node
	nextID uint64
}

// New creates a tree for the given device id; device is empty for the transfer queue.
func New(device string) *Tree {
	t := &Tree{
		device: device,
		roots:  make(map[Kind]*Node, len(RootKinds)),
		index:  make(map[uint64]*Node),
	}
	t.top = t.NewNode(KindUnknown, "")
	t.top.visible = true
	t.index[t.top.ID] = t.top
	for i, kind := range RootKinds {
		root := t.NewNode(kind, kind.String())
		root.Order = -len(RootKinds) + i
		t.roots[kind] = root
		t.top.Add(root)
	}
	return t
}

// Device returns the owning device id.
func (t *Tree) Device() string { return t.device }

// Top returns the invisible container of the hierarchy.
func (t *Tree) Top() *Node { return t.top }

// Root returns the category root of the given kind.
func (t *Tree) Root(kind Kind) *Node { return t.roots[kind] }

// NewNode creates a detached node owned by t.
func (t *Tree) NewNode(kind Kind, name string) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	return &Node{ID: t.nextID, Kind: kind, Name: name, Device: t.device, tree: t, visible: true}
}

// NewTrackNode creates a detached node carrying a copy of track.
func (t *Tree) NewTrackNode(kind Kind, track models.Track) *Node {
	n := t.NewNode(kind, track.Title)
	n.track = &track
	return n
}

// Find returns the attached node with the given id.
func (t *Tree) Find(id uint64) *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.index[id]
}

// Len returns the number of attached nodes, excluding the top node.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.index) - 1
}

// Add attaches child under n, detaching it from any previous parent.
// Children stay sorted by Order; equal orders keep insertion order.
func (n *Node) Add(child *Node) {
	t := n.tree
	t.mu.Lock()
	defer t.mu.Unlock()
	if child.parent != nil {
		child.parent.removeLocked(child)
	}
	idx := sort.Search(len(n.children), func(i int) bool {
		return n.children[i].Order > child.Order
	})
	n.children = append(n.children, nil)
	copy(n.children[idx+1:], n.children[idx:])
	n.children[idx] = child
	child.parent = n
	t.register(child)
}

// Remove detaches child from n and reports whether it was a child.
func (n *Node) Remove(child *Node) bool {
	t := n.tree
	t.mu.Lock()
	defer t.mu.Unlock()
	return n.removeLocked(child)
}

// Detach removes n from its parent.
func (n *Node) Detach() {
	if p := n.Parent(); p != nil {
		p.Remove(n)
	}
}

func (n *Node) removeLocked(child *Node) bool {
	for i, c := range n.children {
		if c == child {
			n.children = append(n.children[:i], n.children[i+1:]...)
			child.parent = nil
			n.tree.unregister(child)
			return true
		}
	}
	return false
}

func (t *Tree) register(n *Node) {
	t.index[n.ID] = n
	for _, c := range n.children {
		t.register(c)
	}
}

func (t *Tree) unregister(n *Node) {
	delete(t.index, n.ID)
	for _, c := range n.children {
		t.unregister(c)
	}
}

// Parent returns the parent node, or nil for detached nodes and the top node.
func (n *Node) Parent() *Node {
	n.tree.mu.RLock()
	defer n.tree.mu.RUnlock()
	return n.parent
}

// Children returns a snapshot of the direct children.
func (n *Node) Children() []*Node {
	n.tree.mu.RLock()
	defer n.tree.mu.RUnlock()
	out := make([]*Node, len(n.children))
	copy(out, n.children)
	return out
}

// ChildCount returns the number of direct children.
func (n *Node) ChildCount() int {
	n.tree.mu.RLock()
	defer n.tree.mu.RUnlock()
	return len(n.children)
}

// FindChild returns the first direct child of the given kind and name.
func (n *Node) FindChild(kind Kind, name string) *Node {
	n.tree.mu.RLock()
	defer n.tree.mu.RUnlock()
	for _, c := range n.children {
		if c.Kind == kind && c.Name == name {
			return c
		}
	}
	return nil
}

// EnsureChild finds or creates a direct child of the given kind and name.
func (n *Node) EnsureChild(kind Kind, name string) *Node {
	if c := n.FindChild(kind, name); c != nil {
		return c
	}
	c := n.tree.NewNode(kind, name)
	n.Add(c)
	return c
}

// HasAncestor reports whether any ancestor of n has the given kind.
func (n *Node) HasAncestor(kind Kind) bool {
	n.tree.mu.RLock()
	defer n.tree.mu.RUnlock()
	for p := n.parent; p != nil; p = p.parent {
		if p.Kind == kind {
			return true
		}
	}
	return false
}

// Track returns a copy of the node's metadata.
func (n *Node) Track() (models.Track, bool) {
	n.tree.mu.RLock()
	defer n.tree.mu.RUnlock()
	if n.track == nil {
		return models.Track{}, false
	}
	return *n.track, true
}

// SetTrack replaces the node's metadata.
func (n *Node) SetTrack(track models.Track) {
	n.tree.mu.Lock()
	defer n.tree.mu.Unlock()
	n.track = &track
}

// UpdateStats applies fn to the node's statistics. It is a no-op for nodes
// without metadata.
func (n *Node) UpdateStats(fn func(*models.Stats)) {
	n.tree.mu.Lock()
	defer n.tree.mu.Unlock()
	if n.track != nil {
		fn(&n.track.Stats)
	}
}

// Has reports whether all bits of f are set.
func (n *Node) Has(f Flags) bool {
	n.tree.mu.RLock()
	defer n.tree.mu.RUnlock()
	return n.flags&f == f
}

// SetFlags sets the bits of f.
func (n *Node) SetFlags(f Flags) {
	n.tree.mu.Lock()
	defer n.tree.mu.Unlock()
	n.flags |= f
}

// ClearFlags clears the bits of f.
func (n *Node) ClearFlags(f Flags) {
	n.tree.mu.Lock()
	defer n.tree.mu.Unlock()
	n.flags &^= f
}

// Visible reports the result of the last filter or visibility pass.
func (n *Node) Visible() bool {
	n.tree.mu.RLock()
	defer n.tree.mu.RUnlock()
	return n.visible
}

// Walk visits n and its descendants in post-order.
func (n *Node) Walk(fn func(*Node)) {
	for _, c := range n.Children() {
		c.Walk(fn)
	}
	fn(n)
}
