package itemtree

import (
	"strings"

	"portable-sync/internal/models"
	"portable-sync/internal/query"
)

// PurgeEmptyItems removes artist, album and podcast channel nodes below root
// that have no children, cascading upwards. Category roots are never removed.
// It returns the number of removed nodes.
func (t *Tree) PurgeEmptyItems(root *Node) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.purgeLocked(root)
}

func (t *Tree) purgeLocked(n *Node) int {
	removed := 0
	for _, c := range append([]*Node(nil), n.children...) {
		removed += t.purgeLocked(c)
	}
	if n.parent == nil || len(n.children) > 0 {
		return removed
	}
	switch n.Kind {
	case KindArtist, KindAlbum, KindPodcastChannel:
		n.parent.removeLocked(n)
		removed++
	}
	return removed
}

// UpdateRootVisibility hides each category root that has no children.
func (t *Tree) UpdateRootVisibility() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, root := range t.roots {
		root.visible = len(root.children) > 0
	}
}

// ApplyFilter recomputes visibility below root. A leaf is visible when it
// matches text; a container is visible when a descendant is visible or it is
// always shown as a container.
func (t *Tree) ApplyFilter(text string, root *Node) {
	expr := query.Compile(text)
	plain := strings.ToLower(strings.TrimSpace(text))
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filterLocked(expr, plain, root)
}

func (t *Tree) filterLocked(expr query.Expr, plain string, n *Node) bool {
	if len(n.children) == 0 && !n.Kind.IsRoot() && n != t.top {
		n.visible = n.Kind == KindPlaylist || matches(expr, n)
		return n.visible
	}

	shown := false
	for _, c := range n.children {
		if t.filterLocked(expr, plain, c) {
			shown = true
		}
	}

	switch {
	case n == t.top:
		n.visible = true
	case n.Kind.IsRoot():
		n.visible = len(n.children) > 0 && (shown || n.Kind == KindPlaylistsRoot)
	case n.Kind == KindPlaylist:
		n.visible = true
	case n.Kind == KindDirectory:
		n.visible = shown || plain == "" || strings.Contains(strings.ToLower(n.Name), plain)
	default:
		n.visible = shown
	}
	return n.visible
}

func matches(expr query.Expr, n *Node) bool {
	sub := query.Subject{Name: n.Name}
	if n.track != nil {
		sub.Track = *n.track
	}
	return expr.Match(sub)
}

// PlaylistItemsFor returns every playlist item whose target is track.
func (t *Tree) PlaylistItemsFor(track *Node) []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var items []*Node
	for _, pl := range t.roots[KindPlaylistsRoot].children {
		for _, item := range pl.children {
			if item.Target == track {
				items = append(items, item)
			}
		}
	}
	return items
}

// FindTrack returns the first track-like node whose metadata is the same song.
func (t *Tree) FindTrack(track models.Track) *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var found *Node
	var visit func(*Node)
	visit = func(n *Node) {
		if found != nil || n.Kind == KindPlaylistsRoot {
			return
		}
		if n.Kind.IsTrackLike() && n.track != nil && n.track.SameSong(track) {
			found = n
			return
		}
		for _, c := range n.children {
			visit(c)
		}
	}
	visit(t.top)
	return found
}

// View is a read-only projection of a node for presentation layers.
type View struct {
	ID           uint64        `json:"id"`
	Kind         string        `json:"kind"`
	Name         string        `json:"name"`
	Failed       bool          `json:"failed,omitempty"`
	Transferring bool          `json:"transferring,omitempty"`
	Track        *models.Track `json:"track,omitempty"`
	Children     []View        `json:"children,omitempty"`
}

// Project snapshots n and its visible descendants.
func (t *Tree) Project(n *Node) View {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.projectLocked(n)
}

func (t *Tree) projectLocked(n *Node) View {
	v := View{
		ID:           n.ID,
		Kind:         n.Kind.String(),
		Name:         n.Name,
		Failed:       n.flags&FlagFailed != 0,
		Transferring: n.flags&FlagTransferring != 0,
	}
	if n.track != nil {
		track := *n.track
		v.Track = &track
	}
	for _, c := range n.children {
		if c.visible {
			v.Children = append(v.Children, t.projectLocked(c))
		}
	}
	return v
}
