package itemtree

import (
	"testing"

	"portable-sync/internal/models"
)

func buildTree(t *testing.T) (*Tree, *Node, *Node) {
	t.Helper()
	tree := New("dev-1")
	artist := tree.NewNode(KindArtist, "The Beatles")
	tree.Top().Add(artist)
	album := tree.NewNode(KindAlbum, "Abbey Road")
	artist.Add(album)
	album.Add(tree.NewTrackNode(KindTrack, models.Track{Artist: "The Beatles", Album: "Abbey Road", Title: "Come Together", Genre: "Rock"}))
	album.Add(tree.NewTrackNode(KindTrack, models.Track{Artist: "The Beatles", Album: "Abbey Road", Title: "Something", Genre: "Rock"}))

	empty := tree.NewNode(KindArtist, "Nobody")
	tree.Top().Add(empty)
	empty.Add(tree.NewNode(KindAlbum, "Nothing"))
	return tree, artist, album
}

func TestNewTreeHasCategoryRoots(t *testing.T) {
	tree := New("dev")
	for _, kind := range RootKinds {
		root := tree.Root(kind)
		if root == nil || root.Kind != kind {
			t.Fatalf("missing root %s", kind)
		}
		if root.Parent() != tree.Top() {
			t.Fatalf("root %s should be owned by the top node", kind)
		}
	}
	if tree.Len() != len(RootKinds) {
		t.Fatalf("expected %d indexed nodes, got %d", len(RootKinds), tree.Len())
	}
}

func TestAddMovesNodeBetweenParents(t *testing.T) {
	tree := New("dev")
	a := tree.NewNode(KindArtist, "A")
	b := tree.NewNode(KindArtist, "B")
	tree.Top().Add(a)
	tree.Top().Add(b)
	child := tree.NewNode(KindAlbum, "X")
	a.Add(child)
	b.Add(child)

	if a.ChildCount() != 0 || b.ChildCount() != 1 || child.Parent() != b {
		t.Fatalf("expected child to have exactly one parent after move")
	}
	if tree.Find(child.ID) != child {
		t.Fatalf("expected moved node to stay indexed")
	}
}

func TestChildrenSortedByOrder(t *testing.T) {
	tree := New("dev")
	pl := tree.NewNode(KindPlaylist, "mix")
	tree.Root(KindPlaylistsRoot).Add(pl)
	for i, name := range []string{"c", "a", "b"} {
		n := tree.NewNode(KindPlaylistItem, name)
		n.Order = []int{3, 1, 2}[i]
		pl.Add(n)
	}
	got := ""
	for _, c := range pl.Children() {
		got += c.Name
	}
	if got != "abc" {
		t.Fatalf("expected order-sorted children, got %s", got)
	}
}

func TestPurgeEmptyItemsIsIdempotent(t *testing.T) {
	tree, _, album := buildTree(t)
	for _, c := range album.Children() {
		album.Remove(c)
	}

	removed := tree.PurgeEmptyItems(tree.Top())
	if removed != 4 {
		t.Fatalf("expected 4 removed nodes (two albums, two artists), got %d", removed)
	}
	before := tree.Len()
	if again := tree.PurgeEmptyItems(tree.Top()); again != 0 {
		t.Fatalf("second purge should remove nothing, removed %d", again)
	}
	if tree.Len() != before {
		t.Fatalf("tree changed on second purge")
	}
	for _, kind := range RootKinds {
		if tree.Root(kind).Parent() == nil {
			t.Fatalf("category root %s must never be purged", kind)
		}
	}
}

func TestUpdateRootVisibility(t *testing.T) {
	tree := New("dev")
	tree.Root(KindStaleRoot).Add(tree.NewNode(KindStale, "gone.mp3"))
	tree.UpdateRootVisibility()
	if !tree.Root(KindStaleRoot).Visible() {
		t.Fatalf("root with children should be visible")
	}
	if tree.Root(KindOrphanedRoot).Visible() {
		t.Fatalf("childless root should be hidden")
	}
}

func TestApplyFilter(t *testing.T) {
	tree, artist, album := buildTree(t)
	pl := tree.NewNode(KindPlaylist, "Road Trip")
	tree.Root(KindPlaylistsRoot).Add(pl)

	tree.ApplyFilter("something", tree.Top())

	children := album.Children()
	if children[0].Visible() || !children[1].Visible() {
		t.Fatalf("expected only the matching track to be visible")
	}
	if !album.Visible() || !artist.Visible() {
		t.Fatalf("containers of a visible track should be visible")
	}
	if !pl.Visible() {
		t.Fatalf("playlists are always shown as containers")
	}

	tree.ApplyFilter("title=Something OR genre:jazz", tree.Top())
	if !children[1].Visible() || children[0].Visible() {
		t.Fatalf("expected advanced expression to select one track")
	}

	tree.ApplyFilter("zzz", tree.Top())
	if artist.Visible() {
		t.Fatalf("artist without visible descendants should be hidden")
	}

	view := tree.Project(tree.Top())
	for _, c := range view.Children {
		if c.Kind == KindArtist.String() {
			t.Fatalf("projection should skip hidden nodes")
		}
	}
}

func TestPlaylistItemsForAndFindTrack(t *testing.T) {
	tree, _, album := buildTree(t)
	track := album.Children()[0]
	pl := tree.Root(KindPlaylistsRoot).EnsureChild(KindPlaylist, "mix")
	item := tree.NewNode(KindPlaylistItem, track.Name)
	item.Target = track
	pl.Add(item)

	if items := tree.PlaylistItemsFor(track); len(items) != 1 || items[0] != item {
		t.Fatalf("expected the playlist item referencing the track")
	}
	if !item.HasAncestor(KindPlaylist) || track.HasAncestor(KindPlaylist) {
		t.Fatalf("unexpected ancestor detection")
	}
	if found := tree.FindTrack(models.Track{Artist: "the beatles", Album: "abbey road", Title: "COME TOGETHER"}); found != track {
		t.Fatalf("expected case-insensitive song lookup")
	}
}

func TestFlags(t *testing.T) {
	tree := New("")
	n := tree.NewNode(KindTrack, "x")
	n.SetFlags(FlagFailed | FlagTransferring)
	n.ClearFlags(FlagTransferring)
	if !n.Has(FlagFailed) || n.Has(FlagTransferring) {
		t.Fatalf("unexpected flag state")
	}
}
