package fsdevice

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"portable-sync/internal/itemtree"
	"portable-sync/internal/models"
)

const playlistExt = ".m3u"

func (d *Driver) playlistPath(name string) string {
	return filepath.Join(d.root, d.profile.PlaylistFolder, sanitize(name)+playlistExt)
}

// readPlaylists builds Playlist nodes from the .m3u files in dir. Entries whose
// file no longer exists become Stale nodes.
func (d *Driver) readPlaylists(tree *itemtree.Tree, dir string, byPath map[string]*itemtree.Node) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			d.logger.Warnf("read playlists: %v", err)
		}
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".m3u" && ext != ".m3u8") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, file := range names {
		lines, err := readLines(filepath.Join(dir, file))
		if err != nil {
			d.logger.Warnf("read playlist %s: %v", file, err)
			continue
		}
		pl := tree.Root(itemtree.KindPlaylistsRoot).EnsureChild(itemtree.KindPlaylist, strings.TrimSuffix(file, filepath.Ext(file)))
		for _, line := range lines {
			path := line
			if !filepath.IsAbs(path) {
				path = filepath.Join(dir, filepath.FromSlash(line))
			}
			target := byPath[filepath.Clean(path)]
			if target == nil {
				stale := tree.NewTrackNode(itemtree.KindStale, models.Track{URL: path, Title: filepath.Base(line)})
				tree.Root(itemtree.KindStaleRoot).Add(stale)
				d.logger.Debugf("playlist %s references missing %s", pl.Name, line)
				continue
			}
			item := tree.NewNode(itemtree.KindPlaylistItem, target.Name)
			item.Target = target
			item.Order = pl.ChildCount()
			if meta, ok := target.Track(); ok {
				item.SetTrack(meta)
			}
			pl.Add(item)
		}
	}
}

// writePlaylist rewrites the .m3u file of pl with paths relative to the
// playlist folder.
func (d *Driver) writePlaylist(pl *itemtree.Node) error {
	path := d.playlistPath(pl.Name)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create playlist folder: %w", err)
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	for _, item := range pl.Children() {
		if item.Target == nil {
			continue
		}
		meta, ok := item.Target.Track()
		if !ok || meta.URL == "" {
			continue
		}
		rel, err := filepath.Rel(dir, meta.URL)
		if err != nil {
			rel = meta.URL
		}
		fmt.Fprintf(&b, "#EXTINF:%d,%s - %s\n", int(meta.LengthSeconds), meta.Artist, meta.Title)
		b.WriteString(filepath.ToSlash(rel))
		b.WriteByte('\n')
	}
	return writeAtomic(path, []byte(b.String()))
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(sc.Text(), "\ufeff"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".psync-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
