package collection

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"portable-sync/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{Logger: log.New(io.Discard)})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func put(t *testing.T, s *Store, tracks ...models.Track) {
	t.Helper()
	for _, tr := range tracks {
		if err := s.Put(tr); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
}

func TestQueryOrdersAndFilters(t *testing.T) {
	s := openTestStore(t)
	put(t, s,
		models.Track{URL: "/m/b2.mp3", Artist: "Beta", Album: "One", Title: "Second", TrackNumber: 2, Year: 1999},
		models.Track{URL: "/m/b1.mp3", Artist: "Beta", Album: "One", Title: "First", TrackNumber: 1, Year: 1999},
		models.Track{URL: "/m/a1.ogg", Artist: "alpha", Album: "Zed", Title: "Only", Year: 2010, Stats: models.Stats{Rating: 9}},
	)

	all, err := s.Query("")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(all) != 3 || all[0].Artist != "alpha" || all[1].Title != "First" || all[2].Title != "Second" {
		t.Fatalf("unexpected order %+v", all)
	}

	rated, err := s.Query("rating>=8")
	if err != nil || len(rated) != 1 || rated[0].URL != "/m/a1.ogg" {
		t.Fatalf("unexpected rated result %v %v", rated, err)
	}
	old, err := s.Query("year<2000 -title:second")
	if err != nil || len(old) != 1 || old[0].Title != "First" {
		t.Fatalf("unexpected year result %v %v", old, err)
	}
	if _, err := s.Query("bogus:field"); err == nil {
		t.Fatalf("expected parse error for unknown field")
	}
}

func TestStatsOnlyRise(t *testing.T) {
	s := openTestStore(t)
	put(t, s, models.Track{URL: "/m/a.mp3", Artist: "A", Title: "T"})

	later := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	earlier := later.Add(-48 * time.Hour)
	if err := s.RecordPlay("/m/a.mp3", later); err != nil {
		t.Fatalf("RecordPlay: %v", err)
	}
	if err := s.RecordPlay("/m/a.mp3", earlier); err != nil {
		t.Fatalf("RecordPlay: %v", err)
	}
	if err := s.SetRating("/m/a.mp3", 7); err != nil {
		t.Fatalf("SetRating: %v", err)
	}
	if err := s.SetRating("/m/a.mp3", 3); err != nil {
		t.Fatalf("SetRating: %v", err)
	}
	if err := s.MarkListened("/m/a.mp3"); err != nil {
		t.Fatalf("MarkListened: %v", err)
	}

	got, ok, err := s.Get("/m/a.mp3")
	if err != nil || !ok {
		t.Fatalf("Get: %v %v", ok, err)
	}
	if got.Stats.PlayCount != 2 || got.Stats.Rating != 7 || !got.Stats.LastPlayed.Equal(later) || !got.Stats.Listened {
		t.Fatalf("unexpected stats %+v", got.Stats)
	}

	if err := s.RecordPlay("/m/missing.mp3", later); !errors.Is(err, ErrTrackNotFound) {
		t.Fatalf("expected ErrTrackNotFound, got %v", err)
	}
}

func TestLookupFallsBackToSong(t *testing.T) {
	s := openTestStore(t)
	put(t, s, models.Track{URL: "/m/a.mp3", Artist: "Band", Album: "LP", Title: "Song"})

	got, ok, err := s.Lookup(models.Track{URL: "/device/Music/Band/LP/Song.mp3", Artist: "band", Album: "lp ", Title: "SONG"})
	if err != nil || !ok || got.URL != "/m/a.mp3" {
		t.Fatalf("expected lookup by song, got %+v %v %v", got, ok, err)
	}
	if _, ok, _ := s.Lookup(models.Track{Artist: "Other", Title: "Song"}); ok {
		t.Fatalf("unexpected match")
	}
}

func TestStoredAndFilePlaylists(t *testing.T) {
	s := openTestStore(t)
	put(t, s,
		models.Track{URL: "/m/a.mp3", Artist: "A", Title: "One"},
		models.Track{URL: "/m/b.mp3", Artist: "B", Title: "Two"},
	)
	if err := s.SavePlaylist("Mix", []string{"/m/b.mp3", "/m/a.mp3"}); err != nil {
		t.Fatalf("SavePlaylist: %v", err)
	}
	tracks, err := s.Playlist("Mix")
	if err != nil || len(tracks) != 2 || tracks[0].Title != "Two" {
		t.Fatalf("unexpected stored playlist %v %v", tracks, err)
	}
	if _, err := s.Playlist("Nope"); !errors.Is(err, ErrPlaylistNotFound) {
		t.Fatalf("expected ErrPlaylistNotFound, got %v", err)
	}

	dir := t.TempDir()
	local := filepath.Join(dir, "local.mp3")
	if err := os.WriteFile(local, []byte("not really audio"), 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	m3u := filepath.Join(dir, "list.m3u")
	body := "#EXTM3U\n#EXTINF:-1,One\n/m/a.mp3\n\nlocal.mp3\nhttp://stream.example/radio\nmissing.mp3\n"
	if err := os.WriteFile(m3u, []byte(body), 0o644); err != nil {
		t.Fatalf("write m3u: %v", err)
	}
	tracks, err = s.Playlist(m3u)
	if err != nil {
		t.Fatalf("Playlist(m3u): %v", err)
	}
	if len(tracks) != 2 || tracks[0].Title != "One" || tracks[1].URL != local {
		t.Fatalf("unexpected m3u tracks %+v", tracks)
	}

	names, err := s.Playlists()
	if err != nil || len(names) != 1 || names[0] != "Mix" {
		t.Fatalf("unexpected playlist names %v %v", names, err)
	}
}

func TestImportKeepsStats(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Song.mp3")
	if err := os.WriteFile(path, []byte("junk"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "cover.jpg"), []byte("img"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s, err := Open(Options{Allowed: []string{".mp3"}, Logger: log.New(io.Discard)})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	n, err := s.Import(dir)
	if err != nil || n != 1 {
		t.Fatalf("Import: %d %v", n, err)
	}
	if err := s.SetRating(path, 5); err != nil {
		t.Fatalf("SetRating: %v", err)
	}
	if _, err := s.Import(dir); err != nil {
		t.Fatalf("re-Import: %v", err)
	}
	got, ok, _ := s.Get(path)
	if !ok || got.Title != "Song" || got.Stats.Rating != 5 {
		t.Fatalf("unexpected track after re-import %+v", got)
	}
}

func TestImportDefaultsToAudioFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"Alpha.mp3", "Beta.ogg", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("junk"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	s, err := Open(Options{Logger: log.New(io.Discard)})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	n, err := s.Import(dir)
	if err != nil || n != 2 {
		t.Fatalf("expected the two audio files, got %d %v", n, err)
	}
	if _, ok, _ := s.Get(filepath.Join(dir, "notes.txt")); ok {
		t.Fatalf("text file must not be imported")
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{Dir: dir, Logger: log.New(io.Discard)})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	put(t, s, models.Track{URL: "/m/a.mp3", Title: "Kept"})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = Open(Options{Dir: dir, Logger: log.New(io.Discard)})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if got, ok, _ := s.Get("/m/a.mp3"); !ok || got.Title != "Kept" {
		t.Fatalf("expected persisted track, got %+v", got)
	}
}
