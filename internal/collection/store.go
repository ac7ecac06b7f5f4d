// Package collection stores the local music collection in BadgerDB and
// answers the queries used to resolve transfer queue entries.
package collection

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"portable-sync/internal/config"
	"portable-sync/internal/metadata"
	"portable-sync/internal/models"
	"portable-sync/internal/query"
)

const (
	trackKeyPrefix    = "track:"
	playlistKeyPrefix = "playlist:"
	maxRating         = 10
)

var (
	// ErrTrackNotFound is returned for locators that are not in the collection.
	ErrTrackNotFound = errors.New("track not in collection")
	// ErrPlaylistNotFound is returned for unknown playlist names.
	ErrPlaylistNotFound = errors.New("playlist not found")
)

// Store is a BadgerDB-backed collection.
type Store struct {
	db      *badger.DB
	logger  *log.Logger
	allowed []string
}

// Options configures Open.
type Options struct {
	// Dir is the database directory. Empty opens an in-memory store.
	Dir string
	// Allowed lists the extensions Import accepts. Nil means
	// config.AllowedExtensions.
	Allowed []string
	Logger  *log.Logger
}

// Open opens or creates the collection database.
func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	bopts := badger.DefaultOptions(opts.Dir).WithLogger(badgerLogger{logger.WithPrefix("badger")})
	if opts.Dir == "" {
		bopts = bopts.WithInMemory(true)
	} else if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create collection dir: %w", err)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open collection: %w", err)
	}
	allowed := opts.Allowed
	if allowed == nil {
		allowed = config.AllowedExtensions()
	}
	return &Store{db: db, logger: logger, allowed: allowed}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores track, replacing any record with the same locator.
func (s *Store) Put(track models.Track) error {
	data, err := json.Marshal(track)
	if err != nil {
		return fmt.Errorf("marshal track: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(trackKeyPrefix+track.URL), data)
	})
}

// Get returns the track stored under locator.
func (s *Store) Get(locator string) (models.Track, bool, error) {
	var track models.Track
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(trackKeyPrefix + locator))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &track)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return models.Track{}, false, nil
	}
	if err != nil {
		return models.Track{}, false, fmt.Errorf("get track %s: %w", locator, err)
	}
	return track, true, nil
}

// Import adds every allowed audio file under dir. Statistics of tracks
// already in the collection are kept.
func (s *Store) Import(dir string) (int, error) {
	tracks, err := metadata.ScanDir(dir, s.allowed, s.logger)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tracks {
		if old, ok, err := s.Get(t.URL); err == nil && ok {
			t.Stats = old.Stats
		}
		if err := s.Put(t); err != nil {
			return n, err
		}
		n++
	}
	s.logger.Infof("imported %d tracks from %s", n, dir)
	return n, nil
}

// Tracks returns the whole collection ordered by artist, album, track number
// and title.
func (s *Store) Tracks() ([]models.Track, error) {
	var out []models.Track
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(trackKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var t models.Track
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &t)
			}); err != nil {
				return err
			}
			out = append(out, t)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list tracks: %w", err)
	}
	sortTracks(out)
	return out, nil
}

// Query returns the tracks matching a query-language expression.
func (s *Store) Query(q string) ([]models.Track, error) {
	expr := query.Compile(q)
	if query.IsAdvanced(q) {
		parsed, err := query.Parse(q)
		if err != nil {
			return nil, err
		}
		expr = parsed
	}
	all, err := s.Tracks()
	if err != nil {
		return nil, err
	}
	var out []models.Track
	for _, t := range all {
		if expr.Match(query.Subject{Track: t, Name: t.Title}) {
			out = append(out, t)
		}
	}
	return out, nil
}

// SavePlaylist stores a static playlist under name.
func (s *Store) SavePlaylist(name string, locators []string) error {
	data, err := json.Marshal(locators)
	if err != nil {
		return fmt.Errorf("marshal playlist: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(playlistKeyPrefix+name), data)
	})
}

// Playlists returns the stored playlist names.
func (s *Store) Playlists() ([]string, error) {
	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(playlistKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			names = append(names, strings.TrimPrefix(string(it.Item().Key()), playlistKeyPrefix))
		}
		return nil
	})
	return names, err
}

// Playlist resolves a static playlist. locator is a stored playlist name or
// the path of an .m3u or .m3u8 file.
func (s *Store) Playlist(locator string) ([]models.Track, error) {
	var locators []string
	switch strings.ToLower(filepath.Ext(locator)) {
	case ".m3u", ".m3u8":
		var err error
		if locators, err = readM3U(models.LocalPath(locator)); err != nil {
			return nil, err
		}
	default:
		err := s.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get([]byte(playlistKeyPrefix + locator))
			if err != nil {
				return err
			}
			return item.Value(func(val []byte) error {
				return json.Unmarshal(val, &locators)
			})
		})
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPlaylistNotFound, locator)
		}
		if err != nil {
			return nil, err
		}
	}

	tracks := make([]models.Track, 0, len(locators))
	for _, loc := range locators {
		t, ok, err := s.Get(loc)
		if err != nil {
			return nil, err
		}
		if !ok {
			if t, err = metadata.BuildTrack(models.LocalPath(loc)); err != nil {
				s.logger.Warnf("playlist %s: skipping %s: %v", locator, loc, err)
				continue
			}
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

// Lookup finds the collection record for a device track, by locator first and
// then by artist, album and title.
func (s *Store) Lookup(track models.Track) (models.Track, bool, error) {
	if track.URL != "" {
		if t, ok, err := s.Get(track.URL); err != nil || ok {
			return t, ok, err
		}
	}
	var (
		found models.Track
		ok    bool
	)
	err := s.each(func(t models.Track) bool {
		if t.SameSong(track) {
			found, ok = t, true
			return false
		}
		return true
	})
	return found, ok, err
}

// RecordPlay counts one play at the given time. LastPlayed never moves back.
func (s *Store) RecordPlay(locator string, at time.Time) error {
	return s.update(locator, func(t *models.Track) {
		t.Stats.PlayCount++
		if at.After(t.Stats.LastPlayed) {
			t.Stats.LastPlayed = at
		}
	})
}

// SetRating raises the rating to r. Lower values are ignored.
func (s *Store) SetRating(locator string, r int) error {
	if r > maxRating {
		r = maxRating
	}
	return s.update(locator, func(t *models.Track) {
		if r > t.Stats.Rating {
			t.Stats.Rating = r
		}
	})
}

// MarkListened flags a podcast episode as listened.
func (s *Store) MarkListened(locator string) error {
	return s.update(locator, func(t *models.Track) {
		t.Stats.Listened = true
	})
}

func (s *Store) update(locator string, fn func(*models.Track)) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(trackKeyPrefix + locator)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrTrackNotFound, locator)
		}
		if err != nil {
			return err
		}
		var t models.Track
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &t)
		}); err != nil {
			return err
		}
		fn(&t)
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

func (s *Store) each(fn func(models.Track) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(trackKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var t models.Track
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &t)
			}); err != nil {
				return err
			}
			if !fn(t) {
				return nil
			}
		}
		return nil
	})
}

// readM3U returns the entries of a playlist file, relative paths resolved
// against the file's directory.
func readM3U(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open playlist: %w", err)
	}
	defer f.Close()

	base := filepath.Dir(path)
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(sc.Text(), "\ufeff"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.Contains(line, "://") && !strings.HasPrefix(line, "file://") {
			continue
		}
		line = models.LocalPath(line)
		if !filepath.IsAbs(line) {
			line = filepath.Join(base, filepath.FromSlash(line))
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

func sortTracks(tracks []models.Track) {
	sort.SliceStable(tracks, func(i, j int) bool {
		a, b := tracks[i], tracks[j]
		if x, y := strings.ToLower(a.Artist), strings.ToLower(b.Artist); x != y {
			return x < y
		}
		if x, y := strings.ToLower(a.Album), strings.ToLower(b.Album); x != y {
			return x < y
		}
		if a.TrackNumber != b.TrackNumber {
			return a.TrackNumber < b.TrackNumber
		}
		return strings.ToLower(a.Title) < strings.ToLower(b.Title)
	})
}

// badgerLogger routes badger's log output through the application logger.
type badgerLogger struct{ l *log.Logger }

func (b badgerLogger) Errorf(f string, v ...interface{})   { b.l.Errorf(strings.TrimSpace(f), v...) }
func (b badgerLogger) Warningf(f string, v ...interface{}) { b.l.Warnf(strings.TrimSpace(f), v...) }
func (b badgerLogger) Infof(f string, v ...interface{})    { b.l.Debugf(strings.TrimSpace(f), v...) }
func (b badgerLogger) Debugf(f string, v ...interface{})   { b.l.Debugf(strings.TrimSpace(f), v...) }
