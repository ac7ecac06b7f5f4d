package queue

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"portable-sync/internal/models"
	"portable-sync/internal/notify"
)

const (
	product = "portable-sync"
	version = "1.0"
)

// PersistenceError reports a queue file that could not be read or written.
// A malformed file aborts the whole load.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s transfer queue %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

type xmlQueue struct {
	XMLName xml.Name  `xml:"playlist"`
	Product string    `xml:"product,attr"`
	Version string    `xml:"version,attr"`
	Items   []xmlItem `xml:"item"`
}

type xmlItem struct {
	URL           string `xml:"url,attr"`
	Playlist      string `xml:"playlist,attr,omitempty"`
	Podcast       string `xml:"podcast,attr,omitempty"`
	PlaylistData  string `xml:"playlistdata,attr,omitempty"`
	SmartPlaylist string `xml:"smartplaylist,attr,omitempty"`

	Title   string `xml:"Title,omitempty"`
	Artist  string `xml:"Artist,omitempty"`
	Album   string `xml:"Album,omitempty"`
	Year    string `xml:"Year,omitempty"`
	Comment string `xml:"Comment,omitempty"`
	Genre   string `xml:"Genre,omitempty"`
	Track   string `xml:"Track,omitempty"`

	PodcastDescription string `xml:"PodcastDescription,omitempty"`
	PodcastAuthor      string `xml:"PodcastAuthor,omitempty"`
	PodcastRSS         string `xml:"PodcastRSS,omitempty"`
	PodcastURL         string `xml:"PodcastURL,omitempty"`
}

// Save writes the full queue to its file, replacing it atomically.
func (q *Queue) Save() error {
	doc := xmlQueue{Product: product, Version: version}
	for _, e := range q.Entries() {
		doc.Items = append(doc.Items, encodeEntry(e))
	}

	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "encode", Path: q.path, Err: err}
	}
	data = append([]byte(xml.Header), data...)
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return &PersistenceError{Op: "save", Path: q.path, Err: err}
	}
	tmp, err := os.CreateTemp(filepath.Dir(q.path), ".transferlist-*")
	if err != nil {
		return &PersistenceError{Op: "save", Path: q.path, Err: err}
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return &PersistenceError{Op: "save", Path: q.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return &PersistenceError{Op: "save", Path: q.path, Err: err}
	}
	if err := os.Rename(tmp.Name(), q.path); err != nil {
		os.Remove(tmp.Name())
		return &PersistenceError{Op: "save", Path: q.path, Err: err}
	}
	return nil
}

// Load replaces the queue with the contents of its file. A missing file
// yields an empty queue. Any parse error leaves the queue untouched and is
// reported through the notifier.
func (q *Queue) Load() error {
	err := q.load()
	if err != nil {
		q.notifier.Report(notify.SeverityError, "The saved transfer queue could not be read", []string{err.Error()})
	}
	return err
}

func (q *Queue) load() error {
	data, err := os.ReadFile(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &PersistenceError{Op: "load", Path: q.path, Err: err}
	}

	var doc xmlQueue
	if err := xml.Unmarshal(data, &doc); err != nil {
		return &PersistenceError{Op: "load", Path: q.path, Err: err}
	}

	entries := make([]*Entry, 0, len(doc.Items))
	for i, item := range doc.Items {
		if item.URL == "" {
			return &PersistenceError{Op: "load", Path: q.path, Err: fmt.Errorf("item %d has no url", i+1)}
		}
		entries = append(entries, decodeItem(item))
	}

	q.mu.Lock()
	q.entries = entries
	q.recomputeLocked()
	q.mu.Unlock()

	q.logger.Infof("loaded %d queue entries from %s", len(entries), q.path)
	return nil
}

func encodeEntry(e Entry) xmlItem {
	if e.IsPlaylist() {
		item := xmlItem{URL: e.Locator, PlaylistData: "1", Title: e.Name}
		if e.Kind == KindSmartPlaylist {
			item.SmartPlaylist = "1"
		}
		return item
	}

	t := e.Track
	item := xmlItem{
		URL:      e.Locator,
		Playlist: e.Group,
		Title:    t.Title,
		Artist:   t.Artist,
		Album:    t.Album,
		Comment:  t.Comment,
		Genre:    t.Genre,
	}
	if t.Year > 0 {
		item.Year = strconv.Itoa(t.Year)
	}
	if t.TrackNumber > 0 {
		item.Track = strconv.Itoa(t.TrackNumber)
	}
	if p := t.Podcast; p != nil {
		item.Podcast = "1"
		item.PodcastDescription = p.Description
		item.PodcastAuthor = p.Author
		item.PodcastRSS = p.RSS
		item.PodcastURL = p.URL
	}
	return item
}

func decodeItem(item xmlItem) *Entry {
	if item.PlaylistData == "1" {
		kind := KindPlaylist
		if item.SmartPlaylist == "1" {
			kind = KindSmartPlaylist
		}
		return &Entry{ID: uuid.NewString(), Kind: kind, Locator: item.URL, Name: item.Title}
	}

	t := models.Track{
		URL:     item.URL,
		Title:   item.Title,
		Artist:  item.Artist,
		Album:   item.Album,
		Comment: item.Comment,
		Genre:   item.Genre,
	}
	t.Year, _ = strconv.Atoi(item.Year)
	t.TrackNumber, _ = strconv.Atoi(item.Track)
	if item.Podcast == "1" {
		t.Podcast = &models.PodcastInfo{
			Description: item.PodcastDescription,
			Author:      item.PodcastAuthor,
			RSS:         item.PodcastRSS,
			URL:         item.PodcastURL,
		}
	}
	t.FileType = models.FormatOf(item.URL)
	if info, err := os.Stat(models.LocalPath(item.URL)); err == nil {
		t.FilesizeBytes = info.Size()
		t.ModifiedAt = info.ModTime().UTC()
	}
	return &Entry{ID: uuid.NewString(), Kind: KindTrack, Locator: item.URL, Group: item.Playlist, Track: t}
}
