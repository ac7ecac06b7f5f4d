package models

import (
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// Track is the metadata record of a single audio item, independent of where it is stored.
type Track struct {
	URL           string       `json:"url"`
	Title         string       `json:"title"`
	Artist        string       `json:"artist,omitempty"`
	Album         string       `json:"album,omitempty"`
	Genre         string       `json:"genre,omitempty"`
	Comment       string       `json:"comment,omitempty"`
	Year          int          `json:"year,omitempty"`
	TrackNumber   int          `json:"track,omitempty"`
	LengthSeconds float64      `json:"length_seconds,omitempty"`
	BitrateKbps   int          `json:"bitrate_kbps,omitempty"`
	FilesizeBytes int64        `json:"filesize_bytes"`
	FileType      string       `json:"filetype,omitempty"`
	ModifiedAt    time.Time    `json:"modified_at"`
	Podcast       *PodcastInfo `json:"podcast,omitempty"`
	Stats         Stats        `json:"stats"`
}

// PodcastInfo carries the extra fields of a podcast episode.
type PodcastInfo struct {
	Description string `json:"description,omitempty"`
	Author      string `json:"author,omitempty"`
	RSS         string `json:"rss,omitempty"`
	URL         string `json:"url,omitempty"`
}

// Stats holds play statistics. RecentPlays counts plays recorded by a device
// that have not yet been replayed into the collection.
type Stats struct {
	PlayCount   int       `json:"play_count"`
	Rating      int       `json:"rating"`
	LastPlayed  time.Time `json:"last_played"`
	RecentPlays int       `json:"recent_plays,omitempty"`
	Listened    bool      `json:"listened,omitempty"`
}

// IsPodcast reports whether the track is a podcast episode.
func (t Track) IsPodcast() bool {
	return t.Podcast != nil
}

// Format returns the lowercase file type, derived from the locator when unset.
func (t Track) Format() string {
	if t.FileType != "" {
		return strings.ToLower(t.FileType)
	}
	return FormatOf(t.URL)
}

// LocalPath converts a file locator to a filesystem path.
func (t Track) LocalPath() string {
	return LocalPath(t.URL)
}

// SameSong reports whether both records describe the same song by artist, album and title.
func (t Track) SameSong(other Track) bool {
	return strings.EqualFold(strings.TrimSpace(t.Artist), strings.TrimSpace(other.Artist)) &&
		strings.EqualFold(strings.TrimSpace(t.Album), strings.TrimSpace(other.Album)) &&
		strings.EqualFold(strings.TrimSpace(t.Title), strings.TrimSpace(other.Title))
}

// FormatOf returns the lowercase extension of a locator without the dot.
func FormatOf(locator string) string {
	ext := filepath.Ext(LocalPath(locator))
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// LocalPath strips a file:// scheme from a locator.
func LocalPath(locator string) string {
	if !strings.HasPrefix(locator, "file://") {
		return locator
	}
	u, err := url.Parse(locator)
	if err != nil {
		return strings.TrimPrefix(locator, "file://")
	}
	return filepath.FromSlash(u.Path)
}
