package metadata

import (
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dhowden/tag"
	"github.com/tcolgate/mp3"

	"portable-sync/internal/models"
)

// BuildTrack constructs a metadata snapshot for the given audio file path.
func BuildTrack(path string) (models.Track, error) {
	info, err := os.Stat(path)
	if err != nil {
		return models.Track{}, err
	}
	if info.IsDir() {
		return models.Track{}, errors.New("not a regular file: " + path)
	}

	track := readTags(path)
	if track.Title == "" {
		track.Title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	if strings.EqualFold(filepath.Ext(path), ".mp3") {
		dur, err := computeMP3Duration(path)
		if err == nil && dur > 0 {
			track.LengthSeconds = dur
			bitrate := int(math.Round((float64(info.Size()) * 8) / dur / 1000))
			if bitrate > 0 {
				track.BitrateKbps = bitrate
			}
		}
	}

	track.URL = path
	track.FileType = models.FormatOf(path)
	track.FilesizeBytes = info.Size()
	track.ModifiedAt = info.ModTime().UTC().Round(time.Second)
	return track, nil
}

// IsAllowed reports whether path has one of the allowed extensions.
// An empty allow list accepts everything.
func IsAllowed(path string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, candidate := range allowed {
		if strings.ToLower(candidate) == ext {
			return true
		}
	}
	return false
}

// ScanDir walks root and returns one track per allowed audio file, sorted by path.
// Unreadable entries are logged and skipped.
func ScanDir(root string, allowed []string, logger *log.Logger) ([]models.Track, error) {
	if logger == nil {
		logger = log.Default()
	}

	var tracks []models.Track
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			logger.Warnf("walk error for %s: %v", path, err)
			return nil
		}
		if d.IsDir() || !IsAllowed(path, allowed) {
			return nil
		}

		track, err := BuildTrack(path)
		if err != nil {
			logger.Warnf("metadata error for %s: %v", path, err)
			return nil
		}
		tracks = append(tracks, track)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(tracks, func(i, j int) bool {
		return tracks[i].URL < tracks[j].URL
	})
	return tracks, nil
}

func readTags(path string) models.Track {
	f, err := os.Open(path)
	if err != nil {
		return models.Track{}
	}
	defer f.Close()

	meta, err := tag.ReadFrom(f)
	if err != nil {
		return models.Track{}
	}

	number, _ := meta.Track()
	return models.Track{
		Title:       strings.TrimSpace(meta.Title()),
		Artist:      firstNonEmpty(meta.Artist(), meta.AlbumArtist()),
		Album:       strings.TrimSpace(meta.Album()),
		Genre:       strings.TrimSpace(meta.Genre()),
		Comment:     strings.TrimSpace(meta.Comment()),
		Year:        meta.Year(),
		TrackNumber: number,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func computeMP3Duration(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	decoder := mp3.NewDecoder(f)
	var frame mp3.Frame
	var skipped int
	var total float64

	for {
		err := decoder.Decode(&frame, &skipped)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return 0, err
		}
		total += frame.Duration().Seconds()
	}

	return total, nil
}
