package fsdevice

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"portable-sync/internal/models"
)

// StatsFile is the name of the statistics sidecar at the device root.
const StatsFile = ".portable-sync-stats.yaml"

type sidecar struct {
	Version int                     `yaml:"version"`
	Tracks  map[string]sidecarStats `yaml:"tracks"`
}

type sidecarStats struct {
	PlayCount   int       `yaml:"play_count,omitempty"`
	Rating      int       `yaml:"rating,omitempty"`
	LastPlayed  time.Time `yaml:"last_played,omitempty"`
	RecentPlays int       `yaml:"recent_plays,omitempty"`
	Listened    bool      `yaml:"listened,omitempty"`
}

// loadStats reads the sidecar keyed by root-relative slash paths. A missing
// file yields an empty map.
func loadStats(root string) (map[string]models.Stats, error) {
	out := make(map[string]models.Stats)
	data, err := os.ReadFile(filepath.Join(root, StatsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return out, err
	}
	var sc sidecar
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return out, fmt.Errorf("parse %s: %w", StatsFile, err)
	}
	for path, st := range sc.Tracks {
		out[path] = models.Stats{
			PlayCount:   st.PlayCount,
			Rating:      st.Rating,
			LastPlayed:  st.LastPlayed,
			RecentPlays: st.RecentPlays,
			Listened:    st.Listened,
		}
	}
	return out, nil
}

func saveStats(root string, stats map[string]models.Stats) error {
	sc := sidecar{Version: 1, Tracks: make(map[string]sidecarStats, len(stats))}
	for path, st := range stats {
		sc.Tracks[path] = sidecarStats{
			PlayCount:   st.PlayCount,
			Rating:      st.Rating,
			LastPlayed:  st.LastPlayed.UTC(),
			RecentPlays: st.RecentPlays,
			Listened:    st.Listened,
		}
	}
	data, err := yaml.Marshal(sc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", StatsFile, err)
	}
	if err := writeAtomic(filepath.Join(root, StatsFile), data); err != nil {
		return fmt.Errorf("write %s: %w", StatsFile, err)
	}
	return nil
}
