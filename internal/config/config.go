package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var allowedExtensions = []string{
	".mp3",
	".m4a",
	".aac",
	".wav",
	".flac",
	".ogg",
	".opus",
	".wma",
}

const (
	defaultListenAddr        = "127.0.0.1:8088"
	defaultRefreshDebounceMS = 500
	defaultLogLevel          = "info"
	defaultMusicFolder       = "Music"
	defaultPodcastFolder     = "Podcasts"
	defaultPlaylistFolder    = "Playlists"
	defaultMinStatsLength    = 10
	queueFileName            = "transferlist.xml"
	collectionDirName        = "collection"
)

// Capabilities describes what a device supports and how sessions treat it.
type Capabilities struct {
	RequiresMount            bool `yaml:"requires_mount"`
	SupportsAsyncTransfer    bool `yaml:"supports_async_transfer"`
	AutoConnect              bool `yaml:"auto_connect"`
	NeedsManualConfig        bool `yaml:"needs_manual_config"`
	SyncStats                bool `yaml:"sync_stats"`
	AutoDeletePlayedPodcasts bool `yaml:"auto_delete_played_podcasts"`
}

// TranscodePolicy controls format conversion before transfer.
type TranscodePolicy struct {
	Enabled           bool `yaml:"enabled"`
	Always            bool `yaml:"always"`
	RemoveSourceAfter bool `yaml:"remove_source_after"`
}

// DeviceProfile is the typed per-device configuration, loaded once when a
// session is created.
type DeviceProfile struct {
	ID                    string          `yaml:"id"`
	Name                  string          `yaml:"name"`
	Capabilities          Capabilities    `yaml:"capabilities"`
	Transcode             TranscodePolicy `yaml:"transcode"`
	PreConnectCommand     string          `yaml:"pre_connect_command"`
	PostDisconnectCommand string          `yaml:"post_disconnect_command"`
	SupportedFormats      []string        `yaml:"supported_formats"`
	MusicFolder           string          `yaml:"music_folder"`
	PodcastFolder         string          `yaml:"podcast_folder"`
	PlaylistFolder        string          `yaml:"playlist_folder"`
	MinStatsLength        float64         `yaml:"min_stats_length_seconds"`
}

// ManualDevice is a device that is not discovered automatically.
type ManualDevice struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Tag        string `yaml:"tag"`
	MountPoint string `yaml:"mount_point"`
	DeviceNode string `yaml:"device_node"`
}

// Settings is the resolved application configuration.
type Settings struct {
	StateDir          string
	QueueFile         string
	CollectionDir     string
	TempDir           string
	ListenAddr        string
	MountRoots        []string
	RefreshDebounce   time.Duration
	TokenFile         string
	TokensEnabled     bool
	AllowedExtensions []string
	LogLevel          string
	Defaults          DeviceProfile
	Devices           []DeviceProfile
	Manual            []ManualDevice
}

type fileConfig struct {
	StateDir   string          `yaml:"state_dir"`
	ListenAddr string          `yaml:"listen_addr"`
	MountRoots []string        `yaml:"mount_roots"`
	LogLevel   string          `yaml:"log_level"`
	Defaults   *DeviceProfile  `yaml:"defaults"`
	Devices    []DeviceProfile `yaml:"devices"`
	Manual     []ManualDevice  `yaml:"manual"`
}

// DefaultProfile returns the profile applied to devices without configuration.
func DefaultProfile() DeviceProfile {
	return DeviceProfile{
		Capabilities: Capabilities{
			RequiresMount: true,
			SyncStats:     true,
		},
		MusicFolder:    defaultMusicFolder,
		PodcastFolder:  defaultPodcastFolder,
		PlaylistFolder: defaultPlaylistFolder,
		MinStatsLength: defaultMinStatsLength,
	}
}

// Profile returns the configured profile for a device id, falling back to the defaults.
func (s Settings) Profile(id string) DeviceProfile {
	for _, p := range s.Devices {
		if p.ID == id {
			return p.withDefaults(s.Defaults)
		}
	}
	p := s.Defaults
	p.ID = id
	return p
}

func (p DeviceProfile) withDefaults(d DeviceProfile) DeviceProfile {
	if p.MusicFolder == "" {
		p.MusicFolder = d.MusicFolder
	}
	if p.PodcastFolder == "" {
		p.PodcastFolder = d.PodcastFolder
	}
	if p.PlaylistFolder == "" {
		p.PlaylistFolder = d.PlaylistFolder
	}
	if p.MinStatsLength == 0 {
		p.MinStatsLength = d.MinStatsLength
	}
	if len(p.SupportedFormats) == 0 {
		p.SupportedFormats = d.SupportedFormats
	}
	return p
}

// Load resolves settings from defaults, the optional YAML file named by
// PSYNC_CONFIG and environment overrides, in that order.
func Load() (Settings, error) {
	s := Settings{
		ListenAddr:        defaultListenAddr,
		LogLevel:          defaultLogLevel,
		AllowedExtensions: AllowedExtensions(),
		Defaults:          DefaultProfile(),
	}

	var fc fileConfig
	if configPath := strings.TrimSpace(os.Getenv("PSYNC_CONFIG")); configPath != "" {
		resolved, err := resolvePath(configPath)
		if err != nil {
			return Settings{}, err
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return Settings{}, err
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Settings{}, err
		}
	}

	if value := strings.TrimSpace(fc.ListenAddr); value != "" {
		s.ListenAddr = value
	}
	if value := strings.TrimSpace(fc.LogLevel); value != "" {
		s.LogLevel = value
	}
	if fc.Defaults != nil {
		s.Defaults = fc.Defaults.withDefaults(DefaultProfile())
	}
	s.Devices = fc.Devices
	s.Manual = fc.Manual
	s.MountRoots = fc.MountRoots

	if value := strings.TrimSpace(os.Getenv("PSYNC_LISTEN_ADDR")); value != "" {
		s.ListenAddr = value
	}
	if value := strings.TrimSpace(os.Getenv("PSYNC_LOG_LEVEL")); value != "" {
		s.LogLevel = value
	}
	if value := strings.TrimSpace(os.Getenv("PSYNC_MOUNT_ROOTS")); value != "" {
		s.MountRoots = splitList(value)
	}
	if len(s.MountRoots) == 0 {
		s.MountRoots = defaultMountRoots()
	}

	stateDir, err := ResolveStateDir(fc.StateDir)
	if err != nil {
		return Settings{}, err
	}
	s.StateDir = stateDir
	s.QueueFile = filepath.Join(stateDir, queueFileName)
	s.CollectionDir = filepath.Join(stateDir, collectionDirName)
	s.TempDir = filepath.Join(stateDir, "transcode")
	if err := os.MkdirAll(s.TempDir, 0o755); err != nil {
		return Settings{}, err
	}

	s.RefreshDebounce = RefreshDebounce()
	s.TokenFile, s.TokensEnabled, err = ResolveTokenFile()
	if err != nil {
		return Settings{}, err
	}

	return s, nil
}

// AllowedExtensions returns the list of supported audio file extensions (lowercase).
func AllowedExtensions() []string {
	result := make([]string, len(allowedExtensions))
	copy(result, allowedExtensions)
	return result
}

// ResolveStateDir returns the directory holding the queue file and collection
// database. PSYNC_STATE_DIR wins over the configured value. The directory is
// created when it does not yet exist.
func ResolveStateDir(configured string) (string, error) {
	dir := strings.TrimSpace(os.Getenv("PSYNC_STATE_DIR"))
	if dir == "" {
		dir = strings.TrimSpace(configured)
	}
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".local", "share", "portable-sync")
	}

	abs, err := resolvePath(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

// RefreshDebounce returns the duration to wait before rescanning mount roots
// after file-system change events.
func RefreshDebounce() time.Duration {
	value := strings.TrimSpace(os.Getenv("PSYNC_REFRESH_DEBOUNCE_MS"))
	if value == "" {
		return time.Duration(defaultRefreshDebounceMS) * time.Millisecond
	}

	ms, err := strconv.Atoi(value)
	if err != nil || ms < 0 {
		return time.Duration(defaultRefreshDebounceMS) * time.Millisecond
	}
	return time.Duration(ms) * time.Millisecond
}

// ValidateListenAddr ensures the configured listen address is restricted to localhost.
func ValidateListenAddr(addr string) error {
	addr = strings.TrimSpace(strings.ToLower(addr))
	if strings.HasPrefix(addr, "127.0.0.1:") || strings.HasPrefix(addr, "localhost:") || strings.HasPrefix(addr, "[::1]:") {
		return nil
	}
	return errors.New("listen address must bind to localhost for security")
}

// ResolveTokenFile returns the absolute path to the API token file when configured.
// The file is created if it does not already exist. When no file is configured the
// second return value will be false.
func ResolveTokenFile() (string, bool, error) {
	path := strings.TrimSpace(os.Getenv("PSYNC_TOKEN_FILE"))
	if path == "" {
		return "", false, nil
	}

	abs, err := resolvePath(path)
	if err != nil {
		return "", false, err
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", false, err
	}

	if _, err := os.Stat(abs); err != nil {
		if os.IsNotExist(err) {
			file, err := os.OpenFile(abs, os.O_CREATE|os.O_RDWR, 0o600)
			if err != nil {
				return "", false, err
			}
			if err := file.Close(); err != nil {
				return "", false, err
			}
		} else {
			return "", false, err
		}
	}

	return abs, true, nil
}

func defaultMountRoots() []string {
	roots := []string{"/media", "/mnt"}
	if user := strings.TrimSpace(os.Getenv("USER")); user != "" {
		roots = append([]string{filepath.Join("/run/media", user), filepath.Join("/media", user)}, roots...)
	}
	return roots
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, string(os.PathListSeparator)) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[1:])
		}
	}

	return filepath.Abs(path)
}
