// Package mountwatch turns player volumes appearing under the configured mount
// roots into device appeared and disappeared events.
package mountwatch

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/thejerf/suture/v4"

	"portable-sync/internal/driver"
)

const (
	// MarkerFile identifies a mounted directory as a player volume. Its first
	// line, when present, names the driver tag.
	MarkerFile = ".is_audio_player"
	// DefaultTag is used when the marker file is empty.
	DefaultTag = "mount"
	// IDPrefix prefixes the ids of discovered volumes.
	IDPrefix = "mount:"
)

// Handler receives device events. Calls are serialized.
type Handler interface {
	DeviceAppeared(ctx context.Context, info driver.Info)
	DeviceDisappeared(ctx context.Context, id string)
}

// Options configures a Watcher.
type Options struct {
	Roots    []string
	Debounce time.Duration
	Handler  Handler
	Logger   *log.Logger
	// MountTable is read to find device nodes; /proc/mounts when empty.
	MountTable string
}

// Watcher monitors mount roots and keeps the set of visible player volumes.
type Watcher struct {
	roots      []string
	handler    Handler
	watcher    *fsnotify.Watcher
	logger     *log.Logger
	mountTable string

	scanMu sync.Mutex
	mu     sync.RWMutex
	known  map[string]driver.Info
	ctx    context.Context

	refreshMu    sync.Mutex
	refreshTimer *time.Timer
	refreshDelay time.Duration

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New creates a watcher on opts.Roots. Roots that do not exist yet are
// skipped with a warning.
func New(opts Options) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	w := &Watcher{
		roots:        opts.Roots,
		handler:      opts.Handler,
		watcher:      watcher,
		logger:       logger,
		mountTable:   opts.MountTable,
		known:        make(map[string]driver.Info),
		ctx:          context.Background(),
		refreshDelay: opts.Debounce,
		done:         make(chan struct{}),
	}
	if w.mountTable == "" {
		w.mountTable = "/proc/mounts"
	}

	for _, root := range w.roots {
		w.addWatch(root)
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				w.addWatch(filepath.Join(root, e.Name()))
			}
		}
	}
	return w, nil
}

// Serve scans once, then follows filesystem events until ctx ends. A closed
// watcher cannot be restarted.
func (w *Watcher) Serve(ctx context.Context) error {
	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()

	w.Scan()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return suture.ErrDoNotRestart
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return suture.ErrDoNotRestart
			}
			w.logger.Warnf("watcher error: %v", err)
		case <-ctx.Done():
			w.Close()
			return ctx.Err()
		case <-w.done:
			return suture.ErrDoNotRestart
		}
	}
}

func (w *Watcher) String() string { return "mount-watcher" }

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)

		w.refreshMu.Lock()
		if w.refreshTimer != nil {
			w.refreshTimer.Stop()
			w.refreshTimer = nil
		}
		w.refreshMu.Unlock()

		w.closeErr = w.watcher.Close()
	})
	return w.closeErr
}

// Devices returns the volumes currently visible, ordered by id.
func (w *Watcher) Devices() []driver.Info {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]driver.Info, 0, len(w.known))
	for _, info := range w.known {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Scan compares the volumes under the roots with the known set and reports
// the differences to the handler.
func (w *Watcher) Scan() {
	w.scanMu.Lock()
	defer w.scanMu.Unlock()

	nodes := w.deviceNodes()
	current := make(map[string]driver.Info)
	for _, root := range w.roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			dir := filepath.Join(root, e.Name())
			tag, ok := readMarker(filepath.Join(dir, MarkerFile))
			if !ok {
				continue
			}
			id := IDPrefix + dir
			current[id] = driver.Info{
				ID:         id,
				Name:       e.Name(),
				Tag:        tag,
				DeviceNode: nodes[dir],
				MountPoint: dir,
			}
		}
	}

	w.mu.Lock()
	ctx := w.ctx
	var appeared []driver.Info
	var gone []string
	for id, info := range current {
		if _, ok := w.known[id]; !ok {
			appeared = append(appeared, info)
		}
	}
	for id := range w.known {
		if _, ok := current[id]; !ok {
			gone = append(gone, id)
		}
	}
	w.known = current
	w.mu.Unlock()

	if w.handler == nil {
		return
	}
	sort.Strings(gone)
	for _, id := range gone {
		w.logger.Infof("player volume %s went away", id)
		w.handler.DeviceDisappeared(ctx, id)
	}
	sort.Slice(appeared, func(i, j int) bool { return appeared[i].ID < appeared[j].ID })
	for _, info := range appeared {
		w.logger.Infof("player volume %s found (%s)", info.MountPoint, info.Tag)
		w.handler.DeviceAppeared(ctx, info)
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() && w.isRootChild(event.Name) {
			w.addWatch(event.Name)
		}
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
		w.scheduleRefresh()
	}
}

func (w *Watcher) scheduleRefresh() {
	select {
	case <-w.done:
		return
	default:
	}

	w.refreshMu.Lock()
	defer w.refreshMu.Unlock()

	if w.refreshTimer != nil {
		w.refreshTimer.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(w.refreshDelay, func() {
		w.Scan()

		w.refreshMu.Lock()
		if w.refreshTimer == timer {
			w.refreshTimer = nil
		}
		w.refreshMu.Unlock()
	})
	w.refreshTimer = timer
}

func (w *Watcher) addWatch(path string) {
	if err := w.watcher.Add(path); err != nil {
		w.logger.Warnf("watcher add failure for %s: %v", path, err)
	}
}

func (w *Watcher) isRootChild(path string) bool {
	parent := filepath.Dir(filepath.Clean(path))
	for _, root := range w.roots {
		if filepath.Clean(root) == parent {
			return true
		}
	}
	return false
}

func (w *Watcher) deviceNodes() map[string]string {
	f, err := os.Open(w.mountTable)
	if err != nil {
		return map[string]string{}
	}
	defer f.Close()
	return parseMounts(f)
}

// readMarker returns the driver tag named by the marker file.
func readMarker(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	line, _, _ := strings.Cut(string(data), "\n")
	if tag := strings.TrimSpace(line); tag != "" {
		return tag, true
	}
	return DefaultTag, true
}

// parseMounts maps mount points to device nodes from a mount table in
// /proc/mounts format.
func parseMounts(r io.Reader) map[string]string {
	out := make(map[string]string)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || !strings.HasPrefix(fields[0], "/dev/") {
			continue
		}
		out[unescapeMount(fields[1])] = fields[0]
	}
	return out
}

var mountEscapes = strings.NewReplacer(`\040`, " ", `\011`, "\t", `\012`, "\n", `\134`, `\`)

func unescapeMount(s string) string {
	return mountEscapes.Replace(s)
}
