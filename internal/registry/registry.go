// Package registry tracks the devices the engine knows about and routes
// commands to their sessions.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"portable-sync/internal/config"
	"portable-sync/internal/driver"
	"portable-sync/internal/itemtree"
	"portable-sync/internal/metrics"
	"portable-sync/internal/models"
	"portable-sync/internal/notify"
	"portable-sync/internal/queue"
	"portable-sync/internal/session"
	"portable-sync/internal/transfer"
)

var (
	// ErrUnknownDevice is returned for ids without a session.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrNoSuchNode is returned when a delete selection names a missing node.
	ErrNoSuchNode = errors.New("no such node")
)

// Options wires the registry to the rest of the engine.
type Options struct {
	Settings config.Settings
	Catalog  *driver.Catalog
	Queue    *queue.Queue
	Executor *transfer.Executor
	Stats    session.StatsSyncer
	Notifier notify.Notifier
	Prompter notify.Prompter
	Logger   *log.Logger
	Hook     session.HookRunner
}

// Registry owns one session per known device.
type Registry struct {
	settings config.Settings
	catalog  *driver.Catalog
	queue    *queue.Queue
	executor *transfer.Executor
	stats    session.StatsSyncer
	notifier notify.Notifier
	prompter notify.Prompter
	logger   *log.Logger
	hook     session.HookRunner

	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// New creates a registry and registers it as the queue's presence source.
func New(opts Options) *Registry {
	r := &Registry{
		settings: opts.Settings,
		catalog:  opts.Catalog,
		queue:    opts.Queue,
		executor: opts.Executor,
		stats:    opts.Stats,
		notifier: opts.Notifier,
		prompter: opts.Prompter,
		logger:   opts.Logger,
		hook:     opts.Hook,
		sessions: make(map[string]*session.Session),
	}
	if r.logger == nil {
		r.logger = log.Default()
	}
	if r.notifier == nil {
		r.notifier = notify.NewLogNotifier(r.logger)
	}
	if r.catalog == nil {
		r.catalog = driver.NewCatalog()
	}
	if r.queue != nil {
		r.queue.SetPresence(r.Present)
	}
	return r
}

// Appeared creates a session for a newly discovered device and connects it
// when its profile asks for that. A device that is already known is returned
// unchanged.
func (r *Registry) Appeared(ctx context.Context, info driver.Info) (*session.Session, error) {
	r.mu.Lock()
	if s, ok := r.sessions[info.ID]; ok {
		r.mu.Unlock()
		return s, nil
	}
	profile := r.settings.Profile(info.ID)
	if info.Name == "" {
		info.Name = firstNonEmpty(profile.Name, info.ID)
	}
	drv, err := r.catalog.Create(info, profile)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("device %s: %w", info.ID, err)
	}
	s := session.New(session.Options{
		Info:     info,
		Profile:  profile,
		Driver:   drv,
		Stats:    r.stats,
		Notifier: r.notifier,
		Prompter: r.prompter,
		Logger:   r.logger.WithPrefix(info.ID),
		Hook:     r.hook,
	})
	s.Subscribe(r.onStateChange)
	r.sessions[info.ID] = s
	r.mu.Unlock()

	metrics.MoveSession("", session.StateDisconnected.String())
	r.logger.Infof("device %s (%s) appeared", info.ID, info.Name)

	if profile.Capabilities.AutoConnect {
		if err := s.Connect(ctx, true); err != nil {
			r.logger.Warnf("auto-connect of %s failed: %v", info.ID, err)
		}
	}
	return s, nil
}

// Disappeared disconnects and forgets a device. A disconnect that has to
// wait for a running batch completes on its own.
func (r *Registry) Disappeared(ctx context.Context, id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := s.Disconnect(ctx); err != nil {
		r.logger.Errorf("disconnect of vanished device %s: %v", id, err)
	}
	if s.State() == session.StateDisconnected {
		metrics.MoveSession(session.StateDisconnected.String(), "")
	}
	r.logger.Infof("device %s disappeared", id)
	if r.queue != nil {
		r.queue.Recompute()
	}
}

// DeviceAppeared adapts Appeared to discovery callbacks.
func (r *Registry) DeviceAppeared(ctx context.Context, info driver.Info) {
	if _, err := r.Appeared(ctx, info); err != nil {
		r.logger.Errorf("device %s ignored: %v", info.ID, err)
		r.notifier.Report(notify.SeverityWarning, fmt.Sprintf("%s cannot be used", firstNonEmpty(info.Name, info.ID)), []string{err.Error()})
	}
}

// DeviceDisappeared adapts Disappeared to discovery callbacks.
func (r *Registry) DeviceDisappeared(ctx context.Context, id string) {
	r.Disappeared(ctx, id)
}

// AddManual registers a manually configured device. An empty id gets a
// generated one.
func (r *Registry) AddManual(ctx context.Context, m config.ManualDevice) (*session.Session, error) {
	if m.ID == "" {
		m.ID = "manual:" + uuid.NewString()
	}
	if m.Tag == "" {
		m.Tag = "mount"
	}
	return r.Appeared(ctx, driver.Info{
		ID:         m.ID,
		Name:       firstNonEmpty(m.Name, m.ID),
		Tag:        m.Tag,
		DeviceNode: m.DeviceNode,
		MountPoint: m.MountPoint,
	})
}

// Get returns the session of a device.
func (r *Registry) Get(id string) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return s, nil
}

// Sessions returns all sessions ordered by id.
func (r *Registry) Sessions() []*session.Session {
	r.mu.RLock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Connect opens a device interactively.
func (r *Registry) Connect(ctx context.Context, id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.Connect(ctx, false)
}

// Disconnect closes a device, deferring while a batch runs.
func (r *Registry) Disconnect(ctx context.Context, id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.Disconnect(ctx)
}

// Transfer starts draining the queue onto a device. The batch runs on its own
// goroutine; ctx bounds the whole batch.
func (r *Registry) Transfer(ctx context.Context, id string) (<-chan transfer.Summary, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return r.executor.Launch(ctx, s)
}

// Cancel asks the running batch of a device to stop.
func (r *Registry) Cancel(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.Cancel()
	return nil
}

// Delete removes the nodes with the given ids from a device.
func (r *Registry) Delete(ctx context.Context, id string, nodeIDs []uint64, flags driver.DeleteFlags) (session.DeleteResult, error) {
	s, err := r.Get(id)
	if err != nil {
		return session.DeleteResult{}, err
	}
	tree := s.Tree()
	if tree == nil {
		return session.DeleteResult{}, fmt.Errorf("%w: %s is not connected", session.ErrInvalidState, id)
	}
	nodes := make([]*itemtree.Node, 0, len(nodeIDs))
	for _, nid := range nodeIDs {
		n := tree.Find(nid)
		if n == nil {
			return session.DeleteResult{}, fmt.Errorf("%w: %d", ErrNoSuchNode, nid)
		}
		nodes = append(nodes, n)
	}
	return s.Delete(ctx, nodes, flags)
}

// Present reports whether any connected device already holds track.
func (r *Registry) Present(track models.Track) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.Connected() && s.TrackExists(track) {
			return true
		}
	}
	return false
}

// Close disconnects every device.
func (r *Registry) Close(ctx context.Context) {
	for _, s := range r.Sessions() {
		if err := s.Disconnect(ctx); err != nil {
			r.logger.Warnf("disconnect %s: %v", s.ID(), err)
		}
	}
}

func (r *Registry) onStateChange(ev session.Event) {
	metrics.MoveSession(ev.From.String(), ev.To.String())
	switch ev.To {
	case session.StateConnected, session.StateDisconnected:
		if r.queue != nil {
			r.queue.Recompute()
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
