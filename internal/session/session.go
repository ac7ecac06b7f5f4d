// Package session drives one device through its connection lifecycle and
// serializes the batch operations run against it.
package session

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"portable-sync/internal/config"
	"portable-sync/internal/driver"
	"portable-sync/internal/itemtree"
	"portable-sync/internal/models"
	"portable-sync/internal/notify"
)

// State is the connection state of a session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateTransferring
	StateDeleting
	StateDisconnecting
	StateDeferredDisconnect
)

var stateNames = [...]string{
	StateDisconnected:       "disconnected",
	StateConnecting:         "connecting",
	StateConnected:          "connected",
	StateTransferring:       "transferring",
	StateDeleting:           "deleting",
	StateDisconnecting:      "disconnecting",
	StateDeferredDisconnect: "deferred-disconnect",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Event describes a state change.
type Event struct {
	Device string
	From   State
	To     State
}

// StatsSyncer reconciles play statistics between a device tree and the collection.
type StatsSyncer interface {
	Pull(ctx context.Context, tree *itemtree.Tree, minLength float64) (int, error)
	Push(ctx context.Context, tree *itemtree.Tree) (int, error)
}

// Options configures a session.
type Options struct {
	Info     driver.Info
	Profile  config.DeviceProfile
	Driver   driver.Driver
	Stats    StatsSyncer
	Notifier notify.Notifier
	Prompter notify.Prompter
	Logger   *log.Logger
	// Hook runs pre-connect and post-disconnect commands; ShellHook when nil.
	Hook HookRunner
}

// Status is a snapshot for presentation layers.
type Status struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Tag                 string `json:"tag"`
	State               State  `json:"state"`
	Current             int    `json:"current"`
	Total               int    `json:"total"`
	Canceled            bool   `json:"canceled"`
	ScheduledDisconnect bool   `json:"scheduled_disconnect"`
	LastHookError       string `json:"last_hook_error,omitempty"`
}

// Session is the per-device state machine.
type Session struct {
	info     driver.Info
	profile  config.DeviceProfile
	drv      driver.Driver
	stats    StatsSyncer
	notifier notify.Notifier
	prompter notify.Prompter
	logger   *log.Logger
	hook     HookRunner

	canceled atomic.Bool

	mu            sync.Mutex
	state         State
	scheduled     bool
	tree          *itemtree.Tree
	current       int
	total         int
	lastHookError string
	listeners     []func(Event)
}

// New creates a disconnected session.
func New(opts Options) *Session {
	s := &Session{
		info:     opts.Info,
		profile:  opts.Profile,
		drv:      opts.Driver,
		stats:    opts.Stats,
		notifier: opts.Notifier,
		prompter: opts.Prompter,
		logger:   opts.Logger,
		hook:     opts.Hook,
		state:    StateDisconnected,
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	if s.notifier == nil {
		s.notifier = notify.NewLogNotifier(s.logger)
	}
	if s.prompter == nil {
		s.prompter = notify.ContextPrompt{Default: notify.AnswerNo}
	}
	if s.hook == nil {
		s.hook = ShellHook
	}
	return s
}

func (s *Session) ID() string                    { return s.info.ID }
func (s *Session) Info() driver.Info             { return s.info }
func (s *Session) Profile() config.DeviceProfile { return s.profile }
func (s *Session) Driver() driver.Driver         { return s.drv }
func (s *Session) Notifier() notify.Notifier     { return s.notifier }

// Capabilities returns the device capabilities from the profile.
func (s *Session) Capabilities() config.Capabilities { return s.profile.Capabilities }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Tree returns the device tree, or nil while disconnected.
func (s *Session) Tree() *itemtree.Tree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		ID:                  s.info.ID,
		Name:                s.info.Name,
		Tag:                 s.info.Tag,
		State:               s.state,
		Current:             s.current,
		Total:               s.total,
		Canceled:            s.canceled.Load(),
		ScheduledDisconnect: s.scheduled,
		LastHookError:       s.lastHookError,
	}
}

// Subscribe registers fn for state changes. fn runs on the goroutine that
// caused the change and must not block.
func (s *Session) Subscribe(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Connected reports whether the device tree is available for queries.
func (s *Session) Connected() bool {
	switch s.State() {
	case StateConnected, StateTransferring, StateDeleting, StateDeferredDisconnect:
		return true
	}
	return false
}

// TrackExists asks the driver for an equivalent track while connected.
func (s *Session) TrackExists(track models.Track) bool {
	if !s.Connected() {
		return false
	}
	_, ok := s.drv.TrackExists(track)
	return ok
}

// Progress returns the progress counters of the running batch.
func (s *Session) Progress() (current, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.total
}

// SetProgressTotal sets the number of steps of the running batch.
func (s *Session) SetProgressTotal(total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total = total
}

// AdvanceProgress adds one completed step.
func (s *Session) AdvanceProgress() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current++
}

// Cancel asks the running batch to stop at its next yield point.
func (s *Session) Cancel() {
	s.canceled.Store(true)
	s.drv.CancelTransfer()
	s.logger.Infof("cancel requested for %s", s.info.ID)
}

// Canceled reports whether Cancel was called since the batch started.
func (s *Session) Canceled() bool {
	return s.canceled.Load()
}

// Connect runs the pre-connect hook, locks the device and opens it.
// Failure leaves the session disconnected and returns a *ConnectionError.
func (s *Session) Connect(ctx context.Context, silent bool) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot connect while %s", ErrInvalidState, state)
	}
	s.scheduled = false
	s.lastHookError = ""
	ev := s.setStateLocked(StateConnecting)
	s.mu.Unlock()
	s.publish(ev)

	if err := s.runHook(ctx, s.profile.PreConnectCommand); err != nil {
		herr := &ConnectionError{Device: s.info.ID, Err: fmt.Errorf("pre-connect hook: %w", err)}
		s.mu.Lock()
		s.lastHookError = herr.Error()
		s.mu.Unlock()
		s.logger.Errorf("%v", herr)
		s.notifier.Report(notify.SeverityError, herr.Error(), nil)
	}

	if !s.drv.LockDevice(true) {
		s.transition(StateDisconnected)
		s.logger.Warnf("connect %s dropped: device lock unavailable", s.info.ID)
		return &ConnectionError{Device: s.info.ID, Err: ErrDeviceBusy}
	}

	tree := itemtree.New(s.info.ID)
	if err := s.drv.OpenDevice(ctx, silent, tree); err != nil {
		s.drv.UnlockDevice()
		s.transition(StateDisconnected)
		cerr := &ConnectionError{Device: s.info.ID, Err: fmt.Errorf("%w: %w", ErrOpenFailed, err)}
		s.logger.Errorf("%v", cerr)
		if !silent {
			s.notifier.Report(notify.SeverityError, "Could not connect "+s.info.Name, []string{err.Error()})
		}
		return cerr
	}
	tree.PurgeEmptyItems(tree.Top())
	tree.UpdateRootVisibility()

	s.mu.Lock()
	s.tree = tree
	s.mu.Unlock()

	if s.profile.Capabilities.SyncStats && s.stats != nil {
		n, err := s.stats.Pull(ctx, tree, s.profile.MinStatsLength)
		if err != nil {
			s.logger.Warnf("stats pull from %s: %v", s.info.ID, err)
		} else {
			s.logger.Debugf("pulled statistics for %d tracks from %s", n, s.info.ID)
		}
	}
	if s.profile.Capabilities.AutoDeletePlayedPodcasts {
		s.deletePlayedPodcasts(ctx, tree)
	}

	s.logger.Infof("connected %s (%d items)", s.info.ID, tree.Len())
	s.release(ctx, StateConnected)
	return nil
}

// Disconnect flushes statistics, closes the device and runs the
// post-disconnect hook. When the device lock is held by a running operation
// the request is remembered and re-issued as soon as the lock is released.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateDisconnected, StateDisconnecting, StateDeferredDisconnect:
		s.mu.Unlock()
		return nil
	case StateConnecting:
		s.scheduled = true
		s.mu.Unlock()
		s.logger.Infof("disconnect of %s scheduled after connect", s.info.ID)
		return nil
	}

	if !s.drv.LockDevice(true) {
		prev := s.state
		s.scheduled = true
		ev := s.setStateLocked(StateDeferredDisconnect)
		s.mu.Unlock()
		s.publish(ev)
		s.logger.Infof("disconnect of %s deferred until %s finishes", s.info.ID, prev)
		if prev == StateTransferring && s.prompter.StopTransfer(ctx, s.info.ID) {
			s.Cancel()
		}
		return nil
	}
	ev := s.setStateLocked(StateDisconnecting)
	s.mu.Unlock()
	s.publish(ev)

	s.finishDisconnect(ctx)
	return nil
}

// BeginOperation moves a connected session into op (StateTransferring or
// StateDeleting) and takes the device lock.
func (s *Session) BeginOperation(op State) error {
	if op != StateTransferring && op != StateDeleting {
		return fmt.Errorf("%w: %s is not an operation", ErrInvalidState, op)
	}
	s.mu.Lock()
	if s.state != StateConnected {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot start %s while %s", ErrInvalidState, op, state)
	}
	if !s.drv.LockDevice(true) {
		s.mu.Unlock()
		return &ConnectionError{Device: s.info.ID, Err: ErrDeviceBusy}
	}
	s.canceled.Store(false)
	s.current, s.total = 0, 0
	ev := s.setStateLocked(op)
	s.mu.Unlock()
	s.publish(ev)
	return nil
}

// EndOperation releases the device lock taken by BeginOperation. A disconnect
// requested meanwhile proceeds immediately.
func (s *Session) EndOperation(ctx context.Context) {
	s.release(ctx, StateConnected)
}

// release leaves an operation that holds the device lock.
func (s *Session) release(ctx context.Context, next State) {
	s.mu.Lock()
	if s.scheduled {
		ev := s.setStateLocked(StateDisconnecting)
		s.mu.Unlock()
		s.publish(ev)
		s.logger.Infof("running deferred disconnect of %s", s.info.ID)
		s.finishDisconnect(ctx)
		return
	}
	s.drv.UnlockDevice()
	ev := s.setStateLocked(next)
	s.mu.Unlock()
	s.publish(ev)
}

// finishDisconnect runs with the device lock held and the state set to
// StateDisconnecting.
func (s *Session) finishDisconnect(ctx context.Context) {
	tree := s.Tree()
	if tree != nil && s.profile.Capabilities.SyncStats && s.stats != nil {
		n, err := s.stats.Push(ctx, tree)
		if err != nil {
			s.logger.Warnf("stats push to %s: %v", s.info.ID, err)
		} else {
			s.logger.Debugf("pushed statistics for %d tracks to %s", n, s.info.ID)
		}
	}

	if err := s.drv.CloseDevice(ctx); err != nil {
		s.logger.Errorf("close %s: %v", s.info.ID, err)
		s.notifier.Report(notify.SeverityError, "Could not close "+s.info.Name+" cleanly", []string{err.Error()})
	}
	s.drv.UnlockDevice()

	if err := s.runHook(ctx, s.profile.PostDisconnectCommand); err != nil {
		s.logger.Warnf("post-disconnect hook for %s: %v", s.info.ID, err)
		s.notifier.Report(notify.SeverityWarning, "Post-disconnect command failed for "+s.info.Name, []string{err.Error()})
		s.mu.Lock()
		s.lastHookError = err.Error()
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.tree = nil
	s.scheduled = false
	s.current, s.total = 0, 0
	s.canceled.Store(false)
	ev := s.setStateLocked(StateDisconnected)
	s.mu.Unlock()
	s.publish(ev)
	s.logger.Infof("disconnected %s", s.info.ID)
}

func (s *Session) transition(to State) {
	s.mu.Lock()
	ev := s.setStateLocked(to)
	s.mu.Unlock()
	s.publish(ev)
}

func (s *Session) setStateLocked(to State) Event {
	ev := Event{Device: s.info.ID, From: s.state, To: to}
	s.state = to
	return ev
}

func (s *Session) publish(ev Event) {
	if ev.From == ev.To {
		return
	}
	s.mu.Lock()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()
	s.logger.Debugf("session %s: %s -> %s", ev.Device, ev.From, ev.To)
	for _, fn := range listeners {
		fn(ev)
	}
}
