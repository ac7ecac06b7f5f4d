// Package auth holds the API tokens accepted by the control surface.
package auth

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// Scope is what a token may do. Each scope includes the ones below it.
type Scope int

const (
	// ScopeRead allows inspecting devices, the queue and the collection.
	ScopeRead Scope = iota + 1
	// ScopeControl adds connecting, transferring and editing the queue.
	ScopeControl
	// ScopeAdmin adds deleting content from devices.
	ScopeAdmin
)

func (s Scope) String() string {
	switch s {
	case ScopeRead:
		return "read"
	case ScopeControl:
		return "control"
	case ScopeAdmin:
		return "admin"
	default:
		return "none"
	}
}

// ParseScope maps a scope name from the token file.
func ParseScope(name string) (Scope, error) {
	switch strings.ToLower(name) {
	case "read":
		return ScopeRead, nil
	case "", "control":
		return ScopeControl, nil
	case "admin":
		return ScopeAdmin, nil
	default:
		return 0, fmt.Errorf("unknown scope %q", name)
	}
}

// TokenStore holds the tokens listed in a file. Each line is a token
// optionally followed by a scope name; the scope defaults to control.
// Blank lines and lines starting with '#' are ignored. Serve keeps the set
// in sync with the file.
type TokenStore struct {
	path     string
	debounce time.Duration
	logger   *log.Logger

	mu     sync.RWMutex
	tokens map[string]Scope
}

// NewTokenStore reads path. A missing file yields an empty store that fills
// once the file is created and Serve is running.
func NewTokenStore(path string, debounce time.Duration, logger *log.Logger) (*TokenStore, error) {
	if logger == nil {
		logger = log.Default()
	}
	s := &TokenStore{
		path:     filepath.Clean(path),
		debounce: debounce,
		logger:   logger,
		tokens:   make(map[string]Scope),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Allows reports whether token grants at least need.
func (s *TokenStore) Allows(token string, need Scope) bool {
	scope, ok := s.Scope(token)
	return ok && scope >= need
}

// Scope returns the scope of token.
func (s *TokenStore) Scope(token string) (Scope, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	scope, ok := s.tokens[token]
	return scope, ok
}

// Len returns the number of loaded tokens.
func (s *TokenStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

// Serve watches the token file until ctx ends. It implements suture.Service.
func (s *TokenStore) Serve(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("token watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files by rename, so the directory is the reliable watch.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}
	// The file may have changed while nothing was watching.
	if err := s.reload(); err != nil {
		s.logger.Errorf("token reload: %v", err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("token watcher closed")
			}
			if filepath.Clean(event.Name) == s.path &&
				event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				pending = time.After(s.debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("token watcher closed")
			}
			s.logger.Warnf("token watcher error: %v", err)
		case <-pending:
			pending = nil
			if err := s.reload(); err != nil {
				s.logger.Errorf("token reload: %v", err)
			}
		}
	}
}

func (s *TokenStore) String() string { return "token-store" }

func (s *TokenStore) reload() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.swap(map[string]Scope{})
		s.logger.Warnf("token file %s missing; every API request will be refused", s.path)
		return nil
	}
	if err != nil {
		return err
	}

	tokens := make(map[string]Scope)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for n := 1; sc.Scan(); n++ {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		name := ""
		if len(fields) > 1 {
			name = fields[1]
		}
		scope, err := ParseScope(name)
		if err != nil {
			s.logger.Warnf("%s:%d: %v; line ignored", s.path, n, err)
			continue
		}
		tokens[fields[0]] = scope
	}
	if err := sc.Err(); err != nil {
		return err
	}

	s.swap(tokens)
	s.logger.Infof("loaded %d API tokens", len(tokens))
	return nil
}

func (s *TokenStore) swap(tokens map[string]Scope) {
	s.mu.Lock()
	s.tokens = tokens
	s.mu.Unlock()
}
