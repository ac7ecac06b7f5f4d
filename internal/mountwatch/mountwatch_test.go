package mountwatch

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"portable-sync/internal/driver"
)

type recorder struct {
	mu       sync.Mutex
	appeared []driver.Info
	gone     []string
}

func (r *recorder) DeviceAppeared(_ context.Context, info driver.Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appeared = append(r.appeared, info)
}

func (r *recorder) DeviceDisappeared(_ context.Context, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gone = append(r.gone, id)
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.appeared), len(r.gone)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", msg)
}

func TestWatcherReportsVolumes(t *testing.T) {
	root := t.TempDir()
	table := filepath.Join(t.TempDir(), "mounts")
	existing := filepath.Join(root, "PLAYER")
	if err := os.MkdirAll(existing, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(existing, MarkerFile), nil, 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}
	if err := os.WriteFile(table, []byte("/dev/sdb1 "+existing+" vfat rw 0 0\n"), 0o644); err != nil {
		t.Fatalf("write mount table: %v", err)
	}

	rec := &recorder{}
	w, err := New(Options{Roots: []string{root}, Debounce: 10 * time.Millisecond, Handler: rec, Logger: log.New(io.Discard), MountTable: table})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitFor(t, func() bool { a, _ := rec.counts(); return a == 1 }, "initial volume")
	rec.mu.Lock()
	first := rec.appeared[0]
	rec.mu.Unlock()
	if first.ID != IDPrefix+existing || first.Tag != DefaultTag || first.DeviceNode != "/dev/sdb1" || first.Name != "PLAYER" {
		t.Fatalf("unexpected info %+v", first)
	}

	plain := filepath.Join(root, "usbstick")
	if err := os.MkdirAll(plain, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	second := filepath.Join(root, "WALKMAN")
	if err := os.MkdirAll(second, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(second, MarkerFile), []byte("fake\n"), 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}
	waitFor(t, func() bool { a, _ := rec.counts(); return a == 2 }, "second volume")
	if devs := w.Devices(); len(devs) != 2 || devs[1].Tag != "fake" {
		t.Fatalf("unexpected devices %+v", devs)
	}

	if err := os.RemoveAll(existing); err != nil {
		t.Fatalf("remove: %v", err)
	}
	waitFor(t, func() bool { _, g := rec.counts(); return g == 1 }, "volume removal")
	rec.mu.Lock()
	gone := rec.gone[0]
	rec.mu.Unlock()
	if gone != IDPrefix+existing {
		t.Fatalf("unexpected disappeared id %q", gone)
	}
	if a, _ := rec.counts(); a != 2 {
		t.Fatalf("unmarked directories must not be reported, got %d appearances", a)
	}
}

func TestServeStopsOnContext(t *testing.T) {
	w, err := New(Options{Roots: []string{t.TempDir()}, Debounce: time.Millisecond, Logger: log.New(io.Discard)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not return")
	}
}

func TestParseMounts(t *testing.T) {
	table := strings.Join([]string{
		"proc /proc proc rw 0 0",
		`/dev/sdc1 /media/My\040Player vfat rw 0 0`,
		"/dev/sdd1 /media/stick exfat rw 0 0",
	}, "\n")
	got := parseMounts(strings.NewReader(table))
	if len(got) != 2 || got["/media/My Player"] != "/dev/sdc1" || got["/media/stick"] != "/dev/sdd1" {
		t.Fatalf("unexpected mounts %v", got)
	}
}
