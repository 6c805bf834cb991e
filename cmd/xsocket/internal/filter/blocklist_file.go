package filter

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/logger"
)

// FileBlocklistFilter rejects peers listed in a file. The file holds one
// address or CIDR prefix per line; blank lines and lines starting with '#'
// are ignored. Watch keeps the list in sync with the file.
type FileBlocklistFilter struct {
	path     string
	prefixes atomic.Pointer[[]netip.Prefix]

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFileBlocklistFilter loads path. A missing file is an error.
func NewFileBlocklistFilter(path string) (*FileBlocklistFilter, error) {
	f := &FileBlocklistFilter{path: filepath.Clean(path)}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *FileBlocklistFilter) Name() string { return "blocklist-file" }

func (f *FileBlocklistFilter) Allow(_ context.Context, addr net.Addr) (bool, error) {
	ip, err := PeerIP(addr)
	if err != nil {
		return false, err
	}
	return !containsIP(*f.prefixes.Load(), ip), nil
}

// Len is the number of entries currently loaded.
func (f *FileBlocklistFilter) Len() int {
	return len(*f.prefixes.Load())
}

// Reload reads the file again. On error the previous list stays active.
func (f *FileBlocklistFilter) Reload() error {
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("failed to open blocklist %s: %w", f.path, err)
	}
	defer file.Close()

	prefixes := []netip.Prefix{}
	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p, err := ParsePrefix(line)
		if err != nil {
			return fmt.Errorf("blocklist %s line %d: %w", f.path, lineNo, err)
		}
		prefixes = append(prefixes, p)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read blocklist %s: %w", f.path, err)
	}

	f.prefixes.Store(&prefixes)
	logger.Debug("Blocklist loaded", "path", f.path, "entries", len(prefixes))
	return nil
}

// Watch reloads the list whenever the file changes, until ctx is done or
// Close is called. The parent directory is watched so that files replaced
// by rename are picked up too. Calling Watch while a watch is running is a
// no-op; once it has stopped, Watch starts a new one.
func (f *FileBlocklistFilter) Watch(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watcher != nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(f.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(f.path), err)
	}

	f.watcher = w
	f.done = make(chan struct{})
	go f.run(ctx, w, f.done)
	return nil
}

func (f *FileBlocklistFilter) run(ctx context.Context, w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	defer w.Close()
	defer func() {
		f.mu.Lock()
		if f.watcher == w {
			f.watcher = nil
		}
		f.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != f.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := f.Reload(); err != nil {
				logger.Warn("Blocklist reload failed, keeping previous entries", "path", f.path, "error", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("Blocklist watcher error", "path", f.path, "error", err)
		}
	}
}

// Close stops watching.
func (f *FileBlocklistFilter) Close() error {
	f.mu.Lock()
	w, done := f.watcher, f.done
	f.watcher = nil
	f.mu.Unlock()

	if w == nil {
		return nil
	}
	err := w.Close()
	<-done
	return err
}
