// internal/session/file.go
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// filePollInterval is how often the backend scans its directory for changes
// written by other processes.
const filePollInterval = time.Second

// FileBackend persists keys as JSON files under a directory, one file per
// key. It backs the durable scope when no Redis is available. Cross-process
// change notification is implemented by polling file modification times and
// suppressing keys this instance wrote itself.
type FileBackend struct {
	dir    string
	logger *logrus.Logger

	mu          sync.Mutex
	ownWrites   map[string]string // key -> content hash of our last write
	subscribers map[int]ChangeFunc
	nextSub     int
	pollCancel  context.CancelFunc
}

// NewFileBackend creates (if needed) dir and returns a backend rooted there.
func NewFileBackend(dir string, logger *logrus.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session dir %s: %w", dir, err)
	}
	return &FileBackend{
		dir:         dir,
		logger:      logger,
		ownWrites:   make(map[string]string),
		subscribers: make(map[int]ChangeFunc),
	}, nil
}

// path maps a key to a file name. Keys contain ':' separators which are not
// universally legal in file names.
func (f *FileBackend) path(key string) string {
	return filepath.Join(f.dir, strings.ReplaceAll(key, ":", "_")+".json")
}

func (f *FileBackend) keyFromFile(name string) string {
	base := strings.TrimSuffix(name, ".json")
	return strings.ReplaceAll(base, "_", ":")
}

func contentHash(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:8])
}

func (f *FileBackend) Get(_ context.Context, key string) (string, error) {
	data, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read session file for %s: %w", key, err)
	}
	return string(data), nil
}

func (f *FileBackend) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	f.ownWrites[key] = contentHash(value)
	f.mu.Unlock()
	if err := os.WriteFile(f.path(key), []byte(value), 0o600); err != nil {
		return fmt.Errorf("failed to write session file for %s: %w", key, err)
	}
	return nil
}

func (f *FileBackend) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	f.ownWrites[key] = ""
	f.mu.Unlock()
	err := os.Remove(f.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session file for %s: %w", key, err)
	}
	return nil
}

// Subscribe starts the poll loop on first use.
func (f *FileBackend) Subscribe(fn ChangeFunc) (func(), error) {
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subscribers[id] = fn
	startPoll := f.pollCancel == nil
	var ctx context.Context
	if startPoll {
		ctx, f.pollCancel = context.WithCancel(context.Background())
	}
	f.mu.Unlock()

	if startPoll {
		// Record what is already on disk before polling so pre-existing files
		// count as baseline, not as changes.
		f.scanOnce(ctx, false)
		go f.pollLoop(ctx)
	}
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subscribers, id)
	}, nil
}

// Close stops the poll loop. Files are left on disk; a later process may
// still restore from them.
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollCancel != nil {
		f.pollCancel()
		f.pollCancel = nil
	}
	f.subscribers = make(map[int]ChangeFunc)
	return nil
}

// pollLoop compares directory contents against the hashes of our own writes.
// Anything that differs was written by another process and is fanned out to
// subscribers.
func (f *FileBackend) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(filePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.scanOnce(ctx, true)
		}
	}
}

// scanOnce diffs directory contents against the hashes of writes we have
// already seen. notify false records state without firing subscribers.
func (f *FileBackend) scanOnce(ctx context.Context, notify bool) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		f.logger.Warnf("session file poll failed to read %s: %v", f.dir, err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		key := f.keyFromFile(e.Name())
		value, err := f.Get(ctx, key)
		if err != nil {
			continue
		}
		hash := contentHash(value)

		f.mu.Lock()
		own, seen := f.ownWrites[key]
		if seen && own == hash {
			f.mu.Unlock()
			continue
		}
		// Record the observed content so the same external write only fires
		// once.
		f.ownWrites[key] = hash
		subs := make([]ChangeFunc, 0, len(f.subscribers))
		for _, fn := range f.subscribers {
			subs = append(subs, fn)
		}
		f.mu.Unlock()

		if !notify {
			continue
		}
		for _, fn := range subs {
			fn(key, value)
		}
	}
}
