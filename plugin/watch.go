package plugin

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// FileWatcher polls a file's modification time and size.
type FileWatcher struct {
	path     string
	interval time.Duration

	mu      sync.Mutex
	modTime time.Time
	size    int64
}

func NewFileWatcher(path string, interval time.Duration) *FileWatcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &FileWatcher{path: path, interval: interval}
}

func (w *FileWatcher) Path() string { return w.path }

func (w *FileWatcher) stat() (time.Time, int64, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("could not get file info: %w", err)
	}
	return info.ModTime(), info.Size(), nil
}

// Mark records the current state of the file as seen, so a change the
// caller made itself is not reported.
func (w *FileWatcher) Mark() {
	modTime, size, err := w.stat()
	if err != nil {
		return
	}
	w.mu.Lock()
	w.modTime, w.size = modTime, size
	w.mu.Unlock()
}

// Changed reports whether the file differs from the last marked state and
// marks the new state.
func (w *FileWatcher) Changed() (bool, error) {
	modTime, size, err := w.stat()
	if err != nil {
		return false, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if modTime.Equal(w.modTime) && size == w.size {
		return false, nil
	}
	w.modTime, w.size = modTime, size
	return true, nil
}

// Run calls onChange each time the file changes, until ctx is done.
func (w *FileWatcher) Run(ctx context.Context, onChange func()) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed, err := w.Changed()
			if err != nil {
				logrus.Debugf("WATCH: %s: %v", w.path, err)
				continue
			}
			if changed {
				logrus.Infof("WATCH: %s has changed", w.path)
				onChange()
			}
		}
	}
}
