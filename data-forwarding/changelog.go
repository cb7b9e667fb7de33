package dataforwarding

import (
	"fmt"
	"os"
	"sync"
	"time"

	"vcp-gateway/plugin"
)

// ChangeLog appends one line per channel update to a file.
type ChangeLog struct {
	path string
	mu   sync.Mutex
}

func NewChangeLog(path string) *ChangeLog {
	return &ChangeLog{path: path}
}

func (l *ChangeLog) Path() string { return l.path }

// FormatLine renders u as a change log line without the trailing newline.
func FormatLine(u plugin.Update) string {
	ts := u.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return fmt.Sprintf("%s - Channel: %s, Value: %s, Type: %s",
		ts.Format(time.RFC3339Nano), u.URL(), u.Text, u.Type)
}

// Append opens the file for appending, creating it if needed, and writes one
// line per update.
func (l *ChangeLog) Append(updates ...plugin.Update) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return plugin.Wrap(plugin.ErrStorage, "change log", err)
	}
	defer file.Close()

	for _, u := range updates {
		if _, err := file.WriteString(FormatLine(u) + "\n"); err != nil {
			return plugin.Wrap(plugin.ErrStorage, "change log", err)
		}
	}
	return nil
}
