package logic

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Global state of the in-memory log
var logMutex sync.Mutex
var inMemoryLogs []string
var maxLogEntries = 300

// init registers the memory hook on the global logrus logger so every logrus
// call ends up in the log view.
func init() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(logrus.InfoLevel)
	logrus.AddHook(&memoryHook{})
	inMemoryLogs = make([]string, 0, maxLogEntries)
}

// SetupLogging applies the configured level and format to the global logger.
func SetupLogging(cfg LogConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	if cfg.Format == "text" {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	return nil
}

// GetLogs returns a copy of the stored log lines, oldest first.
func GetLogs() []string {
	logMutex.Lock()
	defer logMutex.Unlock()

	logsCopy := make([]string, len(inMemoryLogs))
	copy(logsCopy, inMemoryLogs)
	return logsCopy
}

// ClearLogs drops every stored log line
func ClearLogs() {
	logMutex.Lock()
	defer logMutex.Unlock()

	inMemoryLogs = make([]string, 0, maxLogEntries)
}

// addLogEntry drops the oldest entry once the buffer is full.
func addLogEntry(entry string) {
	logMutex.Lock()
	defer logMutex.Unlock()

	if len(inMemoryLogs) >= maxLogEntries {
		inMemoryLogs = inMemoryLogs[1:]
	}
	inMemoryLogs = append(inMemoryLogs, entry)
}

// memoryHook keeps formatted log entries in memory.
type memoryHook struct{}

func (hook *memoryHook) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}
	addLogEntry(line)
	return nil
}

func (hook *memoryHook) Levels() []logrus.Level {
	return logrus.AllLevels
}
