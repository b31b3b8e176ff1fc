package logic

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// In-memory log ring, exposed on the operations page of the admin surface.
var (
	logMutex      sync.Mutex
	inMemoryLogs  []string
	maxLogEntries = 300
)

func init() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(logrus.InfoLevel)
	logrus.AddHook(&memoryHook{})

	inMemoryLogs = make([]string, 0, maxLogEntries)
}

// GetLogs returns a copy of the retained log entries.
func GetLogs() []string {
	logMutex.Lock()
	defer logMutex.Unlock()

	logsCopy := make([]string, len(inMemoryLogs))
	copy(logsCopy, inMemoryLogs)
	return logsCopy
}

// ClearLogs drops all retained entries.
func ClearLogs() {
	logMutex.Lock()
	defer logMutex.Unlock()
	inMemoryLogs = make([]string, 0, maxLogEntries)
}

// addLogEntry keeps the ring bounded, discarding the oldest entry when full.
func addLogEntry(entry string) {
	logMutex.Lock()
	defer logMutex.Unlock()

	if len(inMemoryLogs) >= maxLogEntries {
		inMemoryLogs = inMemoryLogs[1:]
	}
	inMemoryLogs = append(inMemoryLogs, entry)
}

// memoryHook mirrors every logrus entry into the in-memory ring.
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
