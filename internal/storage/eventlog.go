// Package storage holds persistence helpers shared by the store backends.
package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sync"

	"github.com/spf13/afero"

	"github.com/podex-dev/agentcore/internal/events"
)

// EventLogger appends bus events to one JSONL file per task, so a task's
// history can be replayed after the process exits.
type EventLogger struct {
	mu          sync.Mutex
	fs          afero.Fs
	dir         string
	verbose     bool
	unsubscribe func()
}

// NewEventLogger subscribes to every bus event and writes it under dir.
// Internal LLM call events are only kept when verbose is set.
func NewEventLogger(fsys afero.Fs, dir string, bus *events.Bus, verbose bool) *EventLogger {
	el := &EventLogger{fs: fsys, dir: dir, verbose: verbose}
	el.unsubscribe = bus.Subscribe(el.handleEvent)
	return el
}

// Close unsubscribes the logger from the event bus.
func (el *EventLogger) Close() {
	if el.unsubscribe != nil {
		el.unsubscribe()
	}
}

func (el *EventLogger) handleEvent(e events.Event) {
	if e.Type == events.EventLLMCall && !el.verbose {
		return
	}
	if err := el.writeEvent(e); err != nil {
		slog.Warn("event log write failed", "task_id", e.TaskID, "type", e.Type, "error", err)
	}
}

func (el *EventLogger) writeEvent(e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	p := el.logPath(e.TaskID)

	el.mu.Lock()
	defer el.mu.Unlock()
	if err := el.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := el.fs.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

// ReadTaskLog returns the logged events of a task in write order. A task
// without a log has no events.
func (el *EventLogger) ReadTaskLog(taskID string) ([]events.Event, error) {
	el.mu.Lock()
	defer el.mu.Unlock()

	f, err := el.fs.Open(el.logPath(taskID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []events.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e events.Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

func (el *EventLogger) logPath(taskID string) string {
	if taskID == "" {
		return path.Join(el.dir, "_global.jsonl")
	}
	return path.Join(el.dir, taskID+".jsonl")
}
