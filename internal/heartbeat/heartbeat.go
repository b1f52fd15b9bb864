// Package heartbeat publishes worker liveness as one JSON file per worker,
// so operators can see which workers are up and what they hold.
package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// Status is the liveness of a worker.
type Status string

const (
	StatusAlive Status = "alive"
	StatusStale Status = "stale"
	StatusDead  Status = "dead"
)

// DefaultInterval is how often a Writer refreshes its file.
const DefaultInterval = 15 * time.Second

// StaleAfter is the age past which a heartbeat written every
// DefaultInterval counts as stale.
const StaleAfter = 3 * DefaultInterval

// Heartbeat is the content of a heartbeat file.
type Heartbeat struct {
	WorkerID  string    `json:"worker_id"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Running   []string  `json:"running"`
}

// WriterConfig configures a Writer.
type WriterConfig struct {
	Fs       afero.Fs
	Dir      string
	WorkerID string
	Interval time.Duration
	// Running reports the task ids currently held by the worker.
	Running func() []string
	Now     func() time.Time
}

// Writer refreshes a worker's heartbeat file.
type Writer struct {
	cfg     WriterConfig
	started time.Time
	host    string
}

// NewWriter creates a Writer.
func NewWriter(cfg WriterConfig) *Writer {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	host, _ := os.Hostname()
	return &Writer{cfg: cfg, started: cfg.Now(), host: host}
}

// Path returns the heartbeat file of workerID under dir.
func Path(dir, workerID string) string {
	return path.Join(dir, workerID+".json")
}

// Run writes a heartbeat now and every interval until ctx ends, then
// removes the file.
func (w *Writer) Run(ctx context.Context) error {
	if err := w.cfg.Fs.MkdirAll(w.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create heartbeat dir: %w", err)
	}
	w.Write()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = w.cfg.Fs.Remove(Path(w.cfg.Dir, w.cfg.WorkerID))
			return nil
		case <-ticker.C:
			w.Write()
		}
	}
}

// Write refreshes the file once.
func (w *Writer) Write() {
	now := w.cfg.Now()
	hb := Heartbeat{
		WorkerID:  w.cfg.WorkerID,
		PID:       os.Getpid(),
		Hostname:  w.host,
		StartedAt: w.started,
		Timestamp: now,
		Uptime:    now.Sub(w.started).Truncate(time.Second).String(),
		Running:   []string{},
	}
	if w.cfg.Running != nil {
		hb.Running = w.cfg.Running()
		sort.Strings(hb.Running)
	}

	data, err := json.MarshalIndent(hb, "", "  ")
	if err != nil {
		return
	}

	if err := w.cfg.Fs.MkdirAll(w.cfg.Dir, 0o755); err != nil {
		slog.Warn("write heartbeat", "error", err)
		return
	}

	// Atomic write: tmp + rename
	p := Path(w.cfg.Dir, w.cfg.WorkerID)
	tmp := p + ".tmp"
	if err := afero.WriteFile(w.cfg.Fs, tmp, data, 0o644); err != nil {
		slog.Warn("write heartbeat", "error", err)
		return
	}
	if err := w.cfg.Fs.Rename(tmp, p); err != nil {
		slog.Warn("write heartbeat", "error", err)
	}
}

// Entry is a heartbeat with its liveness.
type Entry struct {
	Heartbeat
	Status Status
}

// Check reads one heartbeat file. A missing file means the worker is dead;
// a file older than maxAge means it is stale.
func Check(fsys afero.Fs, p string, maxAge time.Duration, now time.Time) (Entry, error) {
	data, err := afero.ReadFile(fsys, p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{Status: StatusDead}, nil
		}
		return Entry{Status: StatusDead}, fmt.Errorf("read heartbeat: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e.Heartbeat); err != nil {
		return Entry{Status: StatusDead}, fmt.Errorf("unmarshal heartbeat: %w", err)
	}
	e.Status = StatusAlive
	if now.Sub(e.Timestamp) > maxAge {
		e.Status = StatusStale
	}
	return e, nil
}

// Scan checks every heartbeat file in dir, ordered by worker id.
func Scan(fsys afero.Fs, dir string, maxAge time.Duration, now time.Time) ([]Entry, error) {
	infos, err := afero.ReadDir(fsys, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []Entry
	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".json") {
			continue
		}
		e, err := Check(fsys, path.Join(dir, info.Name()), maxAge, now)
		if err != nil {
			slog.Warn("skip heartbeat", "file", info.Name(), "error", err)
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}
