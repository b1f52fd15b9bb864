package heartbeat

import (
	"context"
	"encoding/json"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func TestWriteThenCheck(t *testing.T) {
	fsys := afero.NewMemMapFs()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	w := NewWriter(WriterConfig{
		Fs:       fsys,
		Dir:      "/workers",
		WorkerID: "w1",
		Running:  func() []string { return []string{"t2", "t1"} },
		Now:      func() time.Time { return now },
	})
	w.Write()

	e, err := Check(fsys, Path("/workers", "w1"), time.Minute, now.Add(30*time.Second))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if e.Status != StatusAlive {
		t.Errorf("status: got %s", e.Status)
	}
	if e.PID != os.Getpid() || e.WorkerID != "w1" {
		t.Errorf("heartbeat: %+v", e.Heartbeat)
	}
	if !slices.Equal(e.Running, []string{"t1", "t2"}) {
		t.Errorf("running: got %v", e.Running)
	}

	e, _ = Check(fsys, Path("/workers", "w1"), time.Minute, now.Add(2*time.Minute))
	if e.Status != StatusStale {
		t.Errorf("expected stale, got %s", e.Status)
	}
}

func TestMissingFileIsDead(t *testing.T) {
	e, err := Check(afero.NewMemMapFs(), "/workers/none.json", time.Minute, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != StatusDead {
		t.Errorf("status: got %s", e.Status)
	}
}

func TestCorruptFile(t *testing.T) {
	fsys := afero.NewMemMapFs()
	_ = afero.WriteFile(fsys, "/workers/bad.json", []byte("{"), 0o644)
	if _, err := Check(fsys, "/workers/bad.json", time.Minute, time.Now()); err == nil {
		t.Error("expected an error for a corrupt file")
	}
}

func TestScanSortsAndSkipsJunk(t *testing.T) {
	fsys := afero.NewMemMapFs()
	now := time.Now()
	for _, id := range []string{"w2", "w1"} {
		data, _ := json.Marshal(Heartbeat{WorkerID: id, Timestamp: now})
		_ = afero.WriteFile(fsys, Path("/workers", id), data, 0o644)
	}
	_ = afero.WriteFile(fsys, "/workers/bad.json", []byte("nope"), 0o644)
	_ = afero.WriteFile(fsys, "/workers/w3.json.tmp", []byte("{}"), 0o644)

	entries, err := Scan(fsys, "/workers", time.Minute, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].WorkerID != "w1" || entries[1].WorkerID != "w2" {
		t.Errorf("entries: %+v", entries)
	}

	if entries, err := Scan(fsys, "/missing", time.Minute, now); err != nil || entries != nil {
		t.Errorf("missing dir: %v, %v", entries, err)
	}
}

func TestRunRemovesFileOnStop(t *testing.T) {
	fsys := afero.NewMemMapFs()
	w := NewWriter(WriterConfig{Fs: fsys, Dir: "/workers", WorkerID: "w1", Interval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if ok, _ := afero.Exists(fsys, Path("/workers", "w1")); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("heartbeat file not written")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ok, _ := afero.Exists(fsys, Path("/workers", "w1")); ok {
		t.Error("heartbeat file should be removed")
	}
}
