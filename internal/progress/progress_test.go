package progress

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/podex-dev/agentcore/internal/events"
	"github.com/podex-dev/agentcore/internal/storage/memory"
	"github.com/podex-dev/agentcore/internal/tasks"
)

func TestRecordPersistsThenPublishes(t *testing.T) {
	store := memory.New()
	bus := events.NewBus(16)
	defer bus.Close()

	ch, cancel := bus.SubscribeChan(4, events.EventTaskProgress)
	defer cancel()

	tr := NewTracker(store, bus)
	ctx := context.Background()
	for _, state := range []string{"received", "context_loaded"} {
		if _, err := tr.Record(ctx, "t1", "s1", Update{State: state, Status: "running"}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	recs, err := store.ListProgress(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].Seq != 1 || recs[1].Seq != 2 || recs[1].State != "context_loaded" {
		t.Fatalf("unexpected records: %+v", recs)
	}

	for _, want := range []string{"received", "context_loaded"} {
		select {
		case e := <-ch:
			p, ok := events.ExtractPayload[events.TaskProgressPayload](e)
			if !ok || p.State != want || e.TaskID != "t1" {
				t.Errorf("unexpected event %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatalf("no event for %s", want)
		}
	}
}

type failingStore struct{}

func (failingStore) AppendProgress(context.Context, tasks.ProgressRecord) (tasks.ProgressRecord, error) {
	return tasks.ProgressRecord{}, errors.New("disk full")
}

func TestRecordPublishesEvenWhenStoreFails(t *testing.T) {
	bus := events.NewBus(16)
	defer bus.Close()
	ch, cancel := bus.SubscribeChan(1, events.EventTaskProgress)
	defer cancel()

	tr := NewTracker(failingStore{}, bus)
	if _, err := tr.Record(context.Background(), "t1", "s1", Update{State: "received"}); err == nil {
		t.Fatal("expected error")
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("event not published")
	}
}
