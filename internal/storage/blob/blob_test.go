package blob

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/afero"
)

func TestPutGet(t *testing.T) {
	s := New(afero.NewMemMapFs(), "/blobs")
	ctx := context.Background()

	key, err := s.Put(ctx, []byte("print('a')\n"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if key != Key([]byte("print('a')\n")) {
		t.Errorf("key mismatch: %s", key)
	}

	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "print('a')\n" {
		t.Errorf("Get: got %q", got)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	s := New(afero.NewMemMapFs(), "/blobs")
	ctx := context.Background()

	k1, err := s.Put(ctx, []byte("same"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	k2, err := s.Put(ctx, []byte("same"))
	if err != nil {
		t.Fatalf("Put again: %v", err)
	}
	if k1 != k2 {
		t.Errorf("keys differ: %s vs %s", k1, k2)
	}
}

func TestEmptyContent(t *testing.T) {
	s := New(afero.NewMemMapFs(), "/blobs")
	ctx := context.Background()

	key, err := s.Put(ctx, nil)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty content, got %q", got)
	}
}

func TestGetMissing(t *testing.T) {
	s := New(afero.NewMemMapFs(), "/blobs")
	_, err := s.Get(context.Background(), "deadbeef-4")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	s := New(afero.NewMemMapFs(), "/blobs")
	ctx := context.Background()

	key, _ := s.Put(ctx, []byte("gone"))
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete twice: %v", err)
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}
