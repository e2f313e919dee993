package blob

import (
	"context"
	"errors"
	"testing"

	"github.com/relaygate/relaygate/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	blob := &store.Blob{
		Payload: map[string]any{"event": "order.created", "id": float64(42)},
		Config:  map[string]any{"url": "https://example.com/hook"},
	}
	if err := s.PutBlob(ctx, "d1", blob); err != nil {
		t.Fatalf("PutBlob() error = %v", err)
	}

	got, err := s.GetBlob(ctx, "d1")
	if err != nil {
		t.Fatalf("GetBlob() error = %v", err)
	}
	if got.Payload["event"] != "order.created" || got.Payload["id"] != float64(42) {
		t.Errorf("GetBlob() payload = %v, want round-tripped values", got.Payload)
	}
	if got.Config["url"] != "https://example.com/hook" {
		t.Errorf("GetBlob() config = %v, want round-tripped url", got.Config)
	}

	if err := s.DeleteBlob(ctx, "d1"); err != nil {
		t.Fatalf("DeleteBlob() error = %v", err)
	}
	if _, err := s.GetBlob(ctx, "d1"); !errors.Is(err, store.ErrPayloadMissing) {
		t.Errorf("GetBlob() after delete error = %v, want ErrPayloadMissing", err)
	}
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetBlob(context.Background(), "never-written"); !errors.Is(err, store.ErrPayloadMissing) {
		t.Errorf("GetBlob() error = %v, want ErrPayloadMissing", err)
	}
}

func TestPutOverwrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.PutBlob(ctx, "d1", &store.Blob{Payload: map[string]any{"v": float64(1)}}); err != nil {
		t.Fatalf("PutBlob() error = %v", err)
	}
	if err := s.PutBlob(ctx, "d1", &store.Blob{Payload: map[string]any{"v": float64(2)}}); err != nil {
		t.Fatalf("PutBlob() overwrite error = %v", err)
	}
	got, err := s.GetBlob(ctx, "d1")
	if err != nil {
		t.Fatalf("GetBlob() error = %v", err)
	}
	if got.Payload["v"] != float64(2) {
		t.Errorf("payload v = %v, want 2 after overwrite", got.Payload["v"])
	}
	if got.Config != nil {
		t.Errorf("config = %v, want nil when never written", got.Config)
	}
}

func TestDeleteMissingIsNoOp(t *testing.T) {
	s := openTestStore(t)
	if err := s.DeleteBlob(context.Background(), "never-written"); err != nil {
		t.Errorf("DeleteBlob() on missing key error = %v, want nil", err)
	}
}
