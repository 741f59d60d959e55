package watch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"expensetracker/internal/docstore"
)

func TestHubDeliversOnOpenAndNotify(t *testing.T) {
	var runs atomic.Int64
	h := New(func(ctx context.Context, q docstore.Query) ([]*docstore.Document, error) {
		n := runs.Add(1)
		return []*docstore.Document{{ID: q.Collection, Fields: docstore.Fields{"run": n}}}, nil
	})
	defer h.Close()

	got := make(chan docstore.Snapshot, 4)
	unsub, err := h.Subscribe(context.Background(), docstore.Query{Collection: "users/u1/stats"}, func(s docstore.Snapshot) {
		got <- s
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	recv(t, got)
	h.Notify("users/u1/expenses")
	h.Notify("users/u1/stats")
	snap := recv(t, got)
	if snap.Docs[0].Fields["run"] != int64(2) {
		t.Fatalf("expected second run, got %v", snap.Docs[0].Fields["run"])
	}
	if h.Len() != 1 {
		t.Fatalf("expected 1 subscription, got %d", h.Len())
	}
}

func TestHubErrorEndsSubscription(t *testing.T) {
	boom := errors.New("boom")
	h := New(func(ctx context.Context, q docstore.Query) ([]*docstore.Document, error) {
		return nil, boom
	})
	defer h.Close()

	got := make(chan docstore.Snapshot, 1)
	unsub, err := h.Subscribe(context.Background(), docstore.Query{Collection: "c"}, func(s docstore.Snapshot) {
		got <- s
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	select {
	case s := <-got:
		if !errors.Is(s.Err, boom) {
			t.Fatalf("expected boom, got %v", s.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	unsub()
	if h.Len() != 0 {
		t.Fatalf("expected subscription to be gone")
	}
}

func TestHubClosedRejectsSubscribe(t *testing.T) {
	h := New(func(ctx context.Context, q docstore.Query) ([]*docstore.Document, error) { return nil, nil })
	h.Close()
	if _, err := h.Subscribe(context.Background(), docstore.Query{Collection: "c"}, func(docstore.Snapshot) {}); !errors.Is(err, docstore.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func recv(t *testing.T, ch <-chan docstore.Snapshot) docstore.Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return docstore.Snapshot{}
}
