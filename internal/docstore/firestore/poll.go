package firestore

import (
	"context"
	"strings"
	"sync"
	"time"

	"expensetracker/internal/docstore"
)

type pollFunc func(ctx context.Context) ([]*docstore.Document, error)

// pollGroup runs polling subscriptions. Each poller delivers its first
// result right away and afterwards only when the set of (name, updateTime)
// pairs changes.
type pollGroup struct {
	mu     sync.Mutex
	nextID uint64
	stops  map[uint64]func()
	closed bool
}

func newPollGroup() *pollGroup {
	return &pollGroup{stops: make(map[uint64]func())}
}

func (g *pollGroup) start(ctx context.Context, every time.Duration, run pollFunc, fn docstore.SnapshotFunc) (docstore.Unsubscribe, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, docstore.ErrClosed
	}
	id := g.nextID
	g.nextID++

	pctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(cancel)
		<-done
	}
	g.stops[id] = stop
	g.mu.Unlock()

	go func() {
		defer func() {
			g.mu.Lock()
			delete(g.stops, id)
			g.mu.Unlock()
			close(done)
		}()
		ticker := time.NewTicker(every)
		defer ticker.Stop()

		last := ""
		first := true
		for {
			docs, err := run(pctx)
			if pctx.Err() != nil {
				return
			}
			if err != nil {
				fn(docstore.Snapshot{Err: err})
				return
			}
			if sig := signature(docs); first || sig != last {
				first = false
				last = sig
				fn(docstore.Snapshot{Docs: docs})
			}
			select {
			case <-pctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return stop, nil
}

func (g *pollGroup) closeAll() {
	g.mu.Lock()
	g.closed = true
	stops := make([]func(), 0, len(g.stops))
	for _, stop := range g.stops {
		stops = append(stops, stop)
	}
	g.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
}

func signature(docs []*docstore.Document) string {
	var b strings.Builder
	for _, d := range docs {
		b.WriteString(d.Path)
		b.WriteByte('@')
		b.WriteString(d.UpdateTime.Format(time.RFC3339Nano))
		b.WriteByte(';')
	}
	return b.String()
}
