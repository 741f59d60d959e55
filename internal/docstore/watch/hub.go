// Package watch fans out change notifications to live subscriptions for
// engines that run queries locally. After each commit the engine calls
// Notify with the touched collections; every subscription on one of them
// re-runs its query and receives the full result.
package watch

import (
	"context"
	"sync"

	"expensetracker/internal/docstore"
)

// Runner executes a query against the engine's current state.
type Runner func(ctx context.Context, q docstore.Query) ([]*docstore.Document, error)

type Hub struct {
	run Runner

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscription
	closed bool
}

type subscription struct {
	q    docstore.Query
	fn   docstore.SnapshotFunc
	kick chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func New(run Runner) *Hub {
	return &Hub{run: run, subs: make(map[uint64]*subscription)}
}

// Subscribe registers q. The first delivery happens asynchronously right
// away; later ones follow Notify calls. Deliveries for one subscription are
// serialized and coalesced: a burst of commits may produce a single snapshot
// reflecting all of them.
func (h *Hub) Subscribe(ctx context.Context, q docstore.Query, fn docstore.SnapshotFunc) (docstore.Unsubscribe, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, docstore.ErrClosed
	}
	id := h.nextID
	h.nextID++
	s := &subscription{
		q:    q,
		fn:   fn,
		kick: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	s.kick <- struct{}{}
	h.subs[id] = s
	h.mu.Unlock()

	go h.loop(ctx, id, s)

	return func() {
		s.once.Do(func() { close(s.stop) })
		<-s.done
	}, nil
}

func (h *Hub) loop(ctx context.Context, id uint64, s *subscription) {
	defer func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		close(s.done)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-s.kick:
		}
		docs, err := h.run(ctx, s.q)
		select {
		case <-s.stop:
			return
		default:
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.fn(docstore.Snapshot{Err: err})
			return
		}
		s.fn(docstore.Snapshot{Docs: docs})
	}
}

// Notify marks every subscription on one of the collections dirty.
func (h *Hub) Notify(collections ...string) {
	if len(collections) == 0 {
		return
	}
	touched := make(map[string]struct{}, len(collections))
	for _, c := range collections {
		touched[c] = struct{}{}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		if _, ok := touched[s.q.Collection]; !ok {
			continue
		}
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

// Len reports the number of open subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close stops every subscription and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		s.once.Do(func() { close(s.stop) })
		<-s.done
	}
}
