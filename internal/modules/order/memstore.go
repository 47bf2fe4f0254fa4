// README: In-memory order store with the same conditional-update semantics as Store.
package order

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"roadside/internal/types"
)

// MemStore keeps encoded documents so callers never share memory with it.
type MemStore struct {
	mu   sync.Mutex
	docs map[types.ID][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{docs: make(map[types.ID][]byte)}
}

func (m *MemStore) Insert(_ context.Context, o *Order) error {
	doc, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	m.docs[o.ID] = doc
	return nil
}

func (m *MemStore) Get(_ context.Context, id types.ID) (*Order, error) {
	m.mu.Lock()
	doc, ok := m.docs[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decodeOrder(doc)
}

func (m *MemStore) ConditionalUpdate(_ context.Context, id types.ID, expected Status, version int, next *Order) (bool, error) {
	doc, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("encode order: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.docs[id]
	if !ok {
		return false, nil
	}
	o, err := decodeOrder(cur)
	if err != nil {
		return false, err
	}
	if o.Status != expected || o.Version != version {
		return false, nil
	}
	m.docs[id] = doc
	return true, nil
}

func (m *MemStore) CountActiveByRequester(_ context.Context, requesterID types.ID) (int, error) {
	n := 0
	err := m.each(func(o *Order) {
		if o.RequesterID == requesterID && !o.Status.IsTerminal() {
			n++
		}
	})
	return n, err
}

func (m *MemStore) CountCreatedSince(_ context.Context, requesterID types.ID, since time.Time) (int, error) {
	n := 0
	err := m.each(func(o *Order) {
		if o.RequesterID == requesterID && !o.CreatedAt.Before(since) {
			n++
		}
	})
	return n, err
}

func (m *MemStore) ListOverdue(_ context.Context, before time.Time, limit int) ([]*Order, error) {
	var out []*Order
	err := m.each(func(o *Order) {
		if o.Deadline != nil && o.Deadline.Before(before) && !o.Status.IsTerminal() {
			out = append(out, o)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(*out[j].Deadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) each(fn func(o *Order)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range m.docs {
		o, err := decodeOrder(doc)
		if err != nil {
			return err
		}
		fn(o)
	}
	return nil
}
