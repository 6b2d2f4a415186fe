package users

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when a user has neither a durable record nor any
// pending changes.
var ErrNotFound = errors.New("user not found")

// Store is the durable user storage the changelog persists through.
type Store interface {
	// FindUser returns nil, nil when the user does not exist.
	FindUser(ctx context.Context, userID string) (*Record, error)
	// SaveUser upserts by user id. Tips and bits are inserted idempotently
	// by their id.
	SaveUser(ctx context.Context, rec *Record) (*Record, error)
}

// MemoryStore is an in-process Store. It keeps copies, counts calls and can
// be told to fail, which makes it the backing store for the changelog, chat
// and permission tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record

	finds int
	saves int

	failSave map[string]error
	failFind error
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*Record),
		failSave: make(map[string]error),
	}
}

func (m *MemoryStore) FindUser(_ context.Context, userID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finds++
	if m.failFind != nil {
		return nil, m.failFind
	}
	rec, ok := m.records[userID]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) SaveUser(_ context.Context, rec *Record) (*Record, error) {
	if rec == nil || rec.UserID == "" {
		return nil, errors.New("save user: missing user id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if err := m.failSave[rec.UserID]; err != nil {
		return nil, err
	}
	if err := m.failSave["*"]; err != nil {
		return nil, err
	}
	stored := rec.Clone()
	stored.Tips = dedupeTips(stored.Tips)
	stored.Bits = dedupeBits(stored.Bits)
	m.records[rec.UserID] = stored
	return stored.Clone(), nil
}

// Put seeds a durable record without counting it as a save.
func (m *MemoryStore) Put(rec *Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.UserID] = rec.Clone()
}

// FailSave makes SaveUser return err for userID ("*" matches every user).
// A nil err clears the injection.
func (m *MemoryStore) FailSave(userID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failSave, userID)
		return
	}
	m.failSave[userID] = err
}

// FailFind makes every FindUser call return err until cleared with nil.
func (m *MemoryStore) FailFind(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFind = err
}

// Saves reports how many SaveUser calls reached the store.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Finds reports how many FindUser calls reached the store.
func (m *MemoryStore) Finds() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finds
}

func dedupeTips(in []Tip) []Tip {
	if len(in) == 0 {
		return in
	}
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, t := range in {
		if t.ID != "" {
			if _, dup := seen[t.ID]; dup {
				continue
			}
			seen[t.ID] = struct{}{}
		}
		out = append(out, t)
	}
	return out
}

func dedupeBits(in []Bit) []Bit {
	if len(in) == 0 {
		return in
	}
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, b := range in {
		if b.ID != "" {
			if _, dup := seen[b.ID]; dup {
				continue
			}
			seen[b.ID] = struct{}{}
		}
		out = append(out, b)
	}
	return out
}
