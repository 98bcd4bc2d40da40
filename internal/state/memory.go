package state

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moby/locker"
	"github.com/oklog/ulid/v2"

	"github.com/szaher/gitsync/internal/resource"
)

// MemoryStore keeps all state in process memory. Operations on one
// identity are serialized by a per-identity lock; mu only guards the
// entry map, so different identities never wait on each other.
type MemoryStore struct {
	locker *locker.Locker

	mu      sync.RWMutex
	entries map[string]*memEntry
	seq     atomic.Int64
	now     func() time.Time
}

// memEntry is guarded by the identity lock for its key.
type memEntry struct {
	desired  *resource.DesiredState
	observed *resource.ObservedState
	history  []SyncRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locker:  locker.New(),
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// entry returns the entry for k, creating it when create is set.
func (s *MemoryStore) entry(k string, create bool) *memEntry {
	s.mu.RLock()
	e := s.entries[k]
	s.mu.RUnlock()
	if e != nil || !create {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e = s.entries[k]; e == nil {
		e = &memEntry{}
		s.entries[k] = e
	}
	return e
}

func (s *MemoryStore) Get(_ context.Context, id resource.Identity) (Snapshot, error) {
	k := key(id)
	s.locker.Lock(k)
	defer s.locker.Unlock(k)

	var snap Snapshot
	e := s.entry(k, false)
	if e == nil {
		return snap, nil
	}
	if e.desired != nil {
		d := *e.desired
		snap.Desired = &d
	}
	if e.observed != nil {
		o := *e.observed
		snap.Observed = &o
	}
	if len(e.history) > 0 {
		latest := e.history[len(e.history)-1]
		snap.Latest = &latest
	}
	return snap, nil
}

func (s *MemoryStore) PutDesired(_ context.Context, d resource.DesiredState) error {
	k := key(d.Identity)
	s.locker.Lock(k)
	defer s.locker.Unlock(k)

	s.entry(k, true).desired = &d
	return nil
}

func (s *MemoryStore) PutObserved(_ context.Context, o resource.ObservedState) error {
	k := key(o.Identity)
	s.locker.Lock(k)
	defer s.locker.Unlock(k)

	s.entry(k, true).observed = &o
	return nil
}

func (s *MemoryStore) Forget(_ context.Context, id resource.Identity) error {
	k := key(id)
	s.locker.Lock(k)
	defer s.locker.Unlock(k)

	if e := s.entry(k, false); e != nil {
		e.desired = nil
		e.observed = nil
	}
	return nil
}

func (s *MemoryStore) AppendSyncRecord(_ context.Context, rec SyncRecord) (SyncRecord, error) {
	k := key(rec.Identity)
	s.locker.Lock(k)
	defer s.locker.Unlock(k)

	e := s.entry(k, true)
	rec = stamp(rec, s.seq.Add(1), s.now)
	e.history = append(e.history, rec)
	return rec, nil
}

func (s *MemoryStore) History(_ context.Context, id resource.Identity, limit int) ([]SyncRecord, error) {
	k := key(id)
	s.locker.Lock(k)
	defer s.locker.Unlock(k)

	e := s.entry(k, false)
	if e == nil {
		return nil, nil
	}
	return tail(e.history, limit), nil
}

func (s *MemoryStore) Close() error { return nil }

// stamp fills in the store-assigned fields of a record.
func stamp(rec SyncRecord, seq int64, now func() time.Time) SyncRecord {
	rec.Seq = seq
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.AppliedAt.IsZero() {
		rec.AppliedAt = now().UTC()
	}
	return rec
}
