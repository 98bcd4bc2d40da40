package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/szaher/gitsync/internal/resource"
)

// FileStore implements Store using a local JSON file. Every write rewrites
// the whole file atomically, so writes are serialized by a single lock.
type FileStore struct {
	Path string

	mu  sync.RWMutex
	now func() time.Time
}

// NewFileStore creates a new JSON file store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path, now: time.Now}
}

// stateFile is the on-disk JSON structure.
type stateFile struct {
	Version   string                `json:"version"`
	Seq       int64                 `json:"seq"`
	Resources map[string]*fileEntry `json:"resources"`
}

type fileEntry struct {
	Desired  *resource.DesiredState  `json:"desired,omitempty"`
	Observed *resource.ObservedState `json:"observed,omitempty"`
	History  []SyncRecord            `json:"history,omitempty"`
}

func (s *FileStore) load() (*stateFile, error) {
	sf := &stateFile{Version: "1.0", Resources: map[string]*fileEntry{}}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return sf, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := json.Unmarshal(data, sf); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", s.Path, err)
	}
	if sf.Resources == nil {
		sf.Resources = map[string]*fileEntry{}
	}
	return sf, nil
}

func (s *FileStore) save(sf *stateFile) error {
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	tmp, err := os.CreateTemp(filepath.Dir(s.Path), ".gitsync-state-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// update runs fn against the entry for k under the file lock, then
// persists the result.
func (s *FileStore) update(k string, fn func(sf *stateFile, e *fileEntry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.load()
	if err != nil {
		return err
	}
	e, ok := sf.Resources[k]
	if !ok {
		e = &fileEntry{}
		sf.Resources[k] = e
	}
	fn(sf, e)
	return s.save(sf)
}

func (s *FileStore) Get(_ context.Context, id resource.Identity) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sf, err := s.load()
	if err != nil {
		return Snapshot{}, err
	}
	e, ok := sf.Resources[key(id)]
	if !ok {
		return Snapshot{}, nil
	}
	snap := Snapshot{Desired: e.Desired, Observed: e.Observed}
	if len(e.History) > 0 {
		latest := e.History[len(e.History)-1]
		snap.Latest = &latest
	}
	return snap, nil
}

func (s *FileStore) PutDesired(_ context.Context, d resource.DesiredState) error {
	return s.update(key(d.Identity), func(_ *stateFile, e *fileEntry) {
		e.Desired = &d
	})
}

func (s *FileStore) PutObserved(_ context.Context, o resource.ObservedState) error {
	return s.update(key(o.Identity), func(_ *stateFile, e *fileEntry) {
		e.Observed = &o
	})
}

func (s *FileStore) Forget(_ context.Context, id resource.Identity) error {
	return s.update(key(id), func(_ *stateFile, e *fileEntry) {
		e.Desired = nil
		e.Observed = nil
	})
}

func (s *FileStore) AppendSyncRecord(_ context.Context, rec SyncRecord) (SyncRecord, error) {
	err := s.update(key(rec.Identity), func(sf *stateFile, e *fileEntry) {
		sf.Seq++
		rec = stamp(rec, sf.Seq, s.now)
		e.History = append(e.History, rec)
	})
	if err != nil {
		return SyncRecord{}, err
	}
	return rec, nil
}

func (s *FileStore) History(_ context.Context, id resource.Identity, limit int) ([]SyncRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sf, err := s.load()
	if err != nil {
		return nil, err
	}
	e, ok := sf.Resources[key(id)]
	if !ok {
		return nil, nil
	}
	return tail(e.History, limit), nil
}

func (s *FileStore) Close() error { return nil }
