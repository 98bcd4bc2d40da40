package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// FileEmitter appends events to a file, one JSON object per line. Write
// errors are kept and returned by Close.
type FileEmitter struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
	err error
}

// OpenFile opens path for appending, creating it if needed.
func OpenFile(path string) (*FileEmitter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	return &FileEmitter{f: f, enc: json.NewEncoder(f)}, nil
}

// Emit implements Emitter.
func (e *FileEmitter) Emit(ev *Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err == nil {
		e.err = e.enc.Encode(ev)
	}
}

// Close closes the file.
func (e *FileEmitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return errors.Join(e.err, e.f.Close())
}
