// Package state persists per-target properties between runs: which OS
// image sits on which root partition, whether a reinitialize was
// requested, the pos_mode the PXE server reads. One JSON file per
// target.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// file is the on-disk shape; the timestamp helps humans figure out
// which of several lab state files is current.
type file struct {
	Properties  map[string]string `json:"properties"`
	LastUpdated time.Time         `json:"lastUpdated"`
}

// Store is a file-backed target.PropertyStore. Every set writes the
// file through; deploys are minutes long so the extra writes are noise.
type Store struct {
	path string
	mu   sync.Mutex
	vals map[string]string
}

// Open loads the property store at path, creating parent directories.
// A missing file is an empty store.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	s := &Store{path: path, vals: make(map[string]string)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read state file %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state file %s: %w", path, err)
	}
	if f.Properties != nil {
		s.vals = f.Properties
	}
	return s, nil
}

// Path returns where this store persists.
func (s *Store) Path() string { return s.path }

// GetProperty returns the value for key and whether it is set.
func (s *Store) GetProperty(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vals[key]
	return v, ok
}

// SetProperty stores key and writes the file through. An empty value
// deletes the key.
func (s *Store) SetProperty(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == "" {
		delete(s.vals, key)
	} else {
		s.vals[key] = value
	}
	return s.save()
}

// Properties returns all keys with the given prefix.
func (s *Store) Properties(prefix string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for k, v := range s.vals {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out[k] = v
		}
	}
	return out
}

// save writes the store; the caller holds the lock.
func (s *Store) save() error {
	data, err := json.MarshalIndent(file{
		Properties:  s.vals,
		LastUpdated: time.Now(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0640); err != nil {
		return fmt.Errorf("failed to write state file %s: %w", s.path, err)
	}
	return nil
}
