// Package store persists per-device pairing state as a small YAML file:
// the auth token and the last raw settings frame, both hex-encoded and
// keyed by device address.
package store

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// deviceState is the persisted record for one device.
type deviceState struct {
	Token         string `yaml:"token,omitempty"`
	SettingsFrame string `yaml:"settings_frame,omitempty"`
}

type fileData struct {
	Devices map[string]deviceState `yaml:"devices"`
}

// FileStore implements ble.Store on a YAML file. Every save rewrites the
// file atomically. Safe for concurrent use within one process.
type FileStore struct {
	path string

	mu   sync.Mutex
	data fileData
}

// NewFileStore opens the store at path. A missing file is an empty store;
// it is created on the first save.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, data: fileData{Devices: make(map[string]deviceState)}}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("store: parse %s: %w", path, err)
	}
	if s.data.Devices == nil {
		s.data.Devices = make(map[string]deviceState)
	}
	return s, nil
}

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

// normalize makes MAC addresses case-insensitive keys.
func normalize(deviceID string) string { return strings.ToUpper(deviceID) }

func (s *FileStore) LoadToken(deviceID string) ([]byte, bool, error) {
	return s.load(deviceID, func(d deviceState) string { return d.Token })
}

func (s *FileStore) SaveToken(deviceID string, token []byte) error {
	return s.save(deviceID, func(d *deviceState) { d.Token = hex.EncodeToString(token) })
}

func (s *FileStore) LoadSettingsFrame(deviceID string) ([]byte, bool, error) {
	return s.load(deviceID, func(d deviceState) string { return d.SettingsFrame })
}

func (s *FileStore) SaveSettingsFrame(deviceID string, frame []byte) error {
	return s.save(deviceID, func(d *deviceState) { d.SettingsFrame = hex.EncodeToString(frame) })
}

// Forget drops everything stored for deviceID, forcing a fresh pairing.
func (s *FileStore) Forget(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := normalize(deviceID)
	if _, ok := s.data.Devices[key]; !ok {
		return nil
	}
	delete(s.data.Devices, key)
	return s.flush()
}

func (s *FileStore) load(deviceID string, field func(deviceState) string) ([]byte, bool, error) {
	s.mu.Lock()
	d, ok := s.data.Devices[normalize(deviceID)]
	s.mu.Unlock()
	if !ok || field(d) == "" {
		return nil, false, nil
	}
	b, err := hex.DecodeString(field(d))
	if err != nil {
		return nil, false, fmt.Errorf("store: corrupt entry for %s: %w", deviceID, err)
	}
	return b, true, nil
}

func (s *FileStore) save(deviceID string, update func(*deviceState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := normalize(deviceID)
	d := s.data.Devices[key]
	update(&d)
	s.data.Devices[key] = d
	return s.flush()
}

// flush writes the store through a temp file and rename. Called with mu held.
func (s *FileStore) flush() error {
	raw, err := yaml.Marshal(&s.data)
	if err != nil {
		return fmt.Errorf("store: encode: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("store: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.yaml")
	if err != nil {
		return fmt.Errorf("store: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: write: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("store: replace %s: %w", s.path, err)
	}
	return nil
}
