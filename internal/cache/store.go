// Package cache implements the TTL-bounded, file-backed persistence for
// auth tokens and discovered device inventory. Both caches sit
// behind a tiny read/writeAtomic key-value interface so tests can swap in
// an in-memory store without touching disk.
package cache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Store is the pluggable key/value persistence the rest of this package
// builds on. A crash mid-write must never leave a torn file, so
// implementations write atomically (temp file + rename).
type Store interface {
	Read(key string) ([]byte, bool)
	WriteAtomic(key string, data []byte) error
}

// FileStore persists each key as a file under Dir with permissions 0600.
type FileStore struct {
	Dir    string
	logger *zap.Logger
}

// NewFileStore creates a FileStore rooted at dir, creating it if absent.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("cache: create directory %s: %w", dir, err)
	}
	return &FileStore{Dir: dir, logger: logger}, nil
}

func (fs *FileStore) path(key string) string {
	return filepath.Join(fs.Dir, key)
}

// Read returns the file's contents, or (nil, false) if it is missing or
// unreadable. Corrupt files are a cache-miss concern handled by callers
// (JSON parse failures are not distinguished here).
func (fs *FileStore) Read(key string) ([]byte, bool) {
	data, err := os.ReadFile(fs.path(key))
	if err != nil {
		return nil, false
	}
	return data, true
}

// WriteAtomic writes data to a temp file in the same directory then
// renames it over the target, so a crash mid-write never leaves a torn
// cache file.
func (fs *FileStore) WriteAtomic(key string, data []byte) error {
	target := fs.path(key)
	tmp, err := os.CreateTemp(fs.Dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("cache: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("cache: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cache: close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cache: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cache: rename into place: %w", err)
	}
	return nil
}

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	data map[string][]byte
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (ms *MemoryStore) Read(key string) ([]byte, bool) {
	v, ok := ms.data[key]
	return v, ok
}

func (ms *MemoryStore) WriteAtomic(key string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	ms.data[key] = cp
	return nil
}

// EmailKey returns the opaque, filename-safe key for an account's email:
// md5(email), hex-encoded. This keeps addresses out of cache filenames.
func EmailKey(prefix, email string) string {
	sum := md5.Sum([]byte(email))
	return fmt.Sprintf("%s_%s.json", prefix, hex.EncodeToString(sum[:]))
}

// readJSON is a small helper shared by TokenCache/DeviceCache: read a key,
// and on missing-or-corrupt data return (zero, false) rather than an error
// — the auth flow treats both as a plain cache miss and refetches.
func readJSON(s Store, key string, logger *zap.Logger, out interface{}) bool {
	data, ok := s.Read(key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		if logger != nil {
			logger.Warn("cache: corrupt JSON, treating as miss",
				zap.String("key", key), zap.Error(err))
		}
		return false
	}
	return true
}

func writeJSON(s Store, key string, in interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("cache: marshal %s: %w", key, err)
	}
	return s.WriteAtomic(key, data)
}
