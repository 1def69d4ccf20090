// Package artifacts is a content-addressed blob store for capability payloads
// such as WASM plugin modules.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get when no blob has the requested digest.
var ErrNotFound = errors.New("artifact not found")

// Store is a content-addressed blob store. Every method except Store takes a
// digest of the form "sha256:<hex>" and rejects anything else.
type Store interface {
	Store(ctx context.Context, data []byte) (digest string, err error)
	Get(ctx context.Context, digest string) ([]byte, error)
	Exists(ctx context.Context, digest string) (bool, error)
	// Delete is idempotent.
	Delete(ctx context.Context, digest string) error
}

// Digest returns the prefixed SHA-256 digest of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// IsDigest reports whether s looks like a store digest.
func IsDigest(s string) bool {
	_, err := parseDigest(s)
	return err == nil
}

// parseDigest validates "sha256:<64 hex>" and returns the hex part.
func parseDigest(hash string) (string, error) {
	raw, ok := strings.CutPrefix(hash, "sha256:")
	if !ok {
		return "", fmt.Errorf("invalid hash format: %s", hash)
	}
	if len(raw) != sha256.Size*2 {
		return "", fmt.Errorf("invalid hash length: %s", hash)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid hash hex: %w", err)
	}
	return raw, nil
}

func objectKey(prefix, raw string) string {
	return prefix + raw + ".blob"
}

// FileStore keeps one file per blob under a directory.
type FileStore struct {
	bucketStore
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("artifact dir %s: %w", dir, err)
	}
	return &FileStore{bucketStore: bucketStore{bucket: dirBucket(dir), kind: "fs"}, dir: dir}, nil
}

// Dir is the directory blobs are written to.
func (s *FileStore) Dir() string { return s.dir }

type dirBucket string

func (d dirBucket) path(key string) string { return filepath.Join(string(d), key) }

// put writes through a temp file so readers never see a partial blob.
func (d dirBucket) put(_ context.Context, key string, data []byte, _ string) error {
	tmp, err := os.CreateTemp(string(d), key+".*.tmp")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), d.path(key))
}

func (d dirBucket) get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(d.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (d dirBucket) exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(d.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (d dirBucket) remove(_ context.Context, key string) error {
	if err := os.Remove(d.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// MemoryStore keeps blobs in process memory.
type MemoryStore struct {
	bucketStore
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bucketStore{bucket: &memBucket{objects: map[string][]byte{}}, kind: "memory"}}
}

type memBucket struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func (m *memBucket) put(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *memBucket) get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *memBucket) exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memBucket) remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}
