package catalogstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// InMemorySnapshotBackend keeps the snapshot in process memory. It exists so
// the persistence path can be exercised without touching disk.
type InMemorySnapshotBackend struct {
	mu       sync.Mutex
	snapshot *storeSnapshot
}

func NewInMemorySnapshotBackend() *InMemorySnapshotBackend {
	return &InMemorySnapshotBackend{}
}

func (b *InMemorySnapshotBackend) Load() (*storeSnapshot, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return cloneSnapshot(b.snapshot)
}

func (b *InMemorySnapshotBackend) Save(snapshot *storeSnapshot) error {
	if b == nil || snapshot == nil {
		return nil
	}
	clone, err := cloneSnapshot(snapshot)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.snapshot = clone
	b.mu.Unlock()
	return nil
}

func cloneSnapshot(snapshot *storeSnapshot) (*storeSnapshot, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	var clone storeSnapshot
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

// JSONFileSnapshotBackend persists the snapshot as one JSON file, written
// atomically.
type JSONFileSnapshotBackend struct {
	path string
	mu   sync.Mutex
}

func NewJSONFileSnapshotBackend(path string) *JSONFileSnapshotBackend {
	return &JSONFileSnapshotBackend{path: path}
}

func (b *JSONFileSnapshotBackend) Load() (*storeSnapshot, error) {
	if b == nil || b.path == "" {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot storeSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileSnapshotBackend) Save(snapshot *storeSnapshot) error {
	if b == nil || b.path == "" || snapshot == nil {
		return nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(b.path, data, 0o644)
}

// BuildSnapshotBackendFromDSN selects a backend by DSN scheme. Empty DSN
// means no persistence. Registered factories take precedence over the
// built-in schemes.
func BuildSnapshotBackendFromDSN(dsn string) (SnapshotBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupSnapshotBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileSnapshotBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemorySnapshotBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresSnapshotBackend(dsn)
	default:
		return nil, fmt.Errorf("unsupported snapshot backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, dsn string) (string, error) {
	if parsed.Scheme == "" {
		return dsn, nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		// file://relative/path parses the first segment as the host.
		path = filepath.Join(parsed.Host, strings.TrimPrefix(path, "/"))
	}
	if path == "" {
		return "", fmt.Errorf("snapshot backend DSN has no path: %s", dsn)
	}
	return path, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
