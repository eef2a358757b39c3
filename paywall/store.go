package paywall

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

type EntitlementStore interface {
	Load() (Entitlement, error)
	Save(Entitlement) error
}

type MemoryStore struct {
	mu sync.Mutex
	e  Entitlement
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{e: Entitlement{Tier: TierFree}}
}

func (m *MemoryStore) Load() (Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.e, nil
}

func (m *MemoryStore) Save(e Entitlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.e = e
	return nil
}

// FileStore keeps the entitlement as a JSON file.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// DefaultPath is the per-user entitlement file.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "crapless", "entitlement.json"), nil
}

func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) Load() (Entitlement, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Entitlement{Tier: TierFree}, nil
	}
	if err != nil {
		return Entitlement{}, err
	}

	var e Entitlement
	if err := json.Unmarshal(data, &e); err != nil {
		return Entitlement{}, fmt.Errorf("corrupt entitlement file %s: %w", f.path, err)
	}
	return e, nil
}

func (f *FileStore) Save(e Entitlement) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}

	// Write then rename so a crash never leaves half a file.
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}
