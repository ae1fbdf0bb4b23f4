package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/m4xw311/acprelay/errors"
)

// ErrNotStored is returned by stores for unknown ids.
var ErrNotStored = errors.Sentinel("session not stored")

// Store persists session records between process runs.
type Store interface {
	Save(ctx context.Context, s *Session) error
	Load(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	// List returns every stored session, oldest first.
	List(ctx context.Context) ([]*Session, error)
	Close() error
}

// FileStore keeps one JSON document per session under a directory.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create session directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Save writes the session atomically through a temporary file.
func (f *FileStore) Save(_ context.Context, s *Session) error {
	path, err := f.path(s.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize session: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("could not write session file %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

func (f *FileStore) Load(_ context.Context, id string) (*Session, error) {
	path, err := f.path(id)
	if err != nil {
		return nil, ErrNotStored
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotStored
	}
	if err != nil {
		return nil, fmt.Errorf("could not read session file %s: %w", path, err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("could not parse session file %s: %w", path, err)
	}
	return &s, nil
}

func (f *FileStore) Delete(_ context.Context, id string) error {
	path, err := f.path(id)
	if err != nil {
		return ErrNotStored
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	err = os.Remove(path)
	if os.IsNotExist(err) {
		return ErrNotStored
	}
	return err
}

func (f *FileStore) List(ctx context.Context) ([]*Session, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("could not read session directory: %w", err)
	}
	var out []*Session
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		s, err := f.Load(ctx, strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *FileStore) Close() error { return nil }

// path rejects ids that would escape the directory.
func (f *FileStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid session id %q", id)
	}
	return filepath.Join(f.dir, id+".json"), nil
}
