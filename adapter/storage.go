package deriv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	storageFileVersion = 1
	storageFileMode    = 0o600
	storageDirMode     = 0o700
	storageTempPattern = ".storage-*.toml.tmp"
)

// FileStorage persists key/value pairs in a single TOML file written atomically
type FileStorage struct {
	path string
	mu   sync.RWMutex
}

type storageSchema struct {
	Version int               `toml:"version"`
	Values  map[string]string `toml:"values"`
}

var _ Storage = (*FileStorage)(nil)

// NewFileStorage returns a FileStorage at path; the file is created on first write
func NewFileStorage(path string) (*FileStorage, error) {
	if path == "" {
		return nil, errors.New("storage path is empty")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	return &FileStorage{path: filepath.Clean(absPath)}, nil
}

func (f *FileStorage) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	file, err := f.read()
	if err != nil {
		return "", err
	}
	value, ok := file.Values[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return value, nil
}

func (f *FileStorage) Set(ctx context.Context, key, value string) error {
	return f.update(ctx, func(values map[string]string) {
		values[key] = value
	})
}

func (f *FileStorage) Remove(ctx context.Context, key string) error {
	return f.update(ctx, func(values map[string]string) {
		delete(values, key)
	})
}

func (f *FileStorage) Clear(ctx context.Context) error {
	return f.update(ctx, func(values map[string]string) {
		for k := range values {
			delete(values, k)
		}
	})
}

func (f *FileStorage) update(ctx context.Context, mutate func(map[string]string)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := f.read()
	if err != nil {
		return err
	}
	mutate(file.Values)
	return f.write(file)
}

func (f *FileStorage) read() (storageSchema, error) {
	file := storageSchema{Version: storageFileVersion, Values: map[string]string{}}

	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return file, nil
		}
		return file, fmt.Errorf("read storage file: %w", err)
	}

	if err := toml.Unmarshal(data, &file); err != nil {
		return file, fmt.Errorf("decode storage file: %w", err)
	}
	if file.Version > storageFileVersion {
		return file, fmt.Errorf("unsupported storage file version %d", file.Version)
	}
	if file.Values == nil {
		file.Values = map[string]string{}
	}
	return file, nil
}

func (f *FileStorage) write(file storageSchema) error {
	file.Version = storageFileVersion

	if err := os.MkdirAll(filepath.Dir(f.path), storageDirMode); err != nil {
		return fmt.Errorf("create storage directory: %w", err)
	}

	data, err := toml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode storage file: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(f.path), storageTempPattern)
	if err != nil {
		return fmt.Errorf("create temp storage file: %w", err)
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp storage file: %w", err)
	}
	if err := tempFile.Chmod(storageFileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp storage file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp storage file: %w", err)
	}
	if err := os.Rename(tempName, f.path); err != nil {
		return fmt.Errorf("replace storage file: %w", err)
	}
	cleanup = false
	return nil
}

// MemoryStorage is a process local Storage. It also backs session storage.
type MemoryStorage struct {
	mu     sync.RWMutex
	values map[string]string
}

var _ Storage = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string]string)}
}

func (m *MemoryStorage) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.values[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return value, nil
}

func (m *MemoryStorage) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.values, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.values = make(map[string]string)
	m.mu.Unlock()
	return nil
}

// OpenStorage builds the durable backend selected by cfg.Storage
func OpenStorage(cfg *Config) (Storage, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return NewMemoryStorage(), nil
	case "file":
		return NewFileStorage(cfg.Storage.Path)
	case "badger":
		return NewBadgerStorage(cfg.Storage.Path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// getString returns "" for a missing key
func getString(ctx context.Context, s Storage, key string) (string, error) {
	value, err := s.Get(ctx, key)
	if errors.Is(err, ErrKeyNotFound) {
		return "", nil
	}
	return value, err
}

// getJSON decodes the value at key into v; a missing key leaves v untouched
func getJSON(ctx context.Context, s Storage, key string, v interface{}) error {
	value, err := getString(ctx, s, key)
	if err != nil || value == "" {
		return err
	}
	if err := json.Unmarshal([]byte(value), v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

func setJSON(ctx context.Context, s Storage, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.Set(ctx, key, string(data))
}
