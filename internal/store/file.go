package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"recurd/internal/model"
	"recurd/internal/recur"
)

// fileDoc is one series file: the record plus its version.
type fileDoc struct {
	Version int `yaml:"version"`
	Record  `yaml:",inline"`
}

// FileStore keeps one YAML document per series under Dir.
type FileStore struct {
	Dir   string
	codec Codec
	mu    sync.Mutex
}

// NewFileStore creates dir (0700) if needed.
func NewFileStore(dir string, loc *time.Location) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("store dir is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileStore{Dir: dir, codec: NewCodec(loc)}, nil
}

func (f *FileStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("invalid series id %q", id)
	}
	return filepath.Join(f.Dir, id+".yaml"), nil
}

func (f *FileStore) read(id string) (*fileDoc, error) {
	p, err := f.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("series %s: %w", id, recur.ErrSeriesNotFound)
		}
		return nil, err
	}
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", p, err)
	}
	return &doc, nil
}

func (f *FileStore) Load(_ context.Context, id string) (*model.Series, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read(id)
	if err != nil {
		return nil, err
	}
	s, err := f.codec.FromRecord(doc.Record)
	if err != nil {
		return nil, err
	}
	s.Version = doc.Version
	return s, nil
}

func (f *FileStore) Save(_ context.Context, s *model.Series) error {
	p, err := f.path(s.ID)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	cur, err := f.read(s.ID)
	switch {
	case err == nil:
		if cur.Version != s.Version {
			return fmt.Errorf("series %s at version %d, have %d: %w", s.ID, cur.Version, s.Version, recur.ErrConcurrentModification)
		}
	case recur.IsNotFound(err):
	default:
		return err
	}

	data, err := yaml.Marshal(fileDoc{Version: s.Version + 1, Record: f.codec.ToRecord(s)})
	if err != nil {
		return err
	}
	if err := writeAtomic(p, data); err != nil {
		return err
	}
	s.Version++
	return nil
}

func (f *FileStore) Delete(_ context.Context, id string) error {
	p, err := f.path(id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (f *FileStore) IDs(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.Dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".yaml"))
	}
	sort.Strings(ids)
	return ids, nil
}

// writeAtomic writes data to a temp file in the same directory and renames
// it over path, leaving the file 0600.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".recurd-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
