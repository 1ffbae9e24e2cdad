package persistence

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marcushq/marcus/internal/marcuserr"
)

// FileStore is the file-tree backend. Each record lives at
// <root>/<collection>/<sanitized-key>.json and every write is a temp file
// followed by an atomic rename, so readers never observe torn records.
type FileStore struct {
	root  string
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
	clock func() time.Time
}

// NewFileStore creates the backend rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, marcuserr.Wrap(marcuserr.KindStorage, err, "cannot create persistence root")
	}
	return &FileStore{
		root:  dir,
		locks: make(map[string]*sync.RWMutex),
		clock: time.Now,
	}, nil
}

// lock returns the per-collection reader/writer lock.
func (s *FileStore) lock(collection string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[collection]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[collection] = l
	}
	return l
}

func (s *FileStore) dir(collection string) string {
	return filepath.Join(s.root, sanitize(collection))
}

func (s *FileStore) path(collection, key string) string {
	return filepath.Join(s.dir(collection), sanitize(key)+".json")
}

// sanitize makes an arbitrary key filesystem-safe while keeping common keys
// readable. Unsafe runes are hex-escaped so distinct keys never collide.
func sanitize(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteString("%" + hex.EncodeToString([]byte(string(r))))
		}
	}
	return b.String()
}

// fileRecord is the on-disk envelope. StoredAt is duplicated outside the
// payload so ClearOld does not depend on payload shape.
type fileRecord struct {
	StoredAt time.Time       `json:"stored_at"`
	Value    json.RawMessage `json:"value"`
}

// Store implements Store.
func (s *FileStore) Store(_ context.Context, collection, key string, value any) error {
	now := s.clock().UTC()
	raw, err := encode(value, now)
	if err != nil {
		return err
	}
	data, err := json.Marshal(fileRecord{StoredAt: now, Value: raw})
	if err != nil {
		return marcuserr.Wrap(marcuserr.KindStorage, err, "failed to encode record envelope")
	}

	l := s.lock(collection)
	l.Lock()
	defer l.Unlock()

	dir := s.dir(collection)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return marcuserr.Wrap(marcuserr.KindTransient, err, "cannot create collection directory")
	}

	tmp, err := os.CreateTemp(dir, ".write-*")
	if err != nil {
		return marcuserr.Wrap(marcuserr.KindTransient, err, "cannot create temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return marcuserr.Wrap(marcuserr.KindTransient, err, "write failed")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return marcuserr.Wrap(marcuserr.KindTransient, err, "close failed")
	}
	if err := os.Rename(tmpName, s.path(collection, key)); err != nil {
		_ = os.Remove(tmpName)
		return marcuserr.Wrap(marcuserr.KindTransient, err, "atomic rename failed")
	}
	return nil
}

// Retrieve implements Store.
func (s *FileStore) Retrieve(_ context.Context, collection, key string, out any) error {
	l := s.lock(collection)
	l.RLock()
	defer l.RUnlock()

	rec, err := s.readRecord(collection, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(rec.Value, out); err != nil {
		return marcuserr.Wrap(marcuserr.KindStorage, err, "stored record does not match requested type")
	}
	return nil
}

func (s *FileStore) readRecord(collection, key string) (*fileRecord, error) {
	data, err := os.ReadFile(s.path(collection, key))
	if os.IsNotExist(err) {
		return nil, marcuserr.ErrNotFound
	}
	if err != nil {
		return nil, marcuserr.Wrap(marcuserr.KindTransient, err, "read failed")
	}
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, marcuserr.Wrap(marcuserr.KindStorage, err, fmt.Sprintf("corrupt record %s/%s", collection, key))
	}
	return &rec, nil
}

// entries lists records of a collection ordered by stored_at, then filename.
func (s *FileStore) entries(collection string) ([]fileRecord, []string, error) {
	dir := s.dir(collection)
	dirents, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, marcuserr.Wrap(marcuserr.KindTransient, err, "cannot list collection")
	}

	type entry struct {
		name string
		rec  fileRecord
	}
	var all []entry
	for _, de := range dirents {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".write-") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, nil, marcuserr.Wrap(marcuserr.KindTransient, err, "read failed")
		}
		var rec fileRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, nil, marcuserr.Wrap(marcuserr.KindStorage, err, fmt.Sprintf("corrupt record %s/%s", collection, name))
		}
		all = append(all, entry{name: name, rec: rec})
	}

	sort.Slice(all, func(i, j int) bool {
		if !all[i].rec.StoredAt.Equal(all[j].rec.StoredAt) {
			return all[i].rec.StoredAt.Before(all[j].rec.StoredAt)
		}
		return all[i].name < all[j].name
	})

	recs := make([]fileRecord, len(all))
	names := make([]string, len(all))
	for i, e := range all {
		recs[i] = e.rec
		names[i] = strings.TrimSuffix(e.name, ".json")
	}
	return recs, names, nil
}

// Query implements Store.
func (s *FileStore) Query(_ context.Context, collection string, filter Filter, limit, offset int) ([]json.RawMessage, error) {
	l := s.lock(collection)
	l.RLock()
	defer l.RUnlock()

	recs, _, err := s.entries(collection)
	if err != nil {
		return nil, err
	}
	filtered := make([]json.RawMessage, 0, len(recs))
	for _, rec := range recs {
		if filter == nil || filter(rec.Value) {
			filtered = append(filtered, rec.Value)
		}
	}
	return page(filtered, limit, offset), nil
}

// Delete implements Store.
func (s *FileStore) Delete(_ context.Context, collection, key string) error {
	l := s.lock(collection)
	l.Lock()
	defer l.Unlock()

	err := os.Remove(s.path(collection, key))
	if err != nil && !os.IsNotExist(err) {
		return marcuserr.Wrap(marcuserr.KindTransient, err, "delete failed")
	}
	return nil
}

// ClearOld implements Store.
func (s *FileStore) ClearOld(_ context.Context, collection string, olderThan time.Time) (int, error) {
	l := s.lock(collection)
	l.Lock()
	defer l.Unlock()

	recs, names, err := s.entries(collection)
	if err != nil {
		return 0, err
	}
	removed := 0
	for i, rec := range recs {
		if rec.StoredAt.Before(olderThan) {
			if err := os.Remove(filepath.Join(s.dir(collection), names[i]+".json")); err != nil && !os.IsNotExist(err) {
				return removed, marcuserr.Wrap(marcuserr.KindTransient, err, "delete failed")
			}
			removed++
		}
	}
	return removed, nil
}

// Keys implements Store.
func (s *FileStore) Keys(_ context.Context, collection string) ([]string, error) {
	l := s.lock(collection)
	l.RLock()
	defer l.RUnlock()

	_, names, err := s.entries(collection)
	if err != nil {
		return nil, err
	}
	// Names are sanitized forms; for the core's keys (IDs) sanitize is the
	// identity, so this is the original key.
	return names, nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }
