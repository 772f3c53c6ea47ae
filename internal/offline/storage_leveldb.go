package offline

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	s:<store>            storeMeta
//	e:<store>\x00<key>   storedEntry
//	r:active             active generation name
const (
	storePrefix  = "s:"
	entryPrefix  = "e:"
	activeKey    = "r:active"
	keySeparator = "\x00"
)

type storeMeta struct {
	CreatedAt int64
}

type storedEntry struct {
	Status   int
	Header   http.Header
	Type     ResponseType
	Body     []byte
	StoredAt int64
}

// LevelDBStorage keeps every cache store in a single leveldb database.
type LevelDBStorage struct {
	db *leveldb.DB

	// mu orders entry writes against whole-store deletion, so a late
	// write cannot resurrect entries of a deleted store.
	mu sync.RWMutex
	// index holds the encoded size of every entry, per store.
	index map[string]map[string]int64
}

var _ Storage = (*LevelDBStorage)(nil)

func OpenLevelDB(path string, o *opt.Options) (*LevelDBStorage, error) {
	db, err := leveldb.OpenFile(path, o)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	s := &LevelDBStorage{db: db, index: map[string]map[string]int64{}}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LevelDBStorage) loadIndex() error {
	idx := map[string]map[string]int64{}

	it := s.db.NewIterator(util.BytesPrefix([]byte(storePrefix)), nil)
	for it.Next() {
		name := string(bytes.TrimPrefix(it.Key(), []byte(storePrefix)))
		idx[name] = map[string]int64{}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return fmt.Errorf("load stores: %w", err)
	}

	it = s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	defer it.Release()
	for it.Next() {
		rest := string(bytes.TrimPrefix(it.Key(), []byte(entryPrefix)))
		name, key, ok := splitEntryKey(rest)
		if !ok {
			continue
		}
		entries, exists := idx[name]
		if !exists {
			// orphan from an interrupted delete
			continue
		}
		entries[key] = int64(len(it.Value()))
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("load entries: %w", err)
	}

	s.mu.Lock()
	s.index = idx
	s.mu.Unlock()
	return nil
}

func (s *LevelDBStorage) Close() error {
	return s.db.Close()
}

func (s *LevelDBStorage) Open(_ context.Context, name string) (Store, error) {
	if name == "" {
		return nil, fmt.Errorf("empty store name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[name]; !ok {
		b, err := encodeGob(storeMeta{CreatedAt: time.Now().Unix()})
		if err != nil {
			return nil, err
		}
		if err := s.db.Put([]byte(storePrefix+name), b, nil); err != nil {
			return nil, fmt.Errorf("create store %q: %w", name, err)
		}
		s.index[name] = map[string]int64{}
	}
	return &levelDBStore{s: s, name: name}, nil
}

func (s *LevelDBStorage) Lookup(_ context.Context, name string) (Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.index[name]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, name)
	}
	return &levelDBStore{s: s, name: name}, nil
}

func (s *LevelDBStorage) Has(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[name]
	return ok, nil
}

func (s *LevelDBStorage) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	out := make([]string, 0, len(s.index))
	for name := range s.index {
		out = append(out, name)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

func (s *LevelDBStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[name]; !ok {
		return false, nil
	}

	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+name+keySeparator)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, fmt.Errorf("scan store %q: %w", name, err)
	}
	batch.Delete([]byte(storePrefix + name))
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("delete store %q: %w", name, err)
	}
	delete(s.index, name)
	return true, nil
}

func (s *LevelDBStorage) ActiveGeneration(_ context.Context) (string, error) {
	b, err := s.db.Get([]byte(activeKey), nil)
	if err == leveldb.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *LevelDBStorage) SetActiveGeneration(_ context.Context, name string) error {
	return s.db.Put([]byte(activeKey), []byte(name), nil)
}

type levelDBStore struct {
	s    *LevelDBStorage
	name string
}

func (st *levelDBStore) Name() string { return st.name }

func (st *levelDBStore) entryKey(key string) []byte {
	return []byte(entryPrefix + st.name + keySeparator + key)
}

func (st *levelDBStore) Match(_ context.Context, key string) (*Response, bool, error) {
	b, err := st.s.db.Get(st.entryKey(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var ent storedEntry
	if err := decodeGob(b, &ent); err != nil {
		return nil, false, fmt.Errorf("decode %q: %w", key, err)
	}
	return ent.response(), true, nil
}

func (st *levelDBStore) Put(ctx context.Context, key string, resp *Response) error {
	return st.PutAll(ctx, map[string]*Response{key: resp})
}

func (st *levelDBStore) PutAll(_ context.Context, entries map[string]*Response) error {
	batch := new(leveldb.Batch)
	sizes := make(map[string]int64, len(entries))
	now := time.Now().Unix()
	for key, resp := range entries {
		b, err := encodeGob(newStoredEntry(resp, now))
		if err != nil {
			return fmt.Errorf("encode %q: %w", key, err)
		}
		batch.Put(st.entryKey(key), b)
		sizes[key] = int64(len(b))
	}

	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	idx, ok := st.s.index[st.name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStoreNotFound, st.name)
	}
	if err := st.s.db.Write(batch, nil); err != nil {
		return err
	}
	for key, size := range sizes {
		idx[key] = size
	}
	return nil
}

func (st *levelDBStore) Delete(_ context.Context, key string) (bool, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	idx, ok := st.s.index[st.name]
	if !ok {
		return false, nil
	}
	if _, ok := idx[key]; !ok {
		return false, nil
	}
	if err := st.s.db.Delete(st.entryKey(key), nil); err != nil {
		return false, err
	}
	delete(idx, key)
	return true, nil
}

func (st *levelDBStore) Keys(_ context.Context) ([]string, error) {
	st.s.mu.RLock()
	idx, ok := st.s.index[st.name]
	if !ok {
		st.s.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, st.name)
	}
	out := make([]string, 0, len(idx))
	for k := range idx {
		out = append(out, k)
	}
	st.s.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

func (st *levelDBStore) Size() int64 {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()
	var total int64
	for _, n := range st.s.index[st.name] {
		total += n
	}
	return total
}

func splitEntryKey(s string) (store, key string, ok bool) {
	i := strings.IndexByte(s, keySeparator[0])
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

func newStoredEntry(resp *Response, now int64) storedEntry {
	ent := storedEntry{
		Status:   resp.Status,
		Header:   cloneHeader(resp.Header),
		Type:     resp.Type,
		StoredAt: now,
	}
	ent.Header.Del("Content-Length")
	if resp.Body != nil {
		ent.Body = resp.Body.Bytes()
	}
	return ent
}

func (e storedEntry) response() *Response {
	return &Response{
		Status:   e.Status,
		Header:   cloneHeader(e.Header),
		Type:     e.Type,
		Body:     NewBody(e.Body),
		StoredAt: e.StoredAt,
	}
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
