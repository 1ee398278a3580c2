package assetcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	g:<generation>               generation marker
//	e:<generation>\x00<key>      msgpack encoded Entry
var (
	genPrefix   = []byte("g:")
	entryPrefix = []byte("e:")
)

type levelStore struct {
	db *leveldb.DB

	// Put/PutAll hold the read side so a concurrent Delete cannot leave
	// entries behind without a marker.
	mu sync.RWMutex
}

// OpenLevelStore opens (or creates) a leveldb backed Store at path.
func OpenLevelStore(path string) (Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &levelStore{db: db}, nil
}

// NewMemLevelStore returns a leveldb Store kept entirely in memory.
func NewMemLevelStore() (Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &levelStore{db: db}, nil
}

func genKey(generation string) []byte {
	return append(append([]byte{}, genPrefix...), generation...)
}

func entriesPrefix(generation string) []byte {
	b := append(append([]byte{}, entryPrefix...), generation...)
	return append(b, 0)
}

func entryKey(generation, key string) []byte {
	return append(entriesPrefix(generation), key...)
}

func (s *levelStore) Open(_ context.Context, generation string) (bool, error) {
	if generation == "" {
		return false, errors.New("empty generation name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.exists(generation)
	if err != nil || ok {
		return false, err
	}
	if err := s.db.Put(genKey(generation), nil, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (s *levelStore) Generations(_ context.Context) ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix(genPrefix), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), genPrefix)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (s *levelStore) exists(generation string) (bool, error) {
	return s.db.Has(genKey(generation), nil)
}

func (s *levelStore) Delete(_ context.Context, generation string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.exists(generation)
	if err != nil {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(genKey(generation))

	it := s.db.NewIterator(util.BytesPrefix(entriesPrefix(generation)), nil)
	for it.Next() {
		batch.Delete(append([]byte{}, it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	return ok, nil
}

func (s *levelStore) Match(_ context.Context, generation, key string) (Entry, bool, error) {
	b, err := s.db.Get(entryKey(generation, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	ent, err := decodeEntry(b)
	if err != nil {
		return Entry{}, false, fmt.Errorf("decode entry %q: %w", key, err)
	}
	return ent, true, nil
}

func (s *levelStore) Put(_ context.Context, generation, key string, ent Entry) error {
	b, err := encodeEntry(ent)
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	ok, err := s.exists(generation)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("put %q: %w", generation, ErrGenerationNotFound)
	}
	return s.db.Put(entryKey(generation, key), b, nil)
}

func (s *levelStore) PutAll(_ context.Context, generation string, ents []Entry) error {
	batch := new(leveldb.Batch)
	for _, ent := range ents {
		b, err := encodeEntry(ent)
		if err != nil {
			return err
		}
		batch.Put(entryKey(generation, ent.Key()), b)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	ok, err := s.exists(generation)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("put %q: %w", generation, ErrGenerationNotFound)
	}
	return s.db.Write(batch, nil)
}

func (s *levelStore) Count(_ context.Context, generation string) (int, error) {
	it := s.db.NewIterator(util.BytesPrefix(entriesPrefix(generation)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

func (s *levelStore) Close() error {
	return s.db.Close()
}
