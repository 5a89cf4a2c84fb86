package stt

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/utils"
	"github.com/dgraph-io/badger/v4"
)

const keyPrefix = "transcript:"

// Entry is what the index remembers about one audio payload.
type Entry struct {
	Text      string    `json:"text"`
	AudioKey  string    `json:"audio_key"`
	CreatedAt time.Time `json:"created_at"`
}

// Index maps the hash of raw audio bytes to its transcript.
type Index interface {
	Get(ctx context.Context, hash string) (Entry, bool, error)
	Put(ctx context.Context, hash string, entry Entry) error
}

type BadgerIndex struct {
	db *badger.DB
}

// OpenBadgerIndex opens (or creates) the index under dir. An empty dir keeps it in memory.
func OpenBadgerIndex(dir string) (*BadgerIndex, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, utils.WrapIfNotNil(err, "open transcript index")
	}
	return &BadgerIndex{db: db}, nil
}

func (b *BadgerIndex) Get(_ context.Context, hash string) (Entry, bool, error) {
	var entry Entry
	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + hash))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err != nil {
		return Entry{}, false, utils.WrapIfNotNil(err, hash)
	}
	return entry, found, nil
}

func (b *BadgerIndex) Put(_ context.Context, hash string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return utils.WrapIfNotNil(err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+hash), data)
	})
	return utils.WrapIfNotNil(err, hash)
}

// Count returns the number of cached transcripts.
func (b *BadgerIndex) Count() (int, error) {
	count := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, utils.WrapIfNotNil(err)
}

func (b *BadgerIndex) Close() error {
	return utils.WrapIfNotNil(b.db.Close())
}
