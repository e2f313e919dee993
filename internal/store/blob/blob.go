// Package blob keeps delivery payloads and transport configs out of the hot
// delivery index. Records are JSON values in an embedded BadgerDB keyed by
// delivery id, read once per attempt.
package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/relaygate/relaygate/internal/store"
)

const keyPrefix = "blob/"

// Store is a badger-backed store.BlobStore.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) a blob store at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a non-persistent blob store. Used in tests and in the
// daemon's embedded mode.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory blob store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func blobKey(deliveryID string) []byte { return []byte(keyPrefix + deliveryID) }

func (s *Store) PutBlob(_ context.Context, deliveryID string, b *store.Blob) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal blob: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blobKey(deliveryID), data)
	})
	if err != nil {
		return fmt.Errorf("put blob %s: %w", deliveryID, err)
	}
	return nil
}

func (s *Store) GetBlob(_ context.Context, deliveryID string) (*store.Blob, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(deliveryID))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, store.ErrPayloadMissing
	}
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", deliveryID, err)
	}
	var b store.Blob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode blob %s: %w", deliveryID, err)
	}
	return &b, nil
}

func (s *Store) DeleteBlob(_ context.Context, deliveryID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(blobKey(deliveryID))
	})
	if err != nil {
		return fmt.Errorf("delete blob %s: %w", deliveryID, err)
	}
	return nil
}

var _ store.BlobStore = (*Store)(nil)
