// Package store persists engine checkpoints in pebble.
package store

import (
	"encoding/json"
	"errors"

	book "github.com/0x5487/tickbook"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

var (
	metadataKey  = []byte("meta")
	marketPrefix = []byte("market/")
	marketUpper  = []byte("market/~")
)

// PebbleStore keeps one record per market plus the checkpoint metadata.
type PebbleStore struct {
	db *pebble.DB
}

// Open opens or creates a store in dir.
func Open(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{
		DisableWAL: false,
	})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

// OpenInMemory opens a store that lives in memory only.
func OpenInMemory() (*PebbleStore, error) {
	db, err := pebble.Open("", &pebble.Options{
		FS: vfs.NewMem(),
	})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

// Close closes the underlying database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

// LoadMarkets returns every stored market ordered by market id.
func (s *PebbleStore) LoadMarkets() ([]*book.OrderBookSnapshot, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: marketPrefix,
		UpperBound: marketUpper,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	snaps := make([]*book.OrderBookSnapshot, 0)
	for iter.First(); iter.Valid(); iter.Next() {
		snap := &book.OrderBookSnapshot{}
		if err := json.Unmarshal(iter.Value(), snap); err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, iter.Error()
}

// SaveCheckpoint replaces the stored checkpoint with snaps and meta in one
// synced batch. Stored markets missing from snaps are deleted. Either the
// whole checkpoint lands or the previous one is left untouched.
func (s *PebbleStore) SaveCheckpoint(snaps []*book.OrderBookSnapshot, meta *book.SnapshotMetadata) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	live := make(map[string]struct{}, len(snaps))
	for _, snap := range snaps {
		if len(snap.MarketID) == 0 {
			return book.ErrInvalidParam
		}
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		if err := batch.Set(marketKey(snap.MarketID), data, nil); err != nil {
			return err
		}
		live[snap.MarketID] = struct{}{}
	}

	stored, err := s.marketIDs()
	if err != nil {
		return err
	}
	for _, marketID := range stored {
		if _, ok := live[marketID]; ok {
			continue
		}
		if err := batch.Delete(marketKey(marketID), nil); err != nil {
			return err
		}
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := batch.Set(metadataKey, data, nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// marketIDs returns the ids of every stored market.
func (s *PebbleStore) marketIDs() ([]string, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: marketPrefix,
		UpperBound: marketUpper,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	ids := make([]string, 0)
	for iter.First(); iter.Valid(); iter.Next() {
		ids = append(ids, string(iter.Key()[len(marketPrefix):]))
	}
	return ids, iter.Error()
}

// LoadMetadata returns the checkpoint metadata, book.ErrNotFound if no
// checkpoint was ever saved.
func (s *PebbleStore) LoadMetadata() (*book.SnapshotMetadata, error) {
	val, closer, err := s.db.Get(metadataKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, book.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	meta := &book.SnapshotMetadata{}
	if err := json.Unmarshal(val, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func marketKey(marketID string) []byte {
	return append(append([]byte{}, marketPrefix...), marketID...)
}
