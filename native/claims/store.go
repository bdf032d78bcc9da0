package claims

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"claimengine/storage"
)

type pendingWrite struct {
	value  []byte
	delete bool
}

type undoEntry struct {
	key     string
	prior   []byte
	existed bool
}

// txStore is the transactional boundary around engine state. Writes are
// buffered until commit, which applies them as one storage batch and keeps an
// undo log so a committed step can still be reverted in full if a later step
// of the same operation fails.
type txStore struct {
	db      storage.Database
	pending map[string]pendingWrite
	order   []string
	undo    []undoEntry
}

func newTx(db storage.Database) *txStore {
	return &txStore{db: db, pending: make(map[string]pendingWrite)}
}

func (tx *txStore) raw(key []byte) ([]byte, bool, error) {
	if write, ok := tx.pending[string(key)]; ok {
		if write.delete {
			return nil, false, nil
		}
		return write.value, true, nil
	}
	value, err := tx.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (tx *txStore) has(key []byte) (bool, error) {
	_, ok, err := tx.raw(key)
	return ok, err
}

func (tx *txStore) get(key []byte, out interface{}) (bool, error) {
	value, ok, err := tx.raw(key)
	if err != nil || !ok {
		return ok, err
	}
	if err := rlp.DecodeBytes(value, out); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

func (tx *txStore) stage(key []byte, write pendingWrite) {
	k := string(key)
	if _, seen := tx.pending[k]; !seen {
		tx.order = append(tx.order, k)
	}
	tx.pending[k] = write
}

func (tx *txStore) put(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	tx.stage(key, pendingWrite{value: encoded})
	return nil
}

func (tx *txStore) delete(key []byte) {
	tx.stage(key, pendingWrite{delete: true})
}

// commit makes the buffered writes durable in a single batch.
func (tx *txStore) commit() error {
	if len(tx.order) == 0 {
		return nil
	}
	batch := tx.db.NewBatch()
	undo := make([]undoEntry, 0, len(tx.order))
	for _, k := range tx.order {
		prior, err := tx.db.Get([]byte(k))
		switch {
		case errors.Is(err, storage.ErrNotFound):
			undo = append(undo, undoEntry{key: k})
		case err != nil:
			return err
		default:
			undo = append(undo, undoEntry{key: k, prior: prior, existed: true})
		}
		write := tx.pending[k]
		if write.delete {
			batch.Delete([]byte(k))
		} else {
			batch.Put([]byte(k), write.value)
		}
	}
	if err := batch.Write(); err != nil {
		return err
	}
	tx.undo = append(tx.undo, undo...)
	tx.pending = make(map[string]pendingWrite)
	tx.order = nil
	return nil
}

// revert discards buffered writes and restores every key committed through
// this transaction to its prior value.
func (tx *txStore) revert() error {
	tx.pending = make(map[string]pendingWrite)
	tx.order = nil
	if len(tx.undo) == 0 {
		return nil
	}
	batch := tx.db.NewBatch()
	for i := len(tx.undo) - 1; i >= 0; i-- {
		entry := tx.undo[i]
		if entry.existed {
			batch.Put([]byte(entry.key), entry.prior)
		} else {
			batch.Delete([]byte(entry.key))
		}
	}
	if err := batch.Write(); err != nil {
		return err
	}
	tx.undo = nil
	return nil
}
