package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"fedhub/pkg/types"
)

const (
	prefixSpoke  = "spoke/"
	prefixCode   = "code/"
	prefixToken  = "token/"
	prefixVerSeq = "verseq/"
)

// BadgerStore is the durable Store backed by an embedded BadgerDB. Records
// are stored as JSON; instance-code lookups go through a secondary index
// keyed by the normalized code.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

// OpenBadgerStore opens (or creates) the registry database at dir. A failure
// here is fatal for the hub: callers must not start without a store.
func OpenBadgerStore(dir string, logger *zap.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry store at %s: %w", dir, err)
	}

	return &BadgerStore{db: db, logger: logger}, nil
}

func (bs *BadgerStore) SaveSpoke(ctx context.Context, reg *types.SpokeRegistration) error {
	code := reg.InstanceCode.Normalized()

	return bs.db.Update(func(txn *badger.Txn) error {
		// Enforce instance-code uniqueness through the secondary index.
		item, err := txn.Get([]byte(prefixCode + string(code)))
		if err == nil {
			var existing types.SpokeID
			if err := item.Value(func(val []byte) error {
				existing = types.SpokeID(val)
				return nil
			}); err != nil {
				return err
			}
			if existing != reg.SpokeID {
				return ErrDuplicateInstanceCode
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		data, err := json.Marshal(reg)
		if err != nil {
			return fmt.Errorf("failed to encode spoke record: %w", err)
		}

		if err := txn.Set([]byte(prefixSpoke+string(reg.SpokeID)), data); err != nil {
			return err
		}
		return txn.Set([]byte(prefixCode+string(code)), []byte(reg.SpokeID))
	})
}

func (bs *BadgerStore) GetSpoke(ctx context.Context, id types.SpokeID) (*types.SpokeRegistration, error) {
	var reg types.SpokeRegistration

	err := bs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixSpoke + string(id)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrSpokeNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &reg)
		})
	})
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

func (bs *BadgerStore) GetSpokeByInstanceCode(ctx context.Context, code types.InstanceCode) (*types.SpokeRegistration, error) {
	var id types.SpokeID

	err := bs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixCode + string(code.Normalized())))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrSpokeNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			id = types.SpokeID(val)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return bs.GetSpoke(ctx, id)
}

func (bs *BadgerStore) ListSpokes(ctx context.Context, statuses ...types.SpokeStatus) ([]*types.SpokeRegistration, error) {
	var results []*types.SpokeRegistration

	err := bs.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixSpoke)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var reg types.SpokeRegistration
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &reg)
			}); err != nil {
				return err
			}
			if len(statuses) > 0 && !statusMatches(reg.Status, statuses) {
				continue
			}
			results = append(results, &reg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (bs *BadgerStore) SaveToken(ctx context.Context, token *types.IssuedToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to encode token record: %w", err)
	}
	return bs.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixToken+token.TokenID), data)
	})
}

func (bs *BadgerStore) GetToken(ctx context.Context, tokenID string) (*types.IssuedToken, error) {
	var token types.IssuedToken

	err := bs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixToken + tokenID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrTokenNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &token)
		})
	})
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (bs *BadgerStore) DeleteToken(ctx context.Context, tokenID string) error {
	return bs.db.Update(func(txn *badger.Txn) error {
		key := []byte(prefixToken + tokenID)
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrTokenNotFound
		}
		return txn.Delete(key)
	})
}

func (bs *BadgerStore) NextVersionSeq(ctx context.Context, date string) (int, error) {
	var seq int

	err := bs.db.Update(func(txn *badger.Txn) error {
		key := []byte(prefixVerSeq + date)

		item, err := txn.Get(key)
		if err == nil {
			if err := item.Value(func(val []byte) error {
				seq, err = strconv.Atoi(string(val))
				return err
			}); err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		seq++
		return txn.Set(key, []byte(strconv.Itoa(seq)))
	})
	if err != nil {
		return 0, fmt.Errorf("failed to advance version sequence: %w", err)
	}
	return seq, nil
}

func (bs *BadgerStore) Close() error {
	return bs.db.Close()
}
