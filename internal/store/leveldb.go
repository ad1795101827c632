package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	ldb_opt "github.com/syndtr/goleveldb/leveldb/opt"
	ldb_util "github.com/syndtr/goleveldb/leveldb/util"

	"github.com/punchamoorthee/ledgergate/internal/domain"
)

// key prefixes inside the single database
const (
	prefixProof    = 'P'
	prefixCooldown = 'C'
)

// LevelDBStore persists both ledgers in an embedded leveldb. The database
// file lock makes this process the only writer, so an in-process lock is
// enough to make check-then-put atomic.
type LevelDBStore struct {
	sync.Mutex
	db *leveldb.DB
	wo *ldb_opt.WriteOptions
}

// OpenLevelDB opens (or creates) the database at path.
func OpenLevelDB(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelDBStore{
		db: db,
		wo: &ldb_opt.WriteOptions{Sync: true},
	}, nil
}

func (s *LevelDBStore) Seen(_ context.Context, proofKey string) (bool, error) {
	ok, err := s.db.Has(prefixed(prefixProof, proofKey), nil)
	if err != nil {
		return false, fmt.Errorf("proof lookup failed: %w", err)
	}
	return ok, nil
}

func (s *LevelDBStore) Consume(_ context.Context, proofKey string, at time.Time) error {
	if proofKey == "" {
		return ErrEmptyKey
	}
	key := prefixed(prefixProof, proofKey)

	s.Lock()
	defer s.Unlock()

	ok, err := s.db.Has(key, nil)
	if err != nil {
		return fmt.Errorf("proof lookup failed: %w", err)
	}
	if ok {
		return ErrProofConsumed
	}
	if err := s.db.Put(key, encodeTime(stamp(at)), s.wo); err != nil {
		return fmt.Errorf("proof write failed: %w", err)
	}
	return nil
}

func (s *LevelDBStore) CheckAndReserve(_ context.Context, actorKey string, window time.Duration, now time.Time) (Reservation, error) {
	actorKey = NormalizeActor(actorKey)
	if actorKey == "" {
		return Reservation{}, ErrEmptyKey
	}
	now = stamp(now)
	key := prefixed(prefixCooldown, actorKey)

	s.Lock()
	defer s.Unlock()

	prev, found, err := s.getTime(key)
	if err != nil {
		return Reservation{}, err
	}
	r := decide(actorKey, prev, found, window, now)
	if !r.Allowed {
		return r, nil
	}
	if err := s.db.Put(key, encodeTime(now), s.wo); err != nil {
		return Reservation{}, fmt.Errorf("cooldown write failed: %w", err)
	}
	return r, nil
}

func (s *LevelDBStore) Release(_ context.Context, r Reservation) error {
	if !r.Allowed {
		return nil
	}
	key := prefixed(prefixCooldown, r.ActorKey)

	s.Lock()
	defer s.Unlock()

	cur, found, err := s.getTime(key)
	if err != nil {
		return err
	}
	if !found || !cur.Equal(r.At) {
		return nil
	}
	if r.Previous.IsZero() {
		err = s.db.Delete(key, s.wo)
	} else {
		err = s.db.Put(key, encodeTime(r.Previous), s.wo)
	}
	if err != nil {
		return fmt.Errorf("cooldown release failed: %w", err)
	}
	return nil
}

// Proofs calls fn for every consumed proof in key order.
func (s *LevelDBStore) Proofs(fn func(domain.UsedProofRecord) error) error {
	return s.scan(prefixProof, func(key string, at time.Time) error {
		return fn(domain.UsedProofRecord{ProofKey: key, ConsumedAt: at})
	})
}

// Cooldowns calls fn for every actor's last action in key order.
func (s *LevelDBStore) Cooldowns(fn func(domain.CooldownEntry) error) error {
	return s.scan(prefixCooldown, func(key string, at time.Time) error {
		return fn(domain.CooldownEntry{ActorKey: key, LastActionAt: at})
	})
}

func (s *LevelDBStore) scan(prefix byte, fn func(key string, at time.Time) error) error {
	iter := s.db.NewIterator(ldb_util.BytesPrefix([]byte{prefix}), nil)
	defer iter.Release()
	for iter.Next() {
		val := iter.Value()
		if len(val) != 8 {
			return fmt.Errorf("corrupt entry for %q", iter.Key()[1:])
		}
		if err := fn(string(iter.Key()[1:]), decodeTime(val)); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

func (s *LevelDBStore) getTime(key []byte) (time.Time, bool, error) {
	val, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("cooldown lookup failed: %w", err)
	}
	if len(val) != 8 {
		return time.Time{}, false, fmt.Errorf("corrupt cooldown entry for %q", key[1:])
	}
	return decodeTime(val), true, nil
}

func prefixed(prefix byte, key string) []byte {
	b := make([]byte, 0, len(key)+1)
	b = append(b, prefix)
	return append(b, key...)
}

func encodeTime(t time.Time) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(t.UnixMicro()))
	return b
}

func decodeTime(b []byte) time.Time {
	return time.UnixMicro(int64(binary.BigEndian.Uint64(b))).UTC()
}
