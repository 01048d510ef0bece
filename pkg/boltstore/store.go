package boltstore

import (
	"bytes"
	"fmt"
	"log"
	"os"

	"github.com/HyperSystemsDev/hyperhomes/pkg/homedb"
	bbolt "go.etcd.io/bbolt"
)

// Store persists player home records and share grants in a bbolt file.
// It implements homedb.Persistence.
type Store struct {
	bolt *bbolt.DB
}

var _ homedb.Persistence = (*Store)(nil)

// Open opens or creates a bbolt database file and ensures all buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketPlayers, bucketNames, bucketShares} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(keySchema); v != nil {
			if got := keyToInt(v); got > schemaVersion {
				return fmt.Errorf("schema version %d is newer than supported %d", got, schemaVersion)
			}
			return nil
		}
		return meta.Put(keySchema, intToKey(schemaVersion))
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltstore: create buckets: %w", err)
	}

	return &Store{bolt: db}, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	if s.bolt != nil {
		return s.bolt.Close()
	}
	return nil
}

// Path returns the filesystem path of the underlying bbolt database.
func (s *Store) Path() string {
	if s.bolt != nil {
		return s.bolt.Path()
	}
	return ""
}

// Save writes one player's record and refreshes the username index.
func (s *Store) Save(set homedb.PlayerHomeSet) error {
	data, err := encodeSet(set)
	if err != nil {
		return fmt.Errorf("boltstore: encode %s: %w", set.Player, err)
	}
	err = s.bolt.Update(func(tx *bbolt.Tx) error {
		return putSet(tx, set, data)
	})
	if err != nil {
		return fmt.Errorf("boltstore: save %s: %w: %v", set.Player, homedb.ErrIO, err)
	}
	return nil
}

func putSet(tx *bbolt.Tx, set homedb.PlayerHomeSet, data []byte) error {
	key := playerKey(set.Player)
	players := tx.Bucket(bucketPlayers)
	names := tx.Bucket(bucketNames)

	if old := players.Get(key); old != nil {
		if prev, err := decodeSet(old); err == nil && prev.Username != "" && prev.Username != set.Username {
			if err := names.Delete(nameKey(prev.Username)); err != nil {
				return err
			}
		}
	}
	if err := players.Put(key, data); err != nil {
		return err
	}
	if set.Username != "" {
		return names.Put(nameKey(set.Username), key)
	}
	return nil
}

// Delete removes a player's record, username entry and every share grant
// the player is party to.
func (s *Store) Delete(player homedb.PlayerID) error {
	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		key := playerKey(player)
		players := tx.Bucket(bucketPlayers)
		if old := players.Get(key); old != nil {
			if prev, err := decodeSet(old); err == nil && prev.Username != "" {
				if err := tx.Bucket(bucketNames).Delete(nameKey(prev.Username)); err != nil {
					return err
				}
			}
		}
		if err := players.Delete(key); err != nil {
			return err
		}

		shares := tx.Bucket(bucketShares)
		var doomed [][]byte
		err := shares.ForEach(func(k, _ []byte) error {
			owner, grantee, ok := splitShareKey(k)
			if ok && (owner == player || grantee == player) {
				doomed = append(doomed, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range doomed {
			if err := shares.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("boltstore: delete %s: %w: %v", player, homedb.ErrIO, err)
	}
	return nil
}

// LoadAll reads every player record.
func (s *Store) LoadAll() ([]homedb.PlayerHomeSet, error) {
	var sets []homedb.PlayerHomeSet
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPlayers).ForEach(func(k, v []byte) error {
			set, err := decodeSet(v)
			if err != nil {
				return fmt.Errorf("decode player %x: %w", k, err)
			}
			sets = append(sets, set)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: load players: %w", err)
	}
	log.Printf("boltstore: loaded %d player records from bolt", len(sets))
	return sets, nil
}

// LoadShares reads every share grant.
func (s *Store) LoadShares() ([]homedb.ShareGrant, error) {
	var grants []homedb.ShareGrant
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketShares).ForEach(func(k, _ []byte) error {
			owner, grantee, ok := splitShareKey(k)
			if !ok {
				log.Printf("boltstore: skipping malformed share key %x", k)
				return nil
			}
			grants = append(grants, homedb.ShareGrant{Owner: owner, Grantee: grantee})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: load shares: %w", err)
	}
	return grants, nil
}

// SaveShares replaces the owner's grantee list.
func (s *Store) SaveShares(owner homedb.PlayerID, grantees []homedb.PlayerID) error {
	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketShares)
		prefix := playerKey(owner)
		var doomed [][]byte
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			doomed = append(doomed, append([]byte(nil), k...))
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		for _, g := range grantees {
			if err := b.Put(shareKey(owner, g), []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("boltstore: save shares %s: %w: %v", owner, homedb.ErrIO, err)
	}
	return nil
}

// LookupUsername finds a player id by case-insensitive username.
func (s *Store) LookupUsername(username string) (homedb.PlayerID, bool) {
	var id homedb.PlayerID
	found := false
	s.bolt.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketNames).Get(nameKey(username)); v != nil {
			id, found = keyToPlayer(v)
		}
		return nil
	})
	return id, found
}

// Import bulk-loads records, batching 1000 per transaction.
func (s *Store) Import(sets []homedb.PlayerHomeSet) error {
	for start := 0; start < len(sets); start += 1000 {
		end := min(start+1000, len(sets))
		err := s.bolt.Update(func(tx *bbolt.Tx) error {
			for _, set := range sets[start:end] {
				data, err := encodeSet(set)
				if err != nil {
					return fmt.Errorf("encode %s: %w", set.Player, err)
				}
				if err := putSet(tx, set, data); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("boltstore: import: %w", err)
		}
	}
	log.Printf("boltstore: imported %d player records", len(sets))
	return nil
}

// Backup creates a hot snapshot of the bbolt database using tx.WriteTo().
func (s *Store) Backup(path string) error {
	return s.bolt.View(func(tx *bbolt.Tx) error {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("boltstore: create backup %s: %w", path, err)
		}
		defer f.Close()
		_, err = tx.WriteTo(f)
		if err != nil {
			return fmt.Errorf("boltstore: write backup: %w", err)
		}
		log.Printf("boltstore: backup written to %s", path)
		return nil
	})
}

// HasData returns true if the bbolt database contains any player records.
func (s *Store) HasData() bool {
	hasData := false
	s.bolt.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketPlayers).Stats().KeyN > 0 {
			hasData = true
		}
		return nil
	})
	return hasData
}
