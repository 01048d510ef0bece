package boltstore

import (
	"encoding/binary"
	"strings"

	"github.com/HyperSystemsDev/hyperhomes/pkg/homedb"
)

// Bucket name constants for bbolt storage.
var (
	bucketMeta    = []byte("meta")
	bucketPlayers = []byte("players") // player id -> JSON record
	bucketNames   = []byte("names")   // lowercase username -> player id
	bucketShares  = []byte("shares")  // owner id + grantee id -> empty
)

// Meta key constants.
var (
	keySchema = []byte("schema")
)

// schemaVersion is bumped when the on-disk layout changes.
const schemaVersion = 1

// playerKey is the raw 16 bytes of the id, so keys sort by id.
func playerKey(id homedb.PlayerID) []byte {
	k := make([]byte, 16)
	copy(k, id[:])
	return k
}

func keyToPlayer(b []byte) (homedb.PlayerID, bool) {
	var id homedb.PlayerID
	if len(b) != 16 {
		return id, false
	}
	copy(id[:], b)
	return id, true
}

// shareKey concatenates owner and grantee so a prefix scan over the owner
// yields every grantee.
func shareKey(owner, grantee homedb.PlayerID) []byte {
	k := make([]byte, 32)
	copy(k, owner[:])
	copy(k[16:], grantee[:])
	return k
}

func splitShareKey(b []byte) (owner, grantee homedb.PlayerID, ok bool) {
	if len(b) != 32 {
		return owner, grantee, false
	}
	copy(owner[:], b[:16])
	copy(grantee[:], b[16:])
	return owner, grantee, true
}

func nameKey(username string) []byte {
	return []byte(strings.ToLower(username))
}

// intToKey converts an int to an 8-byte big-endian value.
func intToKey(n int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return buf
}

// keyToInt converts an 8-byte big-endian value back to an int.
func keyToInt(b []byte) int {
	if len(b) != 8 {
		return 0
	}
	return int(binary.BigEndian.Uint64(b))
}
