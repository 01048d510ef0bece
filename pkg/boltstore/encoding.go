package boltstore

import (
	"encoding/json"

	"github.com/HyperSystemsDev/hyperhomes/pkg/homedb"
)

// encodeSet serializes a home set to its JSON record form.
func encodeSet(set homedb.PlayerHomeSet) ([]byte, error) {
	return json.Marshal(homedb.ToRecord(set))
}

// decodeSet deserializes a JSON record back into a home set.
func decodeSet(data []byte) (homedb.PlayerHomeSet, error) {
	var rec homedb.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return homedb.PlayerHomeSet{}, err
	}
	return homedb.FromRecord(rec)
}
