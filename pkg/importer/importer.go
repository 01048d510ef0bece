// Package importer reads legacy per-player JSON home files, one
// <uuid>.json per player, and converts them into home sets.
package importer

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/HyperSystemsDev/hyperhomes/pkg/homedb"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed record.schema.json
var recordSchema string

const schemaURL = "hyperhomes://record.schema.json"

// Problem describes one file that could not be imported.
type Problem struct {
	File string
	Err  error
}

func (p Problem) Error() string {
	return fmt.Sprintf("%s: %v", p.File, p.Err)
}

// Result is the outcome of reading a directory.
type Result struct {
	Sets     []homedb.PlayerHomeSet
	Problems []Problem
	Homes    int
}

// Importer validates records against the record schema.
type Importer struct {
	schema *jsonschema.Schema
}

// New compiles the embedded record schema.
func New() (*Importer, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, strings.NewReader(recordSchema)); err != nil {
		return nil, fmt.Errorf("importer: %w", err)
	}
	s, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("importer: compile schema: %w", err)
	}
	return &Importer{schema: s}, nil
}

// Parse validates one JSON document and converts it.
func (im *Importer) Parse(data []byte) (homedb.PlayerHomeSet, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return homedb.PlayerHomeSet{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := im.schema.Validate(doc); err != nil {
		return homedb.PlayerHomeSet{}, err
	}
	var rec homedb.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return homedb.PlayerHomeSet{}, err
	}
	return homedb.FromRecord(rec)
}

// ReadDir parses every *.json file in dir. Bad files are reported in
// Problems and skipped. A file whose name is a uuid must hold that
// player's record.
func (im *Importer) ReadDir(dir string) (*Result, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("importer: %w", err)
	}
	sort.Strings(matches)

	res := &Result{}
	seen := make(map[homedb.PlayerID]string)
	for _, path := range matches {
		name := filepath.Base(path)
		data, err := os.ReadFile(path)
		if err != nil {
			res.Problems = append(res.Problems, Problem{File: name, Err: err})
			continue
		}
		set, err := im.Parse(data)
		if err != nil {
			res.Problems = append(res.Problems, Problem{File: name, Err: err})
			continue
		}
		if id, err := homedb.ParsePlayerID(strings.TrimSuffix(name, ".json")); err == nil && id != set.Player {
			res.Problems = append(res.Problems, Problem{File: name, Err: fmt.Errorf("holds record of %s", set.Player)})
			continue
		}
		if prev, dup := seen[set.Player]; dup {
			res.Problems = append(res.Problems, Problem{File: name, Err: fmt.Errorf("player %s already read from %s", set.Player, prev)})
			continue
		}
		seen[set.Player] = name
		res.Sets = append(res.Sets, set)
		res.Homes += len(set.Homes)
	}
	return res, nil
}
