// Command homeimport loads a directory of legacy per-player JSON home
// files into a bolt or SQLite store.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/HyperSystemsDev/hyperhomes/pkg/boltstore"
	"github.com/HyperSystemsDev/hyperhomes/pkg/homedb"
	"github.com/HyperSystemsDev/hyperhomes/pkg/importer"
	"github.com/HyperSystemsDev/hyperhomes/pkg/sqlstore"
)

// importTarget is a store that can bulk-load home sets.
type importTarget interface {
	Import(sets []homedb.PlayerHomeSet) error
	Close() error
}

func main() {
	src := flag.String("src", "", "Directory of <uuid>.json player files")
	boltPath := flag.String("bolt", "", "Destination bbolt database")
	sqlPath := flag.String("sqldb", "", "Destination SQLite database")
	dryRun := flag.Bool("n", false, "Validate only, write nothing")
	strict := flag.Bool("strict", false, "Refuse to import if any file is invalid")
	flag.Parse()

	if *src == "" || (*boltPath == "" && *sqlPath == "" && !*dryRun) {
		fmt.Fprintln(os.Stderr, "Usage: homeimport -src <dir> -bolt <file> | -sqldb <file> [-n] [-strict]")
		os.Exit(1)
	}

	im, err := importer.New()
	if err != nil {
		log.Fatal(err)
	}
	res, err := im.ReadDir(*src)
	if err != nil {
		log.Fatal(err)
	}
	for _, p := range res.Problems {
		log.Printf("WARNING: skipping %v", p)
	}
	log.Printf("Read %d players, %d homes from %s (%d files skipped)",
		len(res.Sets), res.Homes, *src, len(res.Problems))

	if *strict && len(res.Problems) > 0 {
		log.Fatalf("Refusing to import: %d invalid files", len(res.Problems))
	}
	if *dryRun {
		return
	}

	var dst importTarget
	if *sqlPath != "" {
		dst, err = sqlstore.Open(*sqlPath, 30*time.Second)
	} else {
		dst, err = boltstore.Open(*boltPath)
	}
	if err != nil {
		log.Fatalf("Error opening destination: %v", err)
	}
	defer dst.Close()

	if err := dst.Import(res.Sets); err != nil {
		log.Fatalf("Import failed: %v", err)
	}
	log.Printf("Imported %d players", len(res.Sets))
}
