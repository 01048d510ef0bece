package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/HyperSystemsDev/hyperhomes/pkg/archive"
	"github.com/HyperSystemsDev/hyperhomes/pkg/auditlog"
	"github.com/HyperSystemsDev/hyperhomes/pkg/boltstore"
	"github.com/HyperSystemsDev/hyperhomes/pkg/homedb"
	"github.com/HyperSystemsDev/hyperhomes/pkg/server"
	"github.com/HyperSystemsDev/hyperhomes/pkg/sqlstore"
)

// envDefault returns the environment variable value if set, otherwise the fallback.
func envDefault(envVar, fallback string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return fallback
}

func main() {
	confFile := flag.String("conf", envDefault("HYPERHOMES_CONF", ""), "Path to config file (env: HYPERHOMES_CONF)")
	restoreArchive := flag.String("restore", envDefault("HYPERHOMES_RESTORE", ""), "Restore from archive before boot (env: HYPERHOMES_RESTORE)")
	hashSecret := flag.String("hash-secret", "", "Print the bcrypt hash of a client secret and exit")
	genJWT := flag.Bool("gen-jwt-secret", false, "Print a random jwt_secret and exit")
	noWatch := flag.Bool("no-watch", os.Getenv("HYPERHOMES_NO_WATCH") == "true", "Do not reload the config file on change (env: HYPERHOMES_NO_WATCH)")
	flag.Parse()

	if *hashSecret != "" {
		hash, err := server.HashSecret(*hashSecret)
		if err != nil {
			log.Fatalf("Hash failed: %v", err)
		}
		fmt.Println(hash)
		return
	}
	if *genJWT {
		fmt.Println(server.GenerateJWTSecret())
		return
	}

	log.Printf("Welcome to HyperHomes %s", server.Version)

	cfg, err := server.LoadConfig(*confFile)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	if *confFile != "" {
		log.Printf("Loaded config from %s", *confFile)
	}

	// Pre-boot restore from archive
	if *restoreArchive != "" {
		log.Printf("Restoring from archive: %s", *restoreArchive)
		params := archive.RestoreParams{ArchivePath: *restoreArchive}
		if cfg.Storage == "sqlite" {
			params.SQLDest = cfg.SQLPath
		} else {
			params.BoltDest = cfg.BoltPath
		}
		if *confFile != "" {
			params.ConfDir = filepath.Dir(*confFile)
		}
		result, err := archive.Restore(params)
		if err != nil {
			log.Fatalf("Restore failed: %v", err)
		}
		log.Printf("Restore complete: %d files restored (archived %s)", result.FilesRestored, result.Manifest.Timestamp)
		// The archived config may differ from the one loaded above.
		if cfg, err = server.LoadConfig(*confFile); err != nil {
			log.Fatalf("Error loading restored config: %v", err)
		}
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Error opening %s storage: %v", cfg.Storage, err)
	}
	defer store.Close()
	if s, ok := store.(interface{ HasData() bool }); ok && !s.HasData() {
		log.Printf("Store is empty; use homeimport to load legacy home files")
	}

	var audit *auditlog.Recorder
	if cfg.AuditDir != "" {
		audit = auditlog.NewRecorder(auditlog.NewWriter(cfg.AuditDir, "teleports"))
		log.Printf("Audit log in %s", cfg.AuditDir)
	}

	engine, err := server.NewEngine(server.Options{
		Config:      cfg,
		ConfPath:    *confFile,
		Persistence: store,
		Audit:       audit,
	})
	if err != nil {
		log.Fatalf("Error starting engine: %v", err)
	}
	engine.Start()

	var web *server.WebServer
	if cfg.WebPort > 0 {
		webCfg := cfg.WebConfig()
		web = server.NewWebServer(engine, webCfg)
		if len(webCfg.Clients) == 0 {
			log.Printf("WARNING: no api_clients configured; every API call will be refused")
		}
		go func() {
			if err := web.Start(webCfg); err != nil {
				log.Fatalf("Web server error: %v", err)
			}
		}()
	}

	if *confFile != "" && !*noWatch {
		stop, err := engine.WatchConfig(*confFile, func(next *server.Config) {
			if web != nil {
				web.Auth().SetClients(next.APIClients)
			}
		})
		if err != nil {
			log.Printf("WARNING: config reload disabled: %v", err)
		} else {
			defer stop()
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()
	log.Printf("Shutting down...")

	if web != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		if err := web.Stop(shutdownCtx); err != nil {
			log.Printf("WARNING: web shutdown: %v", err)
		}
		done()
	}
	if err := engine.Close(); err != nil {
		log.Printf("WARNING: final flush: %v", err)
	}
	log.Printf("Goodbye")
}

// openStore opens the configured persistence backend, creating its
// directory if needed.
func openStore(cfg *server.Config) (homedb.Persistence, error) {
	switch cfg.Storage {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLPath), 0755); err != nil {
			return nil, err
		}
		log.Printf("Opening SQLite store %s", cfg.SQLPath)
		return sqlstore.Open(cfg.SQLPath, time.Duration(cfg.SQLTimeout)*time.Second)
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.BoltPath), 0755); err != nil {
			return nil, err
		}
		log.Printf("Opening bolt store %s", cfg.BoltPath)
		return boltstore.Open(cfg.BoltPath)
	}
}
