// Command migrate applies or inspects the database schema.
package main

import (
	"flag"
	"fmt"
	"log"
	"strings"

	"parley/internal/config"
	"parley/internal/database"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func usage() error {
	return fmt.Errorf("usage: go run ./cmd/migrate <up|status>")
}

func run() error {
	flag.Parse()
	if flag.NArg() < 1 {
		return usage()
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := database.ConnectWithOptions(cfg, database.ConnectOptions{ApplySchema: false})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(flag.Arg(0))) {
	case "up":
		if err := database.Migrate(db); err != nil {
			return err
		}
		log.Println("schema applied")
	case "status":
		status, err := database.SchemaStatus(db)
		if err != nil {
			return fmt.Errorf("schema status: %w", err)
		}
		missing := 0
		for _, st := range status {
			state := "present"
			if !st.Exists {
				state = "missing"
				missing++
			}
			log.Printf("%-20s %s", st.Table, state)
		}
		log.Printf("env=%s driver=%s tables=%d missing=%d", cfg.Env, cfg.DBDriver, len(status), missing)
	default:
		return usage()
	}
	return nil
}
