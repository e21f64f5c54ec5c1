package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/taskmill/taskmill/pkg/config"
	"github.com/taskmill/taskmill/pkg/database"
)

var (
	downFlag    = flag.Bool("down", false, "Roll back migrations instead of applying them")
	stepsFlag   = flag.Int("steps", 0, "Number of migrations to roll back (0 = all, only with -down)")
	versionFlag = flag.Bool("version", false, "Print the current schema version and exit")
	dsnFlag     = flag.String("dsn", "", "Database connection string (defaults to the service configuration)")
	timeoutFlag = flag.Duration("timeout", time.Minute, "Connection timeout")
)

func main() {
	_ = godotenv.Load()
	flag.Parse()

	dsn := *dsnFlag
	if dsn == "" {
		cfg, err := config.Load()
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
		dsn = cfg.Database.BuildDSN()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	// Wait for the database to come up; the container may start later
	// than this process does.
	deadline := time.Now().Add(*timeoutFlag)
	for {
		if err = db.Ping(); err == nil {
			break
		}
		if time.Now().After(deadline) {
			log.Fatalf("Database is not reachable: %v", err)
		}
		time.Sleep(time.Second)
	}

	switch {
	case *versionFlag:
		version, dirty, err := database.MigrationVersion(db)
		if err != nil {
			log.Fatalf("Failed to read schema version: %v", err)
		}
		fmt.Printf("version=%d dirty=%v\n", version, dirty)
	case *downFlag:
		if err := database.MigrateDown(db, *stepsFlag); err != nil {
			log.Fatalf("Rollback failed: %v", err)
		}
		log.Println("Rollback complete")
	default:
		if err := database.Migrate(db); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("Schema is up to date")
	}
}
