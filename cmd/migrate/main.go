package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"nbihak.org/internal/migrate"
	"nbihak.org/internal/obs"
	"nbihak.org/internal/store/pg"
	"nbihak.org/ops/migrations"
)

func main() {
	log.SetFlags(0)
	var (
		dsn            = flag.String("dsn", os.Getenv("NBIHAK_PG_DSN"), "PostgreSQL DSN")
		dir            = flag.String("dir", "", "read migrations from this directory instead of the embedded set")
		migrationsPath = flag.String("migrations", "sql", "migrations directory, relative to -dir")
		seedsPath      = flag.String("seeds", "seeds", "seeds directory, relative to -dir")
		timeout        = flag.Duration("timeout", 2*time.Minute, "overall deadline")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or NBIHAK_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := pg.Open(*dsn, pg.PoolConfig{MaxOpenConns: 2, MaxIdleConns: 1})
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	var fsys fs.FS = migrations.FS
	if *dir != "" {
		fsys = os.DirFS(*dir)
	}
	restore := obs.SetLogger(obs.NewLogger(os.Getenv("NBIHAK_LOG_LEVEL"), os.Stderr))
	defer restore()
	mgr := migrate.NewManager(db, fsys, *migrationsPath, *seedsPath)

	switch flag.Arg(0) {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		fmt.Printf("applied %d migration(s)\n", len(applied))
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if err == nil {
			fmt.Printf("rolled back %s\n", name)
		}
	case "seed":
		var applied []string
		applied, err = mgr.Seed(ctx)
		fmt.Printf("applied %d seed(s)\n", len(applied))
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		for _, item := range history {
			fmt.Println(item)
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
