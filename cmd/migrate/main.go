package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"lexdesk.org/internal/auth"
	"lexdesk.org/internal/migrate"
	"lexdesk.org/internal/obs"
	"lexdesk.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		dsn       = flag.String("dsn", os.Getenv("LEXDESK_PG_DSN"), "PostgreSQL DSN")
		seedsPath = flag.String("seeds", "", "Optional directory of SQL seed files")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or LEXDESK_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	var seeds fs.FS
	if *seedsPath != "" {
		seeds = os.DirFS(*seedsPath)
	}
	mgr := migrate.NewManager(store.DB(), migrate.Schema(), seeds)

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = seed(ctx, store, mgr)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

// seed installs the permission catalog and default roles, then any SQL seed files.
func seed(ctx context.Context, store *pg.Store, mgr *migrate.Manager) error {
	resolver := auth.NewResolver(store)
	rbac, err := auth.NewRBACService(store, resolver, auth.WithRBACLogger(obs.Logger()))
	if err != nil {
		return err
	}
	if err := rbac.EnsureCatalog(ctx); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	return mgr.Seed(ctx)
}
