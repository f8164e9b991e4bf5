// Command seed bootstraps the first administrator. Re-running it promotes an
// existing user instead of failing.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"nbihak.org/internal/audit"
	"nbihak.org/internal/auth"
	"nbihak.org/internal/config"
	"nbihak.org/internal/obs"
	"nbihak.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		configPath = flag.String("config", os.Getenv("NBIHAK_CONFIG"), "optional YAML config file")
		username   = flag.String("username", envOr("NBIHAK_ADMIN_USERNAME", "admin"), "administrator username")
		email      = flag.String("email", os.Getenv("NBIHAK_ADMIN_EMAIL"), "administrator email")
		password   = flag.String("password", os.Getenv("NBIHAK_ADMIN_PASSWORD"), "administrator password")
	)
	flag.Parse()

	cfg := config.MustLoad(*configPath)
	logger := obs.NewLogger(cfg.LogLevel, os.Stderr)
	restore := obs.SetLogger(logger)
	defer restore()

	db, err := pg.Open(cfg.DB.DSN, pg.PoolConfig{MaxOpenConns: 2, MaxIdleConns: 1})
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	store := pg.New(db, pg.WithLogger(logger))
	defer store.Close()

	interceptor, err := audit.NewInterceptor(store, audit.WithLogger(logger), audit.WithWriteTimeout(cfg.DB.AuditTimeout))
	if err != nil {
		log.Fatalf("audit: %v", err)
	}
	store.AddPostCommitHook(interceptor)

	// Seeding never issues tokens; the codec only satisfies the service.
	ephemeral := make([]byte, 32)
	if _, err := rand.Read(ephemeral); err != nil {
		log.Fatalf("entropy: %v", err)
	}
	key, err := auth.NewHS256Key("seed", ephemeral)
	if err != nil {
		log.Fatalf("signing key: %v", err)
	}
	codec, err := auth.NewTokenCodec(key)
	if err != nil {
		log.Fatalf("codec: %v", err)
	}
	hasher := auth.NewArgon2idHasher(auth.Argon2Params{
		Time:      cfg.Password.Time,
		MemoryKiB: cfg.Password.MemoryKiB,
		Threads:   cfg.Password.Threads,
	})
	sessions, err := auth.NewSessionService(store, store, hasher, codec, auth.WithLogger(logger))
	if err != nil {
		log.Fatalf("session service: %v", err)
	}
	roles, err := auth.NewRoleService(store, store)
	if err != nil {
		log.Fatalf("role service: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ctx = audit.WithRequestID(ctx, "seed-"+time.Now().UTC().Format("20060102T150405"))

	user, err := sessions.Register(ctx, auth.RegisterInput{Username: *username, Email: *email, Password: *password})
	switch {
	case errors.Is(err, auth.ErrDuplicateIdentity):
		user, err = store.FindUserByUsername(ctx, *username)
		if err != nil {
			log.Fatalf("load existing user %q: %v", *username, err)
		}
	case err != nil:
		log.Fatalf("register %q: %v", *username, err)
	}

	user, err = roles.AssignRole(ctx, user.ID, auth.RoleAdmin)
	if err != nil {
		log.Fatalf("assign admin: %v", err)
	}
	fmt.Printf("administrator %s (%s) roles=%v\n", user.Username, user.ID, user.Roles)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
