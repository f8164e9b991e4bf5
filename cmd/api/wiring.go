package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"nbihak.org/internal/accounts"
	"nbihak.org/internal/audit"
	"nbihak.org/internal/auth"
	"nbihak.org/internal/config"
	"nbihak.org/internal/events"
	"nbihak.org/internal/httpapi"
	"nbihak.org/internal/ratelimit"
	"nbihak.org/internal/store/memory"
	"nbihak.org/internal/store/pg"
)

// backend is what both store implementations offer the services.
type backend interface {
	auth.UserStore
	auth.RefreshTokenStore
	auth.RoleStore
	accounts.Store
	httpapi.Pinger
}

type app struct {
	api       *httpapi.API
	probe     httpapi.ReadyProbe
	storeKind string
	closers   []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func build(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	var (
		store  backend
		reader audit.Reader
		writer audit.Writer
		hook   func(h *audit.Interceptor)
	)
	switch {
	case strings.TrimSpace(cfg.DB.DSN) != "":
		db, err := pg.Open(cfg.DB.DSN, pg.PoolConfig{
			MaxOpenConns:    cfg.DB.MaxOpenConns,
			MaxIdleConns:    cfg.DB.MaxIdleConns,
			ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		ps := pg.New(db, pg.WithLogger(log))
		a.closers = append(a.closers, ps.Close)
		store, reader, writer, a.storeKind = ps, ps, ps, "postgres"
		hook = func(h *audit.Interceptor) { ps.AddPostCommitHook(h) }
	case cfg.IsLocal():
		ms := memory.New(memory.WithLogger(log))
		ml := audit.NewMemoryLog()
		store, reader, writer, a.storeKind = ms, ml, ml, "memory"
		hook = func(h *audit.Interceptor) { ms.AddPostCommitHook(h) }
		log.Warn("store.memory", "reason", "NBIHAK_PG_DSN not set")
	default:
		return nil, errors.New("NBIHAK_PG_DSN is required outside local mode")
	}

	interceptor, err := audit.NewInterceptor(writer,
		audit.WithLogger(log),
		audit.WithWriteTimeout(cfg.DB.AuditTimeout))
	if err != nil {
		return nil, err
	}
	hook(interceptor)

	active, previous, err := signingKeys(cfg)
	if err != nil {
		return nil, err
	}
	codec, err := auth.NewTokenCodec(active,
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithVerificationKeys(previous...))
	if err != nil {
		return nil, err
	}
	hasher := auth.NewArgon2idHasher(auth.Argon2Params{
		Time:      cfg.Password.Time,
		MemoryKiB: cfg.Password.MemoryKiB,
		Threads:   cfg.Password.Threads,
	})

	hub := events.NewHub()
	publisher := events.Fanout{hub}
	if url := strings.TrimSpace(cfg.AMQP.URL); url != "" {
		p, err := events.NewAMQPPublisher(url, cfg.AMQP.Exchange, log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, p.Close)
		publisher = append(publisher, p)
	}

	sessions, err := auth.NewSessionService(store, store, hasher, codec,
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
		auth.WithStorageTimeout(cfg.DB.StorageTimeout),
		auth.WithDefaultRoles(cfg.Auth.DefaultRole),
		auth.WithLogger(log),
		auth.WithEvents(publisher))
	if err != nil {
		return nil, err
	}
	roles, err := auth.NewRoleService(store, store)
	if err != nil {
		return nil, err
	}
	accts, err := accounts.NewService(store, accounts.WithLogger(log))
	if err != nil {
		return nil, err
	}

	loginKeys := ratelimit.Config{
		Capacity: cfg.RateLimit.LoginCapacity,
		Interval: cfg.RateLimit.LoginInterval,
		Prefix:   cfg.RateLimit.LoginKeyPrefix,
	}
	limiter := loginLimiter(ctx, cfg.Redis, loginKeys, log, a)

	a.probe = httpapi.ReadyProbe{Store: store}
	a.api, err = httpapi.New(httpapi.Services{
		Sessions: sessions,
		Roles:    roles,
		Accounts: accts,
		Audit:    reader,
		Events:   hub,
	}, httpapi.Options{
		Version:        version,
		Ready:          a.probe,
		LoginLimiter:   limiter,
		LoginKeys:      loginKeys,
		RateBurst:      cfg.RateLimit.Burst,
		RatePerSecond:  cfg.RateLimit.PerSecond,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		CookieSecure:   cfg.HTTP.CookieSecure,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// loginLimiter prefers Redis so throttling holds across replicas and falls
// back to an in-process bucket when Redis is absent or unreachable.
func loginLimiter(ctx context.Context, rc config.Redis, keys ratelimit.Config, log *slog.Logger, a *app) ratelimit.Limiter {
	local := ratelimit.NewLocal(keys)
	if strings.TrimSpace(rc.Addr) == "" {
		return local
	}
	rdb := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn("ratelimit.redis.unavailable", "addr", rc.Addr, "error", err)
	}
	a.closers = append(a.closers, rdb.Close)
	return ratelimit.NewRedis(rdb, keys, local)
}

// signingKeys builds the active key plus retired HS256 verification keys
// given as kid=secret.
func signingKeys(cfg *config.Config) (auth.SigningKey, []auth.SigningKey, error) {
	var (
		active auth.SigningKey
		err    error
	)
	if cfg.HasRS256() {
		active, err = auth.NewRS256Key(cfg.Auth.KeyID, cfg.Auth.PrivateKeyPEM, cfg.Auth.PublicKeyPEM)
	} else {
		active, err = auth.NewHS256Key(cfg.Auth.KeyID, []byte(cfg.Auth.Secret))
	}
	if err != nil {
		return auth.SigningKey{}, nil, err
	}

	var previous []auth.SigningKey
	for _, item := range cfg.Auth.PreviousSecrets {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		kid, secret, ok := strings.Cut(item, "=")
		if !ok || strings.TrimSpace(kid) == "" || secret == "" {
			return auth.SigningKey{}, nil, fmt.Errorf("previous secret %q must be kid=secret", kid)
		}
		key, err := auth.NewHS256Key(strings.TrimSpace(kid), []byte(secret))
		if err != nil {
			return auth.SigningKey{}, nil, err
		}
		previous = append(previous, key)
	}
	return active, previous, nil
}
