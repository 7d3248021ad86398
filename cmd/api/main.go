package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"backplane.org/internal/auth"
	"backplane.org/internal/config"
	"backplane.org/internal/httpapi"
	"backplane.org/internal/obs"
	"backplane.org/internal/store/mem"
	"backplane.org/internal/store/pg"
	"backplane.org/internal/totp"
)

var (
	version = "0.3.0"
	commit  = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	// Storage: PostgreSQL when a DSN is configured, otherwise the in-memory
	// store (dev mode only).
	var (
		store auth.Store
		probe httpapi.ReadyProbe
	)
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		store = pgStore
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		if !cfg.DevMode {
			log.Fatal("BACKPLANE_PG_DSN is required outside dev mode")
		}
		log.Println("no DSN configured; using the in-memory store")
		store = mem.New()
	}

	secret := cfg.JWTSecret
	if secret == "" {
		// Only reachable in dev mode; config validation enforces the secret
		// elsewhere.
		secret = "backplane-dev-secret"
	}
	codec, err := auth.NewCodec(secret, auth.WithAlgorithm(cfg.JWTAlgorithm))
	if err != nil {
		log.Fatalf("token codec: %v", err)
	}

	svc, err := auth.NewService(store, codec, totp.NewManager(cfg.TOTPIssuer),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
		auth.WithPartialTTL(cfg.PartialTTL),
	)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	// Reconcile the permission catalog, baseline roles and bootstrap users
	// against the declared operation tables before serving traffic.
	reconciler := auth.NewReconciler(store, auth.BootstrapAccounts{
		Owner:      auth.BootstrapAccount{Username: cfg.OwnerUser, Password: cfg.OwnerPass, Email: cfg.OwnerEmail},
		Subscriber: auth.BootstrapAccount{Username: cfg.SubscriberUser, Password: cfg.SubscriberPass, Email: cfg.SubscriberMail},
		Observer:   auth.BootstrapAccount{Username: cfg.ObserverUser, Password: cfg.ObserverPass, Email: cfg.ObserverEmail},
	})
	// Runs alongside request serving. Deny-by-default covers the window
	// before it completes, and a failure degrades to denial rather than
	// taking the process down.
	go func() {
		recCtx, recCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer recCancel()
		inserted, err := reconciler.Run(recCtx, httpapi.Operations())
		if err != nil {
			log.Printf("reconcile permissions: %v", err)
			return
		}
		log.Printf("permission catalog reconciled (%d new records)", inserted)
	}()

	api := httpapi.New(svc, auth.NewResolver(store), store,
		httpapi.WithReadyProbe(probe),
		httpapi.WithVersion(version),
		httpapi.WithDevMode(cfg.DevMode),
		httpapi.WithSecureCookies(cfg.SecureCookies),
	)

	handler := httpapi.RequestID(
		httpapi.LoggingJSON(
			httpapi.SecurityHeaders(
				httpapi.RateLimit(
					httpapi.MaxBodyBytes(api.Handler(), 1<<20),
					cfg.RateLimitBurst, cfg.RateLimitPerSecond,
				),
			),
		),
	)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting backplane-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
