package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"taigachat/server/internal/app"
	"taigachat/server/internal/blob"
	"taigachat/server/internal/clock"
	"taigachat/server/internal/config"
	"taigachat/server/internal/perm"
	"taigachat/server/internal/push"
	"taigachat/server/internal/search"
	"taigachat/server/internal/session"
	"taigachat/server/internal/sfu"
	"taigachat/server/internal/store"
	dispatch "taigachat/server/internal/sync"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	clk := clock.New()

	salt, err := app.EnsurePublicSalt(ctx, dataStore, clk)
	if err != nil {
		log.Fatalf("public salt: %v", err)
	}
	if err := app.EnsureDefaultRoles(ctx, dataStore, clk); err != nil {
		log.Fatalf("default roles: %v", err)
	}

	var fastTokens session.TokenStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for session tokens")
		redisTokens, err := session.NewRedisTokenStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisTokens.Close()
		fastTokens = redisTokens
	} else {
		log.Printf("Using in-memory session tokens")
		fastTokens = session.NewMemoryTokenStore()
	}
	tokens := session.NewTieredTokenStore(fastTokens, dataStore)

	registry := session.NewRegistry()
	authenticator := session.NewAuthenticator(dataStore, tokens, clk.Now, salt, cfg.AuthMethods)
	engine := perm.NewEngine(cfg.ServerID, dataStore)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	searchService.ReindexAllFromPG(ctx)

	blobs := blob.Open(ctx, blob.Config{
		Endpoint:         cfg.MinioEndpoint,
		AccessKey:        cfg.MinioAccessKey,
		SecretKey:        cfg.MinioSecretKey,
		UseSSL:           cfg.MinioUseSSL,
		AttachmentBucket: cfg.AttachmentsBucket,
		AvatarBucket:     cfg.PublicBucket,
		UploadExpiry:     cfg.UploadURLExpiry,
	})

	var service *app.Service
	launcher := &sfu.ExecLauncher{
		BinPath:    cfg.SFUPath,
		ControlURL: "ws://127.0.0.1" + cfg.Addr + "/sfu/control",
	}
	pool := sfu.NewPool(cfg.SFUWorkers, launcher, clk, func(ev sfu.RelayEvent) {
		service.HandleRelay(ev)
	})

	service = app.NewService(app.Deps{
		ServerID:    cfg.ServerID,
		Store:       dataStore,
		Clock:       clk,
		Engine:      engine,
		Registry:    registry,
		Auth:        authenticator,
		Pool:        pool,
		Search:      searchService,
		Blobs:       blobs,
		PingSeconds: int(cfg.PingInterval / time.Second),
	})

	dispatcher := dispatch.NewDispatcher(registry, service, service.Redact, service.PushUpdates, cfg.SyncDebounce)
	service.SetDispatcher(dispatcher)
	go dispatcher.Run(ctx)

	if cfg.SFUPath != "" {
		pool.Start(ctx)
	} else {
		log.Printf("No media worker binary configured, voice disabled")
	}

	pushHandler := push.NewHandler(registry, cfg.PingInterval)
	pushHandler.OnConnect = service.HandleConnect
	pushHandler.OnAck = service.HandleAck
	pushHandler.OnNotificationToken = service.HandleNotificationToken

	httpServer := app.NewHTTPServer(service, pushHandler, pool, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ConnTimeout,
		WriteTimeout:      0, // push connections live past any write deadline
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("TaigaChat server listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
