package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ovaphlow/pitchfork/service-directory-go/internal/config"
	"github.com/ovaphlow/pitchfork/service-directory-go/internal/router"
	"github.com/ovaphlow/pitchfork/service-directory-go/internal/user"
	userrepo "github.com/ovaphlow/pitchfork/service-directory-go/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-directory-go/pkg/cache"
	"github.com/ovaphlow/pitchfork/service-directory-go/pkg/database"
	"github.com/ovaphlow/pitchfork/service-directory-go/pkg/utilities"
)

func main() {
	config.LoadEnv()

	// init logger
	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	sugar.Info("starting service-directory-go")

	// init db
	dbCfg := database.ConfigFromEnv()
	db, err := database.Connect(dbCfg)
	if err != nil {
		sugar.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	repo := userrepo.NewUserRepo(db, utilities.IDFuncFromEnv())
	if err := repo.EnsureTable(context.Background()); err != nil {
		sugar.Fatalf("ensure users table: %v", err)
	}

	// init cache
	cacheCfg := cache.ConfigFromEnv()
	store, err := cache.New(context.Background(), cacheCfg)
	if err != nil {
		sugar.Fatalf("cache connect: %v", err)
	}
	defer store.Close()
	sugar.Infow("cache ready", "driver", cacheCfg.Driver, "ttl", cacheCfg.TTL)

	hasher, err := user.HasherFromEnv()
	if err != nil {
		sugar.Fatalf("password hasher: %v", err)
	}
	svc := user.NewUserService(repo, store, hasher, sugar)

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := config.HTTPAddr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.RegisterRoutes(sugar, user.NewHandler(svc, sugar)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalf("http server failed: %v", err)
		}
	}()
	sugar.Infow("service is running; press Ctrl+C to stop", "addr", addr)

	<-ctx.Done()

	sugar.Info("shutting down")

	// give a short grace period for cleanup
	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}
	if err := db.PingContext(doneCtx); err != nil {
		sugar.Warnf("db ping on shutdown failed: %v", err)
	}

	sugar.Info("goodbye")
}
