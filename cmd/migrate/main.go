package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ovaphlow/pitchfork/service-directory-go/internal/config"
	userrepo "github.com/ovaphlow/pitchfork/service-directory-go/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-directory-go/pkg/database"
	"github.com/ovaphlow/pitchfork/service-directory-go/pkg/utilities"
)

// migrate creates the users table and exits.
func main() {
	config.LoadEnv()

	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()
	sugar := lg.Sugar()

	cfg := database.ConfigFromEnv()
	db, err := database.Connect(cfg)
	if err != nil {
		sugar.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := userrepo.NewUserRepo(db, nil).EnsureTable(ctx); err != nil {
		sugar.Fatalf("ensure users table: %v", err)
	}
	sugar.Infow("schema up to date", "driver", cfg.Driver)
}
