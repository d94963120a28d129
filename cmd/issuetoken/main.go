// Command issuetoken mints an access/refresh token pair for an existing user.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"ojtrack/internal/auth"
	"ojtrack/internal/config"
	"ojtrack/internal/directory"
	"ojtrack/internal/store"
)

func main() {
	userID := flag.String("user", "", "user id to issue tokens for")
	flag.Parse()
	if *userID == "" {
		fmt.Fprintln(os.Stderr, "usage: issuetoken -user <id>")
		os.Exit(2)
	}
	if err := run(*userID); err != nil {
		fmt.Fprintln(os.Stderr, "issuetoken:", err)
		os.Exit(1)
	}
}

func run(userID string) error {
	cfg := config.Load()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	u, err := directory.NewPGDirectory(db.Client).GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if u == nil {
		return fmt.Errorf("user %q not found", userID)
	}

	pair, err := auth.NewSigner(cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL).Issue(u.ID, string(u.Role))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(pair)
}
