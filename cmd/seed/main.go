package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"

	"agentflow/backend/internal/auth"
	"agentflow/backend/internal/config"
	"agentflow/backend/internal/logging"
	"agentflow/backend/internal/repository"
	"agentflow/backend/pkg/models"
)

// seed creates a user, if missing, and prints a fresh API token for it.
func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	name := flag.String("user", "dev", "name of the user to seed")
	flag.Parse()

	ctx := context.Background()
	logger := logging.NewLogger()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Store.Driver == repository.DriverMemory {
		log.Fatalf("the memory store does not outlive this process; use postgres or sqlite")
	}

	repo, err := repository.Open(ctx, repository.Options{
		Driver:     cfg.Store.Driver,
		DSN:        cfg.DSN(),
		SQLitePath: cfg.Store.SQLitePath,
		Migrate:    true,
	})
	if err != nil {
		log.Fatalf("Failed to connect to store: %v", err)
	}
	defer repo.Close()

	user, err := repo.GetUserByName(ctx, *name)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		user = &models.User{Name: *name}
		if err := repo.CreateUser(ctx, user); err != nil {
			log.Fatalf("Failed to create user: %v", err)
		}
		logger.Info("Created user", "name", user.Name, "id", user.ID)
	case err != nil:
		log.Fatalf("Failed to look up user: %v", err)
	default:
		logger.Info("Found existing user", "name", user.Name, "id", user.ID)
	}

	// Only the token store is needed; OIDC stays off for seeding.
	authz, err := auth.New(ctx, &config.Config{}, repo, logger)
	if err != nil {
		log.Fatalf("Failed to initialize auth: %v", err)
	}
	token, err := authz.IssueToken(ctx, user.ID)
	if err != nil {
		log.Fatalf("Failed to issue token: %v", err)
	}

	logger.Info("Seeding complete!")
	fmt.Println(token)
}
