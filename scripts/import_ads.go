package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"crosspost/internal/database"
	"crosspost/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Разовый импорт объявлений и аккаунтов из YAML в базу.

type ImportConfig struct {
	Ads      []models.Ad              `yaml:"ads"`
	Accounts []models.PlatformAccount `yaml:"accounts"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	var (
		filePath = flag.String("file", "configs/ads.yaml", "path to ads yaml")
		dbPath   = flag.String("db", "./data/crosspost.db", "path to sqlite db")
	)
	flag.Parse()

	data, err := os.ReadFile(*filePath)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	var cfg ImportConfig
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse file: %w", err)
	}
	if len(cfg.Ads) == 0 && len(cfg.Accounts) == 0 {
		return fmt.Errorf("nothing to import")
	}

	db, err := database.NewDB(*dbPath, &logger)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ads := 0
	for _, ad := range cfg.Ads {
		if ad.Content.Title == "" || ad.UserID == "" {
			continue
		}
		if ad.ID == "" {
			ad.ID = uuid.NewString()
		}
		if err = db.CreateAd(ctx, &ad); err != nil {
			return fmt.Errorf("create ad %s: %w", ad.Content.Title, err)
		}
		ads++
	}

	accounts := 0
	for _, account := range cfg.Accounts {
		if account.UserID == "" || account.Platform == "" {
			continue
		}
		if account.ID == "" {
			account.ID = uuid.NewString()
		}
		if err = db.SaveAccount(ctx, &account); err != nil {
			return fmt.Errorf("save account %s/%s: %w", account.UserID, account.Platform, err)
		}
		accounts++
	}

	fmt.Printf("done: ads=%d accounts=%d\n", ads, accounts)
	return nil
}
