// Command seed-db prepares a fresh gateway database: it runs migrations,
// seeds one API key with an operator-supplied token, and optionally registers
// a demo webhook. Intended for local development and first deploys.
package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/stockpile/integration-gateway/internal/domain/apikey"
	"github.com/stockpile/integration-gateway/internal/domain/webhook"
	"github.com/stockpile/integration-gateway/internal/repository"
)

func main() {
	var (
		databaseURL  string
		token        string
		keyName      string
		apiKeyPepper string
		webhookURL   string
		eventsCSV    string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&token, "token", "", "API key token to seed (or STOCKPILE_SEED_TOKEN env)")
	flag.StringVar(&keyName, "key-name", "seed", "name of the seeded API key")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or STOCKPILE_API_KEY_PEPPER env)")
	flag.StringVar(&webhookURL, "webhook-url", "", "optional demo webhook endpoint URL")
	flag.StringVar(&eventsCSV, "webhook-events", "sale.created,stock.low", "comma-separated events for the demo webhook")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if token == "" {
		token = os.Getenv("STOCKPILE_SEED_TOKEN")
	}
	if token == "" {
		slog.Error("token is required: set --token or STOCKPILE_SEED_TOKEN")
		os.Exit(1)
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("STOCKPILE_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, token, keyName, apiKeyPepper, webhookURL, eventsCSV); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, token, keyName, pepper, webhookURL, eventsCSV string) error {
	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedAPIKey(ctx, repository.NewAPIKeyRepository(pool), token, keyName, pepper); err != nil {
		return errors.Wrap(err, "seed api key")
	}

	if webhookURL != "" {
		if err := seedWebhook(ctx, repository.NewWebhookRepository(pool), webhookURL, eventsCSV); err != nil {
			return errors.Wrap(err, "seed webhook")
		}
	}

	return nil
}

func seedAPIKey(ctx context.Context, repo *repository.APIKeyRepository, token, name, pepper string) error {
	mac := hmac.New(sha256.New, []byte(pepper))
	mac.Write([]byte(token))
	hash := hex.EncodeToString(mac.Sum(nil))

	key := apikey.Key{
		ID:        uuid.New().String(),
		Name:      name,
		TokenHash: hash,
		Active:    true,
		CreatedAt: time.Now().UTC(),
		CreatedBy: "seed-db",
	}
	if err := repo.Insert(ctx, key); err != nil {
		return err
	}

	slog.Info("seeded api key", slog.String("id", key.ID), slog.String("name", name))
	return nil
}

func seedWebhook(ctx context.Context, repo *repository.WebhookRepository, url, eventsCSV string) error {
	events := strings.Split(eventsCSV, ",")
	for i, e := range events {
		events[i] = strings.TrimSpace(e)
		if err := webhook.ValidateEventName(events[i]); err != nil {
			return err
		}
	}
	if err := webhook.ValidateURL(url); err != nil {
		return err
	}

	wh := webhook.Webhook{
		ID:        uuid.New().String(),
		Name:      "demo",
		URL:       url,
		Events:    events,
		Active:    true,
		CreatedBy: "seed-db",
		CreatedAt: time.Now().UTC(),
	}
	if err := repo.Insert(ctx, wh); err != nil {
		return err
	}

	slog.Info("seeded webhook", slog.String("id", wh.ID), slog.String("url", url))
	return nil
}
