package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/rafflrhq/rafflr/internal/pkg/cache"
	"github.com/rafflrhq/rafflr/internal/pkg/database"
	"github.com/rafflrhq/rafflr/internal/pkg/env"
	"github.com/rafflrhq/rafflr/internal/pkg/mail"
	"github.com/rafflrhq/rafflr/internal/pkg/payment"
	"github.com/rafflrhq/rafflr/internal/pkg/sweep"
)

// Cron entrypoint: one sweep pass over lapsed subscriptions, then exit.
func main() {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	svc := payment.NewServiceFromDB(
		database.GetDB(),
		mail.NewSMTPMailer(),
		payment.NewStripeAdapterFromEnv(),
		payment.NewAppleAdapterFromEnv(),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	result, err := sweep.NewRunner(svc).RunOnce(ctx)
	if err != nil {
		log.Fatalf("sweep failed: %v", err)
	}
	if result.Skipped {
		log.Println("sweep skipped: lease held by another instance")
		return
	}
	log.Printf("sweep finished: scanned=%d transitions=%d failed=%d",
		result.Scanned, result.Transitions, result.Failed)
	if result.Failed > 0 {
		os.Exit(1)
	}
}
