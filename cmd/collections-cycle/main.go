package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/collections_backend/config"
	"bitbucket.org/mmdatafocus/collections_backend/models"
	"bitbucket.org/mmdatafocus/collections_backend/utils"
	"bitbucket.org/mmdatafocus/collections_backend/workflow"
)

func main() {
	at := flag.String("at", "", "Optional: evaluation instant (RFC3339). Defaults to now.")
	actor := flag.String("actor", "CollectionsCycle", "Actor name recorded on escalation events.")
	ensureTopics := flag.Bool("ensure-topics", false, "Create the mail and alert topics (and the mail sender subscription) and exit.")
	flag.Parse()

	if *ensureTopics {
		if err := ensurePubSub(context.Background(), config.GetEngineSettings()); err != nil {
			fmt.Fprintf(os.Stderr, "ensure topics: %v\n", err)
			os.Exit(1)
		}
		return
	}

	now := time.Now().UTC()
	if v := strings.TrimSpace(*at); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -at %q: %v\n", v, err)
			os.Exit(2)
		}
		now = t.UTC()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = utils.SetUserNameInContext(ctx, *actor)

	logger := config.GetLogger()
	// Explicit DB connect (config does not connect in init()).
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}
	// Redis only backs the cache and the cycle lock; do not wait forever for it.
	config.ConnectRedisWithRetry(3)

	if !config.SkipMigrations() {
		models.MigrateTable()
	}

	engine, err := workflow.BuildEngine(ctx, db, config.GetEngineSettings(), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build engine: %v\n", err)
		os.Exit(1)
	}

	report, err := engine.Scheduler.RunDailyCycle(ctx, now)
	if report != nil {
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "collections cycle failed: %v\n", err)
		os.Exit(1)
	}
}

// ensurePubSub provisions the topics the engine publishes to. The mail service pulls
// from "<mail topic>-sender".
func ensurePubSub(ctx context.Context, settings config.EngineSettings) error {
	if !config.PubSubConfigured() {
		return fmt.Errorf("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	mail, err := config.CreateTopicIfNotExists(ctx, client, settings.MailTopic)
	if err != nil {
		return err
	}
	if _, err := config.CreateSubscriptionIfNotExists(ctx, client, settings.MailTopic+"-sender", mail); err != nil {
		return err
	}
	if _, err := config.CreateTopicIfNotExists(ctx, client, settings.AlertTopic); err != nil {
		return err
	}
	fmt.Printf("topics ready: %s, %s\n", settings.MailTopic, settings.AlertTopic)
	return nil
}
