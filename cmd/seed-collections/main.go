package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/collections_backend/config"
	"bitbucket.org/mmdatafocus/collections_backend/models"
	"bitbucket.org/mmdatafocus/collections_backend/utils"
)

func main() {
	file := flag.String("file", "cmd/seed-collections/seed.yaml", "YAML file with the policy and the stage templates.")
	skipPolicy := flag.Bool("skip-policy", false, "Only publish templates; keep the stored policy.")
	force := flag.Bool("force", false, "Publish a new template version even when the stage already has an active one.")
	flag.Parse()

	raw, err := os.ReadFile(strings.TrimSpace(*file))
	if err != nil {
		fmt.Fprintf(os.Stderr, "read %s: %v\n", *file, err)
		os.Exit(1)
	}
	seed, err := ParseSeed(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse %s: %v\n", *file, err)
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}
	config.ConnectRedisWithRetry(3)
	models.MigrateTable()

	ctx := utils.SetUserNameInContext(context.Background(), "SeedCollections")
	settings := config.GetEngineSettings()
	policies := models.NewPolicyStore(db, settings.PolicyCacheTTL)
	templates := models.NewTemplateStore(db)

	if !*skipPolicy && seed.Policy != nil {
		saved, err := policies.SavePolicy(ctx, seed.Policy.ToPolicy())
		if err != nil {
			fmt.Fprintf(os.Stderr, "save policy: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("policy saved (system_enabled=%v)\n", saved.SystemEnabled)
	}

	active, err := templates.ActiveTemplates(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list active templates: %v\n", err)
		os.Exit(1)
	}
	for _, input := range seed.Templates {
		if _, ok := active[input.Stage]; ok && !*force {
			fmt.Printf("template %s: active version exists, skipped\n", input.Stage)
			continue
		}
		saved, err := templates.PublishVersion(ctx, input.ToTemplate())
		if err != nil {
			fmt.Fprintf(os.Stderr, "publish template %s: %v\n", input.Stage, err)
			os.Exit(1)
		}
		fmt.Printf("template %s: published version %d\n", saved.Stage, saved.Version)
	}
}
