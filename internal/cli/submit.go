package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/vietddude/swarm/internal/control"
	"github.com/vietddude/swarm/internal/core/config"
	"github.com/vietddude/swarm/internal/core/domain"
	"github.com/vietddude/swarm/internal/liveness"
	"github.com/vietddude/swarm/internal/producer"
)

var (
	submitAccounts []int64

	migrateSource  string
	migrateTarget  string
	migrateMembers []string
	migrateLimit   int

	reactTarget   string
	reactEmojis   []string
	reactMessages int
	reactCount    int
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue work for the workers",
}

var submitMigrationCmd = &cobra.Command{
	Use:   "migration",
	Short: "Queue a member migration session",
	Run:   runSubmitMigration,
}

var submitReactionCmd = &cobra.Command{
	Use:   "reaction",
	Short: "Queue a reaction task",
	Run:   runSubmitReaction,
}

func init() {
	submitCmd.PersistentFlags().Int64SliceVar(&submitAccounts, "accounts", nil, "account ids to use (default all)")

	submitMigrationCmd.Flags().StringVar(&migrateSource, "source", "", "group to scrape members from")
	submitMigrationCmd.Flags().StringVar(&migrateTarget, "target", "", "group to invite members into")
	submitMigrationCmd.Flags().StringSliceVar(&migrateMembers, "members", nil, "explicit member refs, skips scraping")
	submitMigrationCmd.Flags().IntVar(&migrateLimit, "limit", 200, "max members to scrape")

	submitReactionCmd.Flags().StringVar(&reactTarget, "target", "", "channel or group to react in")
	submitReactionCmd.Flags().StringSliceVar(&reactEmojis, "emojis", nil, "emoji pool")
	submitReactionCmd.Flags().IntVar(&reactMessages, "messages", 10, "recent messages to react to")
	submitReactionCmd.Flags().IntVar(&reactCount, "count", 0, "successful reactions wanted (0 = all)")

	submitCmd.AddCommand(submitMigrationCmd, submitReactionCmd)
	rootCmd.AddCommand(submitCmd)
}

func openAdmission(ctx context.Context, cfg *config.AppConfig) (*control.Store, *producer.Admission) {
	store, err := control.OpenStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open storage", "error", err)
		os.Exit(1)
	}
	registry := liveness.NewRegistry(store.Repos.Heartbeats, cfg.Worker.Freshness)
	return store, producer.NewAdmission(store.Repos, registry, nil)
}

func reportDecision(kind string, id int64, decision producer.Decision, err error) {
	if errors.Is(err, producer.ErrNoWorkers) {
		slog.Warn("No worker online, work stays queued", "kind", kind, "id", id)
		return
	}
	if err != nil {
		slog.Error("Submission failed", "kind", kind, "error", err)
		os.Exit(1)
	}
	slog.Info("Work submitted", "kind", kind, "id", id, "decision", decision)
}

func runSubmitMigration(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()
	store, admission := openAdmission(ctx, cfg)
	defer func() {
		_ = store.Close()
	}()

	members := migrateMembers
	if len(members) == 0 {
		// Members are collected before the session exists so no worker can
		// pick it up empty.
		conn, sessions, err := control.DialSessions(cfg.Session)
		if err != nil {
			slog.Error("Failed to dial session gateway", "error", err)
			os.Exit(1)
		}
		members, err = producer.NewScraper(store.Repos, sessions).Collect(ctx, migrateSource, submitAccounts, migrateLimit)
		_ = conn.Close()
		if err != nil {
			slog.Error("Failed to scrape source group", "source", migrateSource, "error", err)
			os.Exit(1)
		}
	}

	s := &domain.MigrationSession{
		SourceRef:      migrateSource,
		TargetRef:      migrateTarget,
		AccountIDs:     submitAccounts,
		RequestedCount: len(members),
		CreatedBy:      "cli",
	}
	decision, err := admission.SubmitSession(ctx, s, members)
	reportDecision("migration", s.ID, decision, err)
}

func runSubmitReaction(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()
	store, admission := openAdmission(ctx, cfg)
	defer func() {
		_ = store.Close()
	}()

	t := &domain.Task{
		Kind:           domain.TaskKindReaction,
		Target:         reactTarget,
		Emojis:         reactEmojis,
		MessageLimit:   reactMessages,
		RequestedCount: reactCount,
		AccountIDs:     submitAccounts,
		CreatedBy:      "cli",
	}
	decision, err := admission.SubmitTask(ctx, t)
	reportDecision("reaction", t.ID, decision, err)
}
