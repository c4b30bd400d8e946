package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/vietddude/swarm/internal/control"
	"github.com/vietddude/swarm/internal/scheduling/quota"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show workers, account quotas and session health",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx := context.Background()
	store, err := control.OpenStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open storage", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = store.Close()
	}()
	repos := store.Repos
	now := time.Now()

	heartbeats, err := repos.Heartbeats.List(ctx)
	if err != nil {
		slog.Error("Failed to list heartbeats", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "WORKER\tSTATUS\tLAST SEEN\tONLINE")
	for _, hb := range heartbeats {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\n",
			hb.WorkerID, hb.Status, hb.LastSeen.Format(time.RFC3339), hb.Fresh(now, cfg.Worker.Freshness))
	}
	_ = w.Flush()
	fmt.Println()

	accounts, err := repos.Accounts.List(ctx)
	if err != nil {
		slog.Error("Failed to list accounts", "error", err)
		os.Exit(1)
	}
	tracker := quota.NewTracker(repos.Quota, repos.Accounts, cfg.Quota.DailyLimit)

	statuses, err := repos.Health.ListStatuses(ctx)
	if err != nil {
		slog.Error("Failed to list health statuses", "error", err)
		os.Exit(1)
	}
	health := make(map[int64]string, len(statuses))
	for _, s := range statuses {
		health[s.AccountID] = fmt.Sprintf("%s (%d)", s.Status, s.ConsecutiveFailures)
	}

	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ACCOUNT\tLABEL\tACTIVE\tQUOTA LEFT\tHEALTH")
	for _, acc := range accounts {
		left, err := tracker.Remaining(ctx, acc.ID)
		if err != nil {
			slog.Warn("Failed to read quota", "account", acc.ID, "error", err)
		}
		h, ok := health[acc.ID]
		if !ok {
			h = "-"
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%t\t%d/%d\t%s\n", acc.ID, acc.Label, acc.IsActive, left, tracker.Limit(), h)
	}
	_ = w.Flush()
	fmt.Printf("\nQuotas reset at %s\n", tracker.ResetAt().Format(time.RFC3339))
}
