package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/vietddude/swarm/internal/control"
	"github.com/vietddude/swarm/internal/liveness"
	"github.com/vietddude/swarm/internal/producer"
)

var probeInline bool

var probeCmd = &cobra.Command{
	Use:   "probe [account-id...]",
	Short: "Queue a session health check for some or all accounts",
	Run:   runProbe,
}

func init() {
	probeCmd.Flags().BoolVar(&probeInline, "inline", false, "probe in this process when no worker is online")
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ids, err := parseIDs(args)
	if err != nil {
		slog.Error("Invalid account id", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	store, err := control.OpenStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open storage", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = store.Close()
	}()

	admission := producer.NewAdmission(store.Repos, liveness.NewRegistry(store.Repos.Heartbeats, cfg.Worker.Freshness), nil)
	if probeInline {
		conn, sessions, err := control.DialSessions(cfg.Session)
		if err != nil {
			slog.Error("Failed to dial session gateway", "error", err)
			os.Exit(1)
		}
		defer func() {
			_ = conn.Close()
		}()
		comp, err := control.NewComponents(cfg, store, sessions, true)
		if err != nil {
			slog.Error("Failed to wire components", "error", err)
			os.Exit(1)
		}
		admission = comp.Admission
	}

	id, decision, err := admission.SubmitHealthCheck(ctx, "cli", ids)
	if errors.Is(err, producer.ErrNoWorkers) {
		slog.Warn("No worker online, request stays queued", "request", id)
		return
	}
	if err != nil {
		slog.Error("Health check failed", "request", id, "error", err)
		os.Exit(1)
	}
	slog.Info("Health check submitted", "request", id, "decision", decision)

	if decision != producer.DecisionFallback {
		return
	}
	statuses, err := store.Repos.Health.ListStatuses(ctx)
	if err != nil {
		slog.Error("Failed to list health statuses", "error", err)
		os.Exit(1)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ACCOUNT\tSTATUS\tFAILURES\tCHECKED\tERROR")
	for _, s := range statuses {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n",
			s.AccountID, s.Status, s.ConsecutiveFailures, s.LastChecked.Format(time.RFC3339), s.LastError)
	}
	_ = w.Flush()
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("%q is not an account id", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
