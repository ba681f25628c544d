package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/foresee/internal/config"
	"github.com/goodtune/foresee/internal/storage"
	"github.com/goodtune/foresee/internal/usage"
	"github.com/spf13/cobra"
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Inspect and override per-app alert state",
	Long:  `List the alert state of every app, snooze or reset an app, or run one usage poll.`,
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alert state for every app",
	Args:  cobra.NoArgs,
	RunE:  runAlertsList,
}

var alertsSnoozeCmd = &cobra.Command{
	Use:     "snooze APP_ID",
	Short:   "Silence alerts for an app until its next cooldown reset",
	Example: `  foresee alerts snooze com.instagram.android`,
	Args:    cobra.ExactArgs(1),
	RunE:    runAlertsOverride(func(m *usage.Monitor) overrideFunc { return m.Snooze }),
}

var alertsResetCmd = &cobra.Command{
	Use:     "reset APP_ID",
	Short:   "Put an app back at notification level 0",
	Example: `  foresee alerts reset com.instagram.android`,
	Args:    cobra.ExactArgs(1),
	RunE:    runAlertsOverride(func(m *usage.Monitor) overrideFunc { return m.Reset }),
}

var alertsPollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run one usage poll now and deliver any alerts",
	Args:  cobra.NoArgs,
	RunE:  runAlertsPoll,
}

func init() {
	alertsCmd.AddCommand(alertsListCmd)
	alertsCmd.AddCommand(alertsSnoozeCmd)
	alertsCmd.AddCommand(alertsResetCmd)
	alertsCmd.AddCommand(alertsPollCmd)
	rootCmd.AddCommand(alertsCmd)
}

type overrideFunc func(ctx context.Context, appID string) (*storage.AlertState, error)

// withMonitor loads configuration, opens storage and builds a monitor that is
// never started; commands drive it directly
func withMonitor(fn func(ctx context.Context, store storage.Store, monitor *usage.Monitor) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// CLI commands only log problems
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "text"})

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return fn(ctx, store, newMonitor(cfg, store, logger))
}

func runAlertsList(cmd *cobra.Command, args []string) error {
	return withMonitor(func(ctx context.Context, store storage.Store, _ *usage.Monitor) error {
		states, err := store.Alerts().List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list alert states: %w", err)
		}

		if len(states) == 0 {
			fmt.Println("No alert state recorded yet.")
			return nil
		}

		sort.Slice(states, func(i, j int) bool { return states[i].AppID < states[j].AppID })
		printStates(os.Stdout, states)
		return nil
	})
}

func runAlertsOverride(pick func(*usage.Monitor) overrideFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withMonitor(func(ctx context.Context, _ storage.Store, monitor *usage.Monitor) error {
			state, err := pick(monitor)(ctx, args[0])
			if err != nil {
				return err
			}

			_, _ = color.New(color.FgGreen).Printf("✅ %s is now at level %d\n", state.AppID, state.NotificationLevel)
			return nil
		})
	}
}

func runAlertsPoll(cmd *cobra.Command, args []string) error {
	return withMonitor(func(ctx context.Context, _ storage.Store, monitor *usage.Monitor) error {
		result, err := monitor.Poll(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Evaluated %d app(s), %d cooldown reset(s), %d alert(s) in %s\n",
			result.Evaluated, result.Resets, len(result.Alerts), result.Duration.Round(time.Millisecond))

		for _, alert := range result.Alerts {
			_, _ = levelColor(alert.Level).Printf("  [%d] %s: %s\n", alert.Level, alert.AppID, alert.Message)
		}

		red := color.New(color.FgRed)
		for appID, ferr := range result.Failed {
			_, _ = red.Printf("  ❌ %s: %v\n", appID, ferr)
		}
		return nil
	})
}

func printStates(w io.Writer, states []storage.AlertState) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "APP\tLEVEL\tLAST NOTIFIED\tVERSION")
	for _, s := range states {
		notified := "never"
		if at := s.LastNotifiedAt(); !at.IsZero() {
			notified = at.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\n", s.AppID, s.NotificationLevel, notified, s.Version)
	}
	_ = tw.Flush()
}

func levelColor(level int) *color.Color {
	switch {
	case level >= storage.LevelSecond:
		return color.New(color.FgRed, color.Bold)
	case level == storage.LevelFirst:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgGreen)
	}
}
