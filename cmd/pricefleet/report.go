package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/pricefleet/internal/config"
	"github.com/goodtune/pricefleet/internal/cost"
	"github.com/goodtune/pricefleet/internal/storage"
	"github.com/spf13/cobra"
)

var (
	reportWindow  string
	reportJSON    bool
	reportSession string
	reportLimit   int
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Report recorded spend and session history",
}

var reportCostsCmd = &cobra.Command{
	Use:   "costs",
	Short: "Report spend by platform",
	Long: `Aggregate the cost ledger over a calendar window. The ledger holds the
current month, so "all" covers the same records as "month".`,
	Example: `  pricefleet -c config.yaml report costs --window week
  pricefleet report costs --json`,
	Args: cobra.NoArgs,
	RunE: runReportCosts,
}

var reportEventsCmd = &cobra.Command{
	Use:     "events",
	Short:   "List session lifecycle events",
	Example: `  pricefleet report events --session 3f1c... --limit 20`,
	Args:    cobra.NoArgs,
	RunE:    runReportEvents,
}

func init() {
	reportCostsCmd.Flags().StringVarP(&reportWindow, "window", "w", "day", "Window: day, week, month or all")
	reportCostsCmd.Flags().BoolVar(&reportJSON, "json", false, "Print the report as JSON")

	reportEventsCmd.Flags().StringVar(&reportSession, "session", "", "Only events for this session")
	reportEventsCmd.Flags().IntVar(&reportLimit, "limit", 50, "Most recent events to list")
	reportEventsCmd.Flags().BoolVar(&reportJSON, "json", false, "Print the events as JSON")

	reportCmd.AddCommand(reportCostsCmd)
	reportCmd.AddCommand(reportEventsCmd)
	rootCmd.AddCommand(reportCmd)
}

func runReportCosts(cmd *cobra.Command, args []string) error {
	window, err := cost.ParseWindow(reportWindow)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, tracker, _, err := loadLedger(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	report := tracker.Report(window)
	if reportJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	printCostReport(report, cfg.Budget)
	return nil
}

func runReportEvents(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	events, err := store.Lifecycle().ListEvents(cmd.Context(), reportSession, reportLimit)
	if err != nil {
		return fmt.Errorf("failed to list events: %w", err)
	}

	if reportJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	}

	printEvents(events, cfg.Server.Location())
	return nil
}

func printCostReport(r cost.CostReport, limits config.BudgetConfig) {
	cyan := color.New(color.FgCyan, color.Bold)
	bold := color.New(color.Bold)

	fmt.Println()
	_, _ = cyan.Println(rule)
	_, _ = cyan.Printf("COST REPORT (%s)\n", strings.ToUpper(string(r.Window)))
	_, _ = cyan.Println(rule)
	fmt.Println()

	if !r.Since.IsZero() {
		fmt.Printf("Window:     %s → %s\n", r.Since.Format("2006-01-02 15:04"), r.Until.Format("2006-01-02 15:04"))
	}
	fmt.Print("Total:      ")
	_, _ = bold.Printf("$%.4f", r.Total)
	switch {
	case r.Window == cost.WindowDay && limits.DailyLimit > 0:
		fmt.Printf(" of $%.2f daily limit", limits.DailyLimit)
	case r.Window == cost.WindowMonth && limits.MonthlyLimit > 0:
		fmt.Printf(" of $%.2f monthly limit", limits.MonthlyLimit)
	}
	fmt.Println()
	fmt.Printf("Records:    %d (%d results)\n", r.Records, r.Results)
	for kind, amount := range r.ByKind {
		fmt.Printf("  %-9s $%.4f\n", kind+":", amount)
	}
	fmt.Println()

	if len(r.Platforms) == 0 {
		fmt.Println("No spend recorded in this window.")
	} else {
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "PLATFORM\tCOST\tSESSIONS\tRESULTS\tPER RESULT")
		for _, p := range r.Platforms {
			perResult := "-"
			if p.Results > 0 {
				perResult = fmt.Sprintf("$%.4f", p.CostPerResult)
			}
			fmt.Fprintf(tw, "%s\t$%.4f\t%d\t%d\t%s\n", p.Platform, p.Cost, p.Sessions, p.Results, perResult)
		}
		_ = tw.Flush()
	}

	fmt.Println()
	_, _ = cyan.Println(rule)
	fmt.Println()
}

func printEvents(events []storage.LifecycleEvent, loc *time.Location) {
	if len(events) == 0 {
		fmt.Println("No lifecycle events recorded.")
		return
	}

	red := color.New(color.FgRed)
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSESSION\tPLATFORM\tEVENT\tUSES\tCOST\tREASON")
	for _, ev := range events {
		event := string(ev.Event)
		if ev.Event == storage.EventUnhealthy {
			event = red.Sprint(event)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t$%.4f\t%s\n",
			ev.Timestamp.In(loc).Format("2006-01-02 15:04:05"),
			shortID(ev.SessionID),
			ev.Platform,
			event,
			ev.UsageCount,
			ev.Cost,
			ev.Reason,
		)
	}
	_ = tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
