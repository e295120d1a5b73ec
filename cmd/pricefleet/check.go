package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/pricefleet/internal/budget"
	"github.com/goodtune/pricefleet/internal/clock"
	"github.com/goodtune/pricefleet/internal/config"
	"github.com/goodtune/pricefleet/internal/cost"
	"github.com/goodtune/pricefleet/internal/optimizer"
	"github.com/goodtune/pricefleet/internal/pool"
	"github.com/goodtune/pricefleet/internal/provider"
	"github.com/goodtune/pricefleet/internal/session"
	"github.com/goodtune/pricefleet/internal/storage"
	"github.com/spf13/cobra"
)

const rule = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"

var (
	checkPlatform   string
	checkCost       float64
	checkTimeout    time.Duration
	checkMaxResults int
	checkNewSession bool

	checkDestination string
	checkCheckIn     string
	checkCheckOut    string
	checkGuests      int
	checkUrgency     string
	checkBatchable   bool
	checkIdle        bool
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check budget and strategy decisions interactively",
	Long:  `Check what PriceFleet would decide for a hypothetical operation, using the recorded spend.`,
}

var checkBudgetCmd = &cobra.Command{
	Use:   "budget [flags]",
	Short: "Check budget admission",
	Long:  `Check whether the budget would admit an operation of the given cost or duration.`,
	Example: `  pricefleet -c config.yaml check budget --platform siteA --timeout 90s --new-session
  pricefleet check budget --cost 0.25`,
	Args: cobra.NoArgs,
	RunE: runCheckBudget,
}

var checkStrategyCmd = &cobra.Command{
	Use:   "strategy [flags]",
	Short: "Check optimizer strategy selection",
	Long:  `Check which strategy the optimizer would pick for a search right now.`,
	Example: `  pricefleet -c config.yaml check strategy --platform siteA --destination Lisbon --check-in 2026-04-10 --check-out 2026-04-12
  pricefleet check strategy --platform siteA --urgency low --batchable`,
	Args: cobra.NoArgs,
	RunE: runCheckStrategy,
}

func init() {
	checkBudgetCmd.Flags().StringVar(&checkPlatform, "platform", "", "Target platform")
	checkBudgetCmd.Flags().Float64Var(&checkCost, "cost", 0, "Estimated cost in USD (derived from --timeout when zero)")
	checkBudgetCmd.Flags().DurationVar(&checkTimeout, "timeout", 0, "Operation duration to price")
	checkBudgetCmd.Flags().IntVar(&checkMaxResults, "max-results", 0, "Requested result count")
	checkBudgetCmd.Flags().BoolVar(&checkNewSession, "new-session", false, "Include the session creation fee")

	checkStrategyCmd.Flags().StringVar(&checkPlatform, "platform", "", "Target platform (required)")
	checkStrategyCmd.Flags().StringVar(&checkDestination, "destination", "", "Search destination")
	checkStrategyCmd.Flags().StringVar(&checkCheckIn, "check-in", "", "Check-in date (YYYY-MM-DD)")
	checkStrategyCmd.Flags().StringVar(&checkCheckOut, "check-out", "", "Check-out date (YYYY-MM-DD)")
	checkStrategyCmd.Flags().IntVar(&checkGuests, "guests", 0, "Guest count")
	checkStrategyCmd.Flags().StringVar(&checkUrgency, "urgency", "normal", "Urgency: low, normal or urgent")
	checkStrategyCmd.Flags().BoolVar(&checkBatchable, "batchable", false, "Request may be deferred into a batch")
	checkStrategyCmd.Flags().BoolVar(&checkIdle, "idle", false, "Assume an idle session is available for reuse")
	checkStrategyCmd.Flags().DurationVar(&checkTimeout, "timeout", 0, "Cap the operation below the platform timeout")
	_ = checkStrategyCmd.MarkFlagRequired("platform")

	checkCmd.AddCommand(checkBudgetCmd)
	checkCmd.AddCommand(checkStrategyCmd)
	rootCmd.AddCommand(checkCmd)
}

// loadLedger opens storage and loads the current month's cost records.
func loadLedger(ctx context.Context, cfg *config.Config) (storage.Store, *cost.Tracker, *budget.Manager, error) {
	logger := quietLogger()

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	tracker := cost.NewTracker(store.Costs(), costConfig(cfg), clock.Real{}, logger)
	if err := tracker.Load(ctx); err != nil {
		_ = store.Close()
		return nil, nil, nil, fmt.Errorf("failed to load cost ledger: %w", err)
	}

	manager := budget.NewManager(tracker, budgetConfig(cfg), clock.Real{}, logger)
	return store, tracker, manager, nil
}

func runCheckBudget(cmd *cobra.Command, args []string) error {
	if checkCost < 0 || checkTimeout < 0 || checkMaxResults < 0 {
		return fmt.Errorf("--cost, --timeout and --max-results must not be negative")
	}
	if checkCost == 0 && checkTimeout == 0 {
		return fmt.Errorf("--cost or --timeout is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, _, manager, err := loadLedger(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	prices := pricing(cfg)
	est := budget.Estimate{
		Platform:           checkPlatform,
		Cost:               checkCost,
		RuntimeRatePerHour: prices.RuntimeRatePerHour,
		Timeout:            checkTimeout,
		MaxResults:         checkMaxResults,
	}
	if checkNewSession {
		est.CreationCost = prices.CreationCost
	}

	printBudgetResult(est, manager.CheckAdmission(est))
	return nil
}

func runCheckStrategy(cmd *cobra.Command, args []string) error {
	urgency, err := optimizer.ParseUrgency(checkUrgency)
	if err != nil {
		return err
	}
	req := optimizer.Request{
		Platform:    checkPlatform,
		Destination: checkDestination,
		Guests:      checkGuests,
		Urgency:     urgency,
		Batchable:   checkBatchable,
		Timeout:     checkTimeout,
	}
	if checkCheckIn != "" {
		if req.CheckIn, err = time.Parse(time.DateOnly, checkCheckIn); err != nil {
			return fmt.Errorf("--check-in must be YYYY-MM-DD")
		}
	}
	if checkCheckOut != "" {
		if req.CheckOut, err = time.Parse(time.DateOnly, checkCheckOut); err != nil {
			return fmt.Errorf("--check-out must be YYYY-MM-DD")
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx := cmd.Context()
	store, tracker, manager, err := loadLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	engine, err := optimizer.NewEngine(optimizerConfig(cfg), optimizer.Deps{
		Pool:     &offlinePool{config: cfg.Pool, pricing: pricing(cfg), idle: checkIdle},
		Budget:   manager,
		Ledger:   tracker,
		Searches: store.Searches(),
		Clock:    clock.Real{},
	}, quietLogger())
	if err != nil {
		return fmt.Errorf("failed to initialize optimizer: %w", err)
	}
	defer engine.Close(ctx)

	strategy, c := engine.Plan(ctx, req)
	printStrategyResult(req, strategy, c)
	return nil
}

// offlinePool answers the optimizer's pool queries from configuration so a
// strategy can be planned without a provider.
type offlinePool struct {
	config   config.PoolConfig
	pricing  provider.Pricing
	idle     bool
	override time.Duration
}

var errOffline = errors.New("offline pool cannot run operations")

func (p *offlinePool) Acquire(ctx context.Context, platform string, priority int, opts ...pool.AcquireOption) (*session.Session, error) {
	return nil, errOffline
}

func (p *offlinePool) Release(s *session.Session) {}

func (p *offlinePool) HasIdle(platform string) bool { return p.idle }

func (p *offlinePool) PlatformTimeout(platform string) time.Duration {
	d := p.config.PlatformTimeout(platform)
	if p.override > 0 && p.override < d {
		return p.override
	}
	return d
}

func (p *offlinePool) Pricing() provider.Pricing { return p.pricing }

func (p *offlinePool) SetTimeoutOverride(d time.Duration, until time.Time) {
	p.override = d
}

// printBudgetResult prints the admission check result with colors
func printBudgetResult(est budget.Estimate, d budget.Decision) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	fmt.Println()
	_, _ = cyan.Println(rule)
	_, _ = cyan.Println("BUDGET ADMISSION CHECK")
	_, _ = cyan.Println(rule)
	fmt.Println()

	platform := est.Platform
	if platform == "" {
		platform = "(any)"
	}
	fmt.Printf("Platform:   %s\n", platform)
	fmt.Printf("Estimate:   $%.4f\n", est.Total())
	if est.Timeout > 0 {
		fmt.Printf("Duration:   %s\n", est.Timeout)
	}
	fmt.Printf("Spend:      $%.2f today / $%.2f this month\n", d.Status.DailySpend, d.Status.MonthlySpend)
	printTier(d.Status.Tier)
	fmt.Println()

	_, _ = cyan.Print("Decision:   ")
	if d.Allowed {
		_, _ = green.Println("ADMIT")
		fmt.Printf("            → $%.4f headroom remains\n", d.Remaining)
	} else {
		_, _ = red.Println("DENY")
		fmt.Printf("            → Reason: %s\n", d.Reason)
		fmt.Printf("            → $%.4f headroom remains\n", d.Remaining)
		if alt := d.Alternative; alt != nil {
			_, _ = yellow.Printf("Alternative: %s\n", alt.Kind)
			if alt.Description != "" {
				fmt.Printf("            → %s\n", alt.Description)
			}
		}
	}

	fmt.Println()
	_, _ = cyan.Println(rule)
	fmt.Println()
}

// printStrategyResult prints the planned strategy with colors
func printStrategyResult(req optimizer.Request, s optimizer.Strategy, c optimizer.Context) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)

	fmt.Println()
	_, _ = cyan.Println(rule)
	_, _ = cyan.Println("OPTIMIZER STRATEGY CHECK")
	_, _ = cyan.Println(rule)
	fmt.Println()

	fmt.Printf("Platform:   %s\n", req.Platform)
	if req.Destination != "" {
		fmt.Printf("Search:     %s\n", req.Key())
	}
	fmt.Printf("Urgency:    %s (batchable: %t)\n", req.Urgency, req.Batchable)
	printTier(c.Budget.Tier)
	fmt.Printf("Utilization: %.0f%%\n", c.Budget.Utilization*100)
	fmt.Printf("Burn rate:  $%.4f/h (target $%.4f/h, %d records)\n", c.BurnRate, c.TargetBurnRate, c.History)
	fmt.Printf("Cache:      %.0f%% likely (%d similar searches)\n", c.CacheLikelihood*100, c.CacheSupport)
	fmt.Printf("Idle:       %t\n", c.HasIdle)
	fmt.Println()

	_, _ = cyan.Print("Strategy:   ")
	switch s.Name {
	case optimizer.StrategyImmediate:
		_, _ = green.Println(strings.ToUpper(string(s.Name)))
	default:
		_, _ = yellow.Println(strings.ToUpper(string(s.Name)))
	}
	for _, action := range s.Actions {
		fmt.Printf("            → %s\n", action)
	}
	if s.Reason != "" {
		fmt.Printf("Reason:     %s\n", s.Reason)
	}
	fmt.Printf("Timeout:    %s\n", s.Timeout)
	if !s.ExecuteAt.IsZero() {
		fmt.Printf("Execute at: %s\n", s.ExecuteAt.Format(time.RFC3339))
	}
	fmt.Printf("Savings:    $%.4f (quality impact %.2f, confidence %.2f)\n", s.EstimatedSavings, s.QualityImpact, s.Confidence)

	fmt.Println()
	_, _ = cyan.Println(rule)
	fmt.Println()
}

func printTier(t budget.Tier) {
	c := color.New(color.FgGreen)
	switch t {
	case budget.TierWarning:
		c = color.New(color.FgYellow, color.Bold)
	case budget.TierCritical, budget.TierEmergency:
		c = color.New(color.FgRed, color.Bold)
	}
	fmt.Print("Tier:       ")
	_, _ = c.Println(strings.ToUpper(t.String()))
}
