package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/shiftkiosk/internal/config"
	"github.com/goodtune/shiftkiosk/internal/ledger"
	"github.com/goodtune/shiftkiosk/internal/shift"
	"github.com/goodtune/shiftkiosk/internal/shiftchange"
	"github.com/spf13/cobra"
)

var (
	checkTime string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check shift resolution interactively",
	Long:  `Check which shift shiftkiosk would consider current, and what it would do for a unit.`,
}

var checkShiftCmd = &cobra.Command{
	Use:   "shift [flags]",
	Short: "Show the shift in force at a time of day",
	Long:  `Resolve the shift table at the given time and report the shift, when it ends and whether a change is near.`,
	Example: `  shiftkiosk -c config.yaml check shift
  shiftkiosk check shift --time 06:58`,
	Args: cobra.NoArgs,
	RunE: runCheckShift,
}

var checkUnitCmd = &cobra.Command{
	Use:   "unit [flags] UNIT_ID",
	Short: "Show a unit's shift status",
	Long:  `Show the unit's shift configuration, the binary it would run and its active session.`,
	Example: `  shiftkiosk check unit 3
  shiftkiosk check unit --time 21:00 3`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckUnit,
}

func init() {
	checkShiftCmd.Flags().StringVar(&checkTime, "time", "", "Time of day (HH:MM) - defaults to current time")
	checkUnitCmd.Flags().StringVar(&checkTime, "time", "", "Time of day (HH:MM) - defaults to current time")

	checkCmd.AddCommand(checkShiftCmd)
	checkCmd.AddCommand(checkUnitCmd)
	rootCmd.AddCommand(checkCmd)
}

// openLedger loads the configuration and opens storage for a one-shot command.
func openLedger() (*config.Config, *ledger.Ledger, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	led := ledger.New(store, ledger.Options{CacheSize: cfg.Cache.Size}, quietLogger())
	return cfg, led, func() { _ = store.Close() }, nil
}

func runCheckShift(cmd *cobra.Command, args []string) error {
	at, err := parseCheckTime(time.Now(), checkTime)
	if err != nil {
		return err
	}

	cfg, led, closeFn, err := openLedger()
	if err != nil {
		return err
	}
	defer closeFn()

	sched, err := led.Schedule(context.Background(), cfg.Shift.FallbackShift)
	if err != nil {
		return fmt.Errorf("failed to load shift schedule: %w", err)
	}

	printShiftResult(sched, at, config.ParseDuration(cfg.Shift.ChangeTolerance, 5*time.Minute), cfg.Shift.FallbackShift)
	return nil
}

func runCheckUnit(cmd *cobra.Command, args []string) error {
	unitID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid unit ID: %s", args[0])
	}

	at, err := parseCheckTime(time.Now(), checkTime)
	if err != nil {
		return err
	}

	cfg, led, closeFn, err := openLedger()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx := context.Background()
	unit, err := led.FindUnit(ctx, unitID)
	if err != nil {
		if ledger.IsNotFound(err) {
			return fmt.Errorf("unit %d not found", unitID)
		}
		return fmt.Errorf("failed to load unit: %w", err)
	}

	coordinator := shiftchange.New(led, nil, nil, fixedClock{now: at}, shiftchange.Options{
		FallbackShift:   cfg.Shift.FallbackShift,
		ChangeTolerance: config.ParseDuration(cfg.Shift.ChangeTolerance, 5*time.Minute),
	}, quietLogger())

	status, err := coordinator.UnitStatus(ctx, unitID)
	if err != nil {
		return fmt.Errorf("failed to resolve unit status: %w", err)
	}

	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("UNIT SHIFT CHECK")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("Unit:       %d (%s)\n", unit.ID, unit.Name)
	fmt.Printf("Check Time: %s\n", at.Format("2006-01-02 15:04"))
	fmt.Println()

	cyan.Print("Managed:    ")
	switch {
	case !status.UsesShiftSystem:
		red.Println("NO")
		fmt.Println("            → Unit does not use the shift system")
	case !status.ShiftEnabled:
		yellow.Println("PAUSED")
		fmt.Println("            → Shift switching is disabled for this unit")
	default:
		green.Println("YES")
	}

	if status.CurrentShift != "" {
		fmt.Printf("Shift:      %s\n", status.CurrentShift)
		if status.CurrentShiftPath != "" {
			fmt.Printf("Binary:     %s\n", status.CurrentShiftPath)
		} else if status.UsesShiftSystem {
			red.Println("Binary:     (no path configured for this shift)")
		}
	}
	if status.NextShiftChange != "" && status.MinutesUntilChange != nil {
		yellow.Printf("Change:     %s in %.1f minutes\n", status.NextShiftChange, *status.MinutesUntilChange)
	}

	if status.ActiveSession != nil {
		s := status.ActiveSession
		fmt.Printf("Session:    #%d (%s) since %s", s.ID, s.Shift, s.StartTime.Format("2006-01-02 15:04"))
		if s.AutoStarted {
			fmt.Print(" [auto]")
		}
		fmt.Println()
	} else {
		fmt.Println("Session:    (none active)")
	}

	if len(unit.ShiftPaths) > 0 {
		fmt.Println()
		fmt.Println("Shift paths:")
		for name, path := range unit.ShiftPaths {
			fmt.Printf("  %-10s %s\n", name, path)
		}
	}

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
	return nil
}

func printShiftResult(sched *shift.Schedule, at time.Time, tolerance time.Duration, fallback string) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("SHIFT CHECK")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("Check Time: %s (%s)\n", at.Format("2006-01-02 15:04"), at.Weekday())
	fmt.Printf("Shifts:     %d defined, fallback %q\n", sched.Len(), fallback)
	fmt.Println()

	cyan.Print("Shift:      ")
	current, ok := sched.Current(at)
	if !ok {
		red.Println("NONE")
		fmt.Println("            → No shifts are defined")
	} else {
		green.Println(current.Name)
		fmt.Printf("Window:     %s - %s", current.Start, current.End)
		if current.Overnight() {
			fmt.Print(" (overnight)")
		}
		fmt.Println()
		end := shift.EndOf(current, at)
		fmt.Printf("Ends At:    %s (in %s)\n", end.Format("2006-01-02 15:04"), end.Sub(at).Round(time.Minute))
		if !current.Contains(shift.Of(at)) {
			yellow.Println("Note:       time falls in a gap, resolved by fallback")
		}
	}

	if window := sched.NearChange(at, tolerance); window.IsChangeTime {
		yellow.Printf("Change:     %s starts within %.1f minutes\n", window.ShiftName, window.MinutesUntil)
	}

	if err := sched.Validate(); err != nil {
		red.Printf("Problem:    %v\n", err)
	}
	for _, gap := range sched.Gaps() {
		yellow.Printf("Gap:        %s - %s\n", gap.From, gap.To)
	}

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

// parseCheckTime applies an HH:MM flag to today's date
func parseCheckTime(now time.Time, timeStr string) (time.Time, error) {
	hour := now.Hour()
	minute := now.Minute()

	if timeStr != "" {
		parts := strings.Split(timeStr, ":")
		if len(parts) != 2 {
			return time.Time{}, fmt.Errorf("time must be in HH:MM format")
		}

		if _, err := fmt.Sscanf(timeStr, "%d:%d", &hour, &minute); err != nil {
			return time.Time{}, fmt.Errorf("invalid time format: %s", timeStr)
		}

		if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
			return time.Time{}, fmt.Errorf("invalid time: hour must be 0-23, minute must be 0-59")
		}
	}

	return time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location()), nil
}

// fixedClock pins the clock for check mode
type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time {
	return c.now
}
