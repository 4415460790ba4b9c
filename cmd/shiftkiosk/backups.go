package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/shiftkiosk/internal/config"
	"github.com/goodtune/shiftkiosk/internal/launcher"
	"github.com/goodtune/shiftkiosk/internal/recovery"
	"github.com/goodtune/shiftkiosk/internal/shift"
	"github.com/goodtune/shiftkiosk/internal/snapshot"
	"github.com/spf13/cobra"
)

var (
	backupsRetentionDays int
)

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "Inspect and restore pre-restart session snapshots",
	Long: `Every automatic restart writes a snapshot of the active sessions to the
backup directory. These commands list, expire and restore those snapshots.
Stop the service before restoring: it holds the storage open.`,
}

var backupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	Args:  cobra.NoArgs,
	RunE:  runBackupsList,
}

var backupsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete snapshots older than the retention period",
	Args:  cobra.NoArgs,
	RunE:  runBackupsCleanup,
}

var backupsRecoverCmd = &cobra.Command{
	Use:     "recover FILE",
	Short:   "Re-create the sessions recorded in a snapshot",
	Example: `  shiftkiosk backups recover backup_20240312_190000.json`,
	Args:    cobra.ExactArgs(1),
	RunE:    runBackupsRecover,
}

func init() {
	backupsCleanupCmd.Flags().IntVar(&backupsRetentionDays, "days", 0, "Retention in days (defaults to recovery.backup_retention_days)")

	backupsCmd.AddCommand(backupsListCmd)
	backupsCmd.AddCommand(backupsCleanupCmd)
	backupsCmd.AddCommand(backupsRecoverCmd)
	rootCmd.AddCommand(backupsCmd)
}

func runBackupsList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	snapshots := snapshot.NewManager(cfg.Process.BackupDir, shift.RealClock{}, quietLogger())
	infos, err := snapshots.List()
	if err != nil {
		return fmt.Errorf("failed to list snapshots: %w", err)
	}

	if len(infos) == 0 {
		fmt.Printf("No snapshots in %s\n", snapshots.Dir())
		return nil
	}

	red := color.New(color.FgRed)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTAKEN\tREASON\tSHIFT\tSESSIONS\tSIZE")
	for _, info := range infos {
		if info.Corrupt {
			fmt.Fprintf(tw, "%s\t%s\t%s\t\t\t%d\n", info.Name, info.Timestamp.Format(time.RFC3339), red.Sprint("corrupt"), info.Size)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n",
			info.Name, info.Timestamp.Format(time.RFC3339), info.Reason, info.CurrentShift, info.SessionCount, info.Size)
	}
	return tw.Flush()
}

func runBackupsCleanup(cmd *cobra.Command, args []string) error {
	coordinator, closeFn, err := openRecovery()
	if err != nil {
		return err
	}
	defer closeFn()

	deleted, err := coordinator.CleanupOldBackups(backupsRetentionDays)
	if err != nil {
		return fmt.Errorf("failed to clean up snapshots: %w", err)
	}

	color.New(color.FgGreen).Printf("✅ Deleted %d snapshot(s)\n", deleted)
	return nil
}

func runBackupsRecover(cmd *cobra.Command, args []string) error {
	coordinator, closeFn, err := openRecovery()
	if err != nil {
		return err
	}
	defer closeFn()

	report, err := coordinator.ManualRecovery(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	printRecoveryReport(report)
	return nil
}

// openRecovery wires a recovery coordinator without a scheduler.
func openRecovery() (*recovery.Coordinator, func(), error) {
	cfg, led, closeFn, err := openLedger()
	if err != nil {
		return nil, nil, err
	}

	logger := quietLogger()
	clock := shift.RealClock{}
	coordinator := recovery.New(
		led,
		launcher.New(config.ParseDuration(cfg.Launcher.SettleTime, launcher.DefaultSettleTime), logger),
		snapshot.NewManager(cfg.Process.BackupDir, clock, logger),
		recovery.AutoConfirmer{Accept: true},
		nil,
		clock,
		recovery.Options{
			MaxAge:        config.ParseDuration(cfg.Recovery.MaxAge, 10*time.Minute),
			RetentionDays: cfg.Recovery.BackupRetentionDays,
			CleanupTime:   cfg.Recovery.CleanupTime,
			FallbackShift: cfg.Shift.FallbackShift,
		},
		logger,
	)
	return coordinator, closeFn, nil
}

func printRecoveryReport(report *recovery.Report) {
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	fmt.Printf("Snapshot:  %s\n", report.File)
	if report.Outcome == recovery.OutcomeRecovered {
		green.Printf("Outcome:   %s\n", report.Outcome)
	} else {
		yellow.Printf("Outcome:   %s\n", report.Outcome)
	}
	if report.Reason != "" {
		fmt.Printf("Reason:    %s\n", report.Reason)
	}

	for _, s := range report.Recovered {
		line := fmt.Sprintf("  unit %d: session #%d → #%d (%s)", s.UnitID, s.OriginalID, s.NewID, s.Shift)
		if s.LaunchError != "" {
			red.Printf("%s launch failed: %s\n", line, s.LaunchError)
			continue
		}
		fmt.Println(line)
	}
	for _, s := range report.Skipped {
		yellow.Printf("  unit %d: session #%d skipped: %s\n", s.UnitID, s.OriginalID, s.Reason)
	}
	for _, s := range report.Failed {
		red.Printf("  unit %d: session #%d failed: %s\n", s.UnitID, s.OriginalID, s.Reason)
	}
	if report.FileDeleted {
		fmt.Println("Snapshot file removed after recovery")
	}
}
