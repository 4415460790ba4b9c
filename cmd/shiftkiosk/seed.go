package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/goodtune/shiftkiosk/internal/storage"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var seedCmd = &cobra.Command{
	Use:   "seed FILE",
	Short: "Load shifts, units and staff from a YAML file",
	Long: `Load the shift table, unit shift configuration and staff records from a
YAML file. A non-empty shifts list replaces the whole table; units and users
are upserted by ID.`,
	Example: `  shiftkiosk seed /etc/shiftkiosk/seed.yaml`,
	Args:    cobra.ExactArgs(1),
	RunE:    runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

// seedFile is the YAML document accepted by the seed command.
type seedFile struct {
	Shifts []storage.ShiftDefinition `yaml:"shifts"`
	Units  []storage.Unit            `yaml:"units"`
	Users  []storage.User            `yaml:"users"`
}

func parseSeed(data []byte) (*seedFile, error) {
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}

	seen := make(map[int64]bool, len(seed.Units))
	for i := range seed.Units {
		unit := &seed.Units[i]
		if unit.ID <= 0 {
			return nil, fmt.Errorf("unit %q: id must be positive", unit.Name)
		}
		if seen[unit.ID] {
			return nil, fmt.Errorf("unit %d listed twice", unit.ID)
		}
		seen[unit.ID] = true
		unit.Normalize()
	}
	for _, user := range seed.Users {
		if user.ID <= 0 {
			return nil, fmt.Errorf("user %q: id must be positive", user.Username)
		}
	}

	return &seed, nil
}

func runSeed(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read seed file: %w", err)
	}
	seed, err := parseSeed(data)
	if err != nil {
		return err
	}

	_, led, closeFn, err := openLedger()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx := context.Background()
	if len(seed.Shifts) > 0 {
		if err := led.ReplaceShiftDefinitions(ctx, seed.Shifts); err != nil {
			return fmt.Errorf("failed to store shifts: %w", err)
		}
	}
	for _, unit := range seed.Units {
		if err := led.SaveUnit(ctx, unit); err != nil {
			return err
		}
	}
	for _, user := range seed.Users {
		if err := led.Store().Users().Upsert(ctx, user); err != nil {
			return fmt.Errorf("save user %d: %w", user.ID, err)
		}
	}

	color.New(color.FgGreen).Printf("✅ Seeded %d shift(s), %d unit(s), %d user(s)\n", len(seed.Shifts), len(seed.Units), len(seed.Users))
	return nil
}
