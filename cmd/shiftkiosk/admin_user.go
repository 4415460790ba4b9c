package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/shiftkiosk/internal/admin"
	"github.com/goodtune/shiftkiosk/internal/config"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// readPassword is replaced in tests.
var readPassword = term.ReadPassword

var adminUserCmd = &cobra.Command{
	Use:   "admin-user",
	Short: "Manage admin API accounts",
}

var adminUserAddCmd = &cobra.Command{
	Use:     "add USERNAME",
	Short:   "Create an admin account, prompting for its password",
	Example: `  shiftkiosk admin-user add charge-nurse`,
	Args:    cobra.ExactArgs(1),
	RunE:    runAdminUserAdd,
}

var adminUserListCmd = &cobra.Command{
	Use:   "list",
	Short: "List admin accounts",
	Args:  cobra.NoArgs,
	RunE:  runAdminUserList,
}

func init() {
	adminUserCmd.AddCommand(adminUserAddCmd)
	adminUserCmd.AddCommand(adminUserListCmd)
	rootCmd.AddCommand(adminUserCmd)
}

func runAdminUserAdd(cmd *cobra.Command, args []string) error {
	password, err := promptNewPassword(os.Stderr)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	user, err := admin.CreateAdminUser(context.Background(), store.AdminUsers(), args[0], password)
	if err != nil {
		if errors.Is(err, admin.ErrUserExists) {
			return fmt.Errorf("admin user %q already exists", args[0])
		}
		return err
	}

	color.New(color.FgGreen).Printf("✅ Created admin user %s (%s)\n", user.Username, user.ID)
	return nil
}

func runAdminUserList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	users, err := store.AdminUsers().List(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list admin users: %w", err)
	}
	for _, user := range users {
		lastLogin := "never"
		if user.LastLogin != nil {
			lastLogin = user.LastLogin.Format("2006-01-02 15:04")
		}
		fmt.Printf("%-20s created %s, last login %s\n", user.Username, user.CreatedAt.Format("2006-01-02"), lastLogin)
	}
	return nil
}

// promptNewPassword reads a password twice without echo.
func promptNewPassword(w io.Writer) (string, error) {
	fmt.Fprint(w, "Password: ")
	first, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	fmt.Fprint(w, "Repeat password: ")
	second, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	password := strings.TrimSpace(string(first))
	if password != strings.TrimSpace(string(second)) {
		return "", errors.New("passwords do not match")
	}
	if len(password) < admin.MinPasswordLength {
		return "", fmt.Errorf("password must be at least %d characters", admin.MinPasswordLength)
	}
	return password, nil
}
