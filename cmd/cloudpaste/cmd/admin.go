package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/sethvargo/go-password/password"
	"github.com/spf13/cobra"

	"github.com/cloudpaste/cloudpaste/internal/auth"
	"github.com/cloudpaste/cloudpaste/internal/config"
	"github.com/cloudpaste/cloudpaste/internal/database"
)

var (
	adminUsername string
	adminPassword string
)

func init() {
	adminCmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage administrator accounts",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an administrator account",
		Long:  `Create an administrator account in the configured database. When --password is omitted a random one is generated and printed once.`,
		RunE:  runAdminCreate,
	}
	createCmd.Flags().StringVar(&adminUsername, "username", "admin", "administrator username")
	createCmd.Flags().StringVar(&adminPassword, "password", "", "administrator password (generated when empty)")

	adminCmd.AddCommand(createCmd)
	rootCmd.AddCommand(adminCmd)
}

func runAdminCreate(cmd *cobra.Command, args []string) error {
	manager, err := config.NewManager(configFile)
	if err != nil {
		return err
	}
	cfg := manager.GetConfig()

	db, err := database.NewDB(database.Config{DatabasePath: cfg.Database.Path})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	existing, err := db.Auth.GetAdminByUsername(adminUsername)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("admin %q already exists", adminUsername)
	}

	generated := adminPassword == ""
	if generated {
		adminPassword, err = password.Generate(16, 4, 0, false, true)
		if err != nil {
			return fmt.Errorf("failed to generate password: %w", err)
		}
	}

	hash, err := auth.HashPassword(adminPassword)
	if err != nil {
		return err
	}
	admin := &database.Admin{
		ID:           uuid.NewString(),
		Username:     adminUsername,
		PasswordHash: hash,
	}
	if err := db.Auth.CreateAdmin(admin); err != nil {
		return err
	}

	cmd.Printf("created admin %s (id %s)\n", admin.Username, admin.ID)
	if generated {
		cmd.Printf("password: %s\n", adminPassword)
	}
	return nil
}
