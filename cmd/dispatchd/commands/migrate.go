package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// MigrateCmd applies database migrations and exits
var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE:  runMigrate,
}

var migrateDBPath string

func init() {
	MigrateCmd.Flags().StringVar(&migrateDBPath, "db", "", "Database path (overrides config)")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	database, err := openDatabase(migrateDBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	pterm.Success.Println("Migrations applied")
	return nil
}
