package cmd

import (
	"context"
	"log"

	"github.com/spf13/cobra"

	"fileconverter/services"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		db, err := services.OpenDatabase(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := services.Migrate(context.Background(), db); err != nil {
			return err
		}
		log.Println("Database is up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
