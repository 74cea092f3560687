package cli

import (
	"automator/internal/app"

	"github.com/spf13/cobra"
)

var (
	seedTemplates bool
	seedOwner     string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the automation tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		logger.Info("Starting database migration...")
		// app.New 会执行迁移
		a, err := app.New(cfg, logger, app.Options{Version: Version})
		if err != nil {
			return err
		}
		defer a.Close()
		logger.Info("Database migration completed")

		if seedTemplates {
			n, err := app.SeedTemplates(cmd.Context(), a.Service, seedOwner)
			if err != nil {
				return err
			}
			logger.Infof("Seeded %d template rules for %s", n, seedOwner)
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&seedTemplates, "seed", false, "install built-in templates as disabled rules")
	migrateCmd.Flags().StringVar(&seedOwner, "seed-owner", "demo", "owner of seeded rules")
	rootCmd.AddCommand(migrateCmd)
}
