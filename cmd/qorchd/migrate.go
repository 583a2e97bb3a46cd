package main

import (
	"errors"

	"github.com/Abraxas-365/qorch/pkg/jobx/jobxpg"
	"github.com/Abraxas-365/qorch/pkg/logx"
	"github.com/Abraxas-365/qorch/pkg/policy"
	"github.com/Abraxas-365/qorch/pkg/policy/policypg"
	"github.com/WatchBeam/clock"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
)

func createMigrateCmd() *cobra.Command {
	var policyFile string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the Postgres schema",
		Long: `
Applies the job, checkpoint and policy schema. With --policies the given policy
document is also written to the policy table.
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if cfg.Node.StoreDriver == storeDriverMemory {
				return errors.New("migrate needs STORE_DRIVER=postgres")
			}

			db, err := sqlx.Connect("postgres", cfg.Database.DSN())
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			if err := jobxpg.Migrate(ctx, db); err != nil {
				return err
			}
			logx.Info("✅ Schema migrated")

			if policyFile == "" {
				return nil
			}
			store := policypg.NewStore(db, clock.C)
			if err := store.Sync(ctx, policy.NewFileSource(policyFile)); err != nil {
				return err
			}
			logx.WithField("file", policyFile).Info("✅ Policies synced")
			return nil
		},
	}

	cmd.Flags().StringVar(&policyFile, "policies", "", "policy document to load into Postgres")
	return cmd
}
