package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/singlestore-labs/mcp-oauth/instrumentation"
	"github.com/singlestore-labs/mcp-oauth/internal/config"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply SQL store migrations and exit",
		Long: `Creates or upgrades the schema of the sqlite or mysql store selected by
MCP_STORAGE. Other backends have no schema and the command is a no-op.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.Load()
			if err != nil {
				return err
			}
			return runMigrate(cmd.Context(), s, newLogger(s, cmd.ErrOrStderr()))
		},
	}
}

func runMigrate(ctx context.Context, s *config.Settings, logger *slog.Logger) error {
	if s.Storage != config.StorageSQLite && s.Storage != config.StorageMySQL {
		logger.Info("Nothing to migrate", "storage", s.Storage)
		return nil
	}

	inst, err := instrumentation.New(instrumentation.Config{})
	if err != nil {
		return err
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	st, err := openStore(ctx, s, inst, logger)
	if err != nil {
		return fmt.Errorf("open %s store: %w", s.Storage, err)
	}
	defer func() { _ = st.Close() }()

	if err := st.SQL.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("Migrations applied", "storage", s.Storage)
	return nil
}
