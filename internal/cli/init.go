package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/larder/pkg/larder"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize larder configuration and storage",
		Long:  "Write config.yaml if it is missing, then open the configured store once so\nits schema is created.",
		Args:  cobra.NoArgs,
		RunE:  runInit,
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	s, err := resolveSettings()
	if err != nil {
		return err
	}
	wrote, err := writeConfigIfMissing(s)
	if err != nil {
		return err
	}

	logger := newLogger(cmd.ErrOrStderr(), s.config.LogLevel)
	l, err := larder.Open(cmd.Context(), s.config, larder.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	if err := l.Close(); err != nil {
		return fmt.Errorf("finalize storage: %w", err)
	}

	if wrote {
		logger.Info("wrote config", "path", filepath.Join(s.configDir, configFileExt))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Larder initialized (%s: %s)\n", l.Backend.Name(), s.config.Connection)
	return nil
}
