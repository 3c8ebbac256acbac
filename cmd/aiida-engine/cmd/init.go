package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/muhrin/aiida-core/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration",
	Long: `Create .aiida/config.yaml in the current directory with the default
configuration and the daemon and repository directories.`,
	RunE: runInit,
}

var initForce bool

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing configuration")
}

func runInit(cmd *cobra.Command, _ []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting current directory: %w", err)
	}

	configPath := filepath.Join(cwd, ".aiida", "config.yaml")
	if err := config.WriteDefault(configPath, initForce); err != nil {
		return fmt.Errorf("writing config (use --force to overwrite): %w", err)
	}

	for _, dir := range []string{".aiida/daemon", ".aiida/repository", ".aiida/scratch"} {
		if err := os.MkdirAll(filepath.Join(cwd, dir), 0o750); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Initialized aiida profile in", cwd)
	fmt.Fprintln(out, "Configuration file: .aiida/config.yaml")
	return nil
}
