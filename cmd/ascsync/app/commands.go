// Package app provides the entry point for the ascsync reconciliation CLI.
package app

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/releasetools/ascsync/internal/versions"
)

var rootCmd = &cobra.Command{
	Use:               "ascsync",
	DisableAutoGenTag: true,
	Short:             "App Store release reconciler",
	Long: `ascsync reconciles an app's build pipeline (Xcode Cloud builds, TestFlight
betas, App Store review states) against the source repository's tag history.
It submits eligible builds for review and records shipped releases as tags,
each side effect exactly once.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			slog.Error("Error displaying help", "error", err)
		}
	},
}

// NewRootCmd creates the root command for ascsync.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("dry-run", false, "Log mutations instead of performing them")

	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(releaseSyncCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		info := versions.GetVersionInfo()
		format, err := cmd.Flags().GetString("format")
		if err != nil {
			slog.Error("Error retrieving format flag", "error", err)
			return
		}

		if format == "json" {
			output, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				slog.Error("Error formatting version info as JSON", "error", err)
				return
			}
			fmt.Println(string(output))
		} else {
			slog.Info("ascsync version",
				"version", info.Version,
				"commit", info.Commit,
				"built", info.BuildDate,
				"go", info.GoVersion,
				"platform", info.Platform)
		}
	},
}

func init() {
	versionCmd.Flags().String("format", "", "Output format (json)")
}
