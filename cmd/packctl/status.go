package main

import (
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/packsmith/packctl/internal/launcher"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <modpack-id>",
		Short: "Show an instance's state against the catalog",
		Long: `Show whether the instance is installed, current with the catalog version,
outdated, or left in an error state by its last operation. The last
recorded operation and any outstanding failed mod files are listed.`,
		Example: `  packctl status skyfactory-5`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := globalCtx.Status(cmd.Context(), args[0])
			if err != nil {
				return reportError(err)
			}

			cmd.Printf("status: %s\n", info.Status)
			if info.Instance != nil {
				cmd.Printf("installed version: %s (game %s, %s %s)\n",
					info.Instance.Version, info.Instance.GameVersion,
					info.Instance.Modloader, info.Instance.ModloaderVersion)
			}
			if info.Status == launcher.StatusOutdated && info.Descriptor != nil {
				cmd.Printf("catalog version:   %s\n", info.Descriptor.Version)
			}
			if info.LastRun != nil {
				cmd.Printf("last operation:    %s %s (%s, %s transferred)\n",
					info.LastRun.Kind, info.LastRun.Status,
					humanize.Time(info.LastRun.EndTime),
					humanize.IBytes(uint64(info.LastRun.BytesTransferred)))
				if info.LastRun.ErrorMessage != "" {
					cmd.Printf("last error:        %s\n", info.LastRun.ErrorMessage)
				}
			}
			if info.FailedMods > 0 {
				cmd.Printf("failed mod files:  %d (run 'packctl repair --failed-only')\n", info.FailedMods)
			}
			return nil
		},
	}
}

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <modpack-id>",
		Short: "Remove an installed instance",
		Long: `Remove the instance directory, its cached archive and all persisted
records for the instance.`,
		Example: `  packctl remove skyfactory-5`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := globalCtx.Remove(cmd.Context(), args[0]); err != nil {
				return reportError(err)
			}
			cmd.Printf("removed %s\n", args[0])
			return nil
		},
	}
}
