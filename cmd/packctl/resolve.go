package main

import (
	"github.com/spf13/cobra"
)

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <modpack-id>",
		Short: "Resolve and display a modpack descriptor",
		Long: `Resolve a modpack id against the remote catalog and print the resulting
descriptor. Packs missing from the catalog fall back to locally installed
instance metadata.`,
		Example: `  packctl resolve skyfactory-5`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := globalCtx.Resolver.Resolve(cmd.Context(), args[0])
			if err != nil {
				return reportError(err)
			}

			cmd.Printf("id:                %s\n", desc.ID)
			cmd.Printf("name:              %s\n", desc.Name)
			cmd.Printf("version:           %s\n", desc.Version)
			cmd.Printf("game version:      %s\n", desc.GameVersion)
			cmd.Printf("modloader:         %s %s\n", desc.Modloader, desc.ModloaderVersion)
			if desc.Installable() {
				cmd.Printf("archive:           %s\n", desc.ArchiveURL)
				cmd.Printf("archive sha256:    %s\n", desc.ArchiveSHA256)
			} else {
				cmd.Println("archive:           none (server-connect pack)")
			}
			cmd.Printf("custom mods:       %v\n", desc.AllowCustomMods)
			cmd.Printf("custom respacks:   %v\n", desc.AllowCustomResourcepacks)
			if desc.Local {
				cmd.Println("source:            local instance metadata (not in catalog)")
			}
			return nil
		},
	}
}
