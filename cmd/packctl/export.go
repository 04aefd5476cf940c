package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/packsmith/packctl/internal/archive"
)

var exportOut string

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <modpack-id>",
		Short: "Export an instance as a portable pack archive",
		Long: `Export an installed instance as a tar-based pack archive (.pack.zst or
.pack.xz, chosen by the output file extension). The exported archive carries
the instance's manifest and full override tree and installs like any other
pack.`,
		Example: `  packctl export skyfactory-5 --out skyfactory-5.pack.zst
  packctl export skyfactory-5 --out /mnt/transfer/sf5.pack.xz`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if exportOut == "" {
				return fmt.Errorf("--out is required")
			}

			var format archive.Format
			switch {
			case strings.HasSuffix(exportOut, ".pack.zst"), strings.HasSuffix(exportOut, ".tar.zst"):
				format = archive.FormatTarZst
			case strings.HasSuffix(exportOut, ".pack.xz"), strings.HasSuffix(exportOut, ".tar.xz"):
				format = archive.FormatTarXz
			default:
				return fmt.Errorf("unsupported output extension for %q (use .pack.zst or .pack.xz)", exportOut)
			}

			if err := globalCtx.Export(cmd.Context(), args[0], exportOut, format); err != nil {
				return reportError(err)
			}
			cmd.Printf("exported %s to %s\n", args[0], exportOut)
			return nil
		},
	}
	cmd.Flags().StringVar(&exportOut, "out", "", "output archive path (.pack.zst or .pack.xz)")
	return cmd
}
