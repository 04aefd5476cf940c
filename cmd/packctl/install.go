package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/packsmith/packctl/internal/launcher"
	"github.com/packsmith/packctl/internal/progress"
)

func newInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install <modpack-id>",
		Short: "Install a modpack as a local instance",
		Long: `Install a modpack as a verified local instance. The pack archive is
downloaded and checked against the catalog's digest before anything is
extracted; referenced mod files are resolved through the registry and
fetched in parallel. Mod files that fail to download are recorded and
retried on the next repair without failing the whole installation, unless
the pack marks them as required.`,
		Example: `  packctl install skyfactory-5
  packctl install skyfactory-5 --quiet`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOperation(cmd, args[0], globalCtx.Install)
		},
	}
}

func newUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update <modpack-id>",
		Short: "Update an instance to the catalog's current version",
		Long: `Update an installed instance to the version currently published in the
catalog. The new archive is downloaded and verified, the override tree is
re-extracted, and the mod set is reconciled; files that are already current
are not downloaded again.`,
		Example: `  packctl update skyfactory-5`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOperation(cmd, args[0], globalCtx.Update)
		},
	}
}

var repairFailedOnly bool

func newRepairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repair <modpack-id>",
		Short: "Repair a damaged instance",
		Long: `Repair an installed instance: missing or corrupted files are re-fetched,
untouched files are left alone. Repairing a healthy instance downloads
nothing. With --failed-only, only the mod files recorded as failed by
earlier operations are retried.`,
		Example: `  packctl repair skyfactory-5
  packctl repair skyfactory-5 --failed-only`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if repairFailedOnly {
				return runOperation(cmd, args[0], globalCtx.RetryFailedMods)
			}
			return runOperation(cmd, args[0], globalCtx.Repair)
		},
	}
	cmd.Flags().BoolVar(&repairFailedOnly, "failed-only", false, "retry only previously failed mod files")
	return cmd
}

// runOperation drives one pipeline operation with a progress consumer
// attached to its event stream.
func runOperation(cmd *cobra.Command, id string, op func(ctx context.Context, id, opID string) (*launcher.Summary, error)) error {
	opID := uuid.NewString()

	var wg sync.WaitGroup
	if !quiet {
		ch, err := globalCtx.Bus.Subscribe(opID)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			renderProgress(cmd, ch)
		}()
	}

	summary, err := op(cmd.Context(), id, opID)
	wg.Wait()
	if err != nil {
		return reportError(err)
	}

	cmd.Printf("%s %s (game %s, %s %s)\n",
		id, summary.Metadata.Version, summary.Metadata.GameVersion,
		summary.Metadata.Modloader, summary.Metadata.ModloaderVersion)
	if len(summary.Failed) > 0 {
		cmd.Printf("%d optional mod file(s) failed and were recorded for retry:\n", len(summary.Failed))
		for _, f := range summary.Failed {
			cmd.Printf("  %s\n", f.String())
		}
		cmd.Println("Run 'packctl repair --failed-only' to retry them.")
	}
	return nil
}

// renderProgress prints step transitions and a final line. Byte-level events
// are rendered in place on a terminal-width line.
func renderProgress(cmd *cobra.Command, ch <-chan progress.Event) {
	lastStep := ""
	for ev := range ch {
		if ev.Step != lastStep {
			if lastStep != "" {
				cmd.Println()
			}
			cmd.Printf("%s: %s", ev.Step, ev.Message)
			lastStep = ev.Step
			continue
		}
		line := fmt.Sprintf("\r%s: %s %.1f%%", ev.Step, ev.Message, ev.Percentage)
		if ev.Speed != "" {
			line += " " + ev.Speed
		}
		if ev.ETA != "" {
			line += " eta " + ev.ETA
		}
		if ev.Detail != "" {
			line += " " + ev.Detail
		}
		cmd.Print(line)
	}
	cmd.Println()
}
