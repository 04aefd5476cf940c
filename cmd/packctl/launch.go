package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/packsmith/packctl/internal/store"
)

var launchRuntimeCmd string

func newLaunchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "launch <modpack-id>",
		Short: "Verify an instance and start the game",
		Long: `Verify the instance against its recorded file manifest and the pack's
policy flags, then hand it to the game runtime. Launch is refused when any
recorded file is missing or modified, or when the pack forbids user-added
mods or resourcepacks and foreign files are present. A refused launch lists
the offending files; run repair to heal them.

The game runtime command is given the instance directory as its argument
and the instance metadata in PACKCTL_* environment variables.`,
		Example: `  packctl launch skyfactory-5
  packctl launch skyfactory-5 --runtime-cmd /usr/bin/minecraft-runtime`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := globalCtx.VerifyAndLaunch(cmd.Context(), args[0])
			if report != nil && !report.Valid {
				cmd.Println("Integrity verification failed:")
				for _, issue := range report.Issues {
					cmd.Printf("  [%s] %s: %s\n", issue.Kind, issue.Path, issue.Detail)
				}
				cmd.Println("Run 'packctl repair' to restore the instance.")
			}
			if err != nil {
				return reportError(err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&launchRuntimeCmd, "runtime-cmd", "", "game runtime executable (overrides $PACKCTL_RUNTIME)")
	return cmd
}

// execRuntime starts the external game runtime process with the instance
// directory and metadata.
type execRuntime struct {
	logger *slog.Logger
}

func (r *execRuntime) Launch(ctx context.Context, inst *store.Instance, instanceDir string) error {
	bin := launchRuntimeCmd
	if bin == "" {
		bin = os.Getenv("PACKCTL_RUNTIME")
	}
	if bin == "" {
		return fmt.Errorf("no game runtime configured (set --runtime-cmd or $PACKCTL_RUNTIME)")
	}

	cmd := exec.CommandContext(ctx, bin, instanceDir)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		"PACKCTL_INSTANCE_ID="+inst.ID,
		"PACKCTL_GAME_VERSION="+inst.GameVersion,
		"PACKCTL_MODLOADER="+inst.Modloader,
		"PACKCTL_MODLOADER_VERSION="+inst.ModloaderVersion,
	)

	r.logger.Info("starting game runtime", "runtime", bin, "instance", inst.ID)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("game runtime: %w", err)
	}
	return nil
}
