package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/retroboard/internal/ledger"
	"github.com/roach88/retroboard/internal/retro"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Into string
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild a ledger from its journal",
		Long: `Re-apply every journal entry from the source ledger (--db) onto a
fresh target ledger (--into), at each entry's recorded time and with
its recorded signers. Because operations are deterministic, the target
ends up with the same records and journal as the source.

Example:
  retroboard replay --db retroboard.db --into rebuilt.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Into, "into", "", "path of the ledger to rebuild (must not exist)")
	_ = cmd.MarkFlagRequired("into")
	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	if _, err := os.Stat(opts.Into); err == nil {
		return NewExitError(ExitCommandError, "target ledger already exists: "+opts.Into)
	}

	c, err := newCmdContext(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer c.close()

	entries, err := c.led.ReadJournal(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read source journal", err)
	}

	target, err := ledger.Open(opts.Into)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create target ledger", err)
	}
	defer target.Close()

	logLevel := slog.LevelWarn
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	proc := retro.NewProcessor(target, nil, logger)

	for _, entry := range entries {
		c.out.VerboseLog("replaying %s (%s)", entry.ID, retro.OpName(entry.Discriminator))
		if err := proc.Replay(cmd.Context(), entry); err != nil {
			_ = c.out.Error("REPLAY_DIVERGED", err.Error())
			return WrapExitError(ExitFailure, "replay diverged at entry "+entry.ID, err)
		}
	}

	return c.out.Success(map[string]any{
		"replayed": len(entries),
		"into":     opts.Into,
	})
}
