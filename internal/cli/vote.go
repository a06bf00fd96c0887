package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/retroboard/internal/keys"
	"github.com/roach88/retroboard/internal/retro"
)

// VoteOptions holds flags for the vote command.
type VoteOptions struct {
	*RootOptions
	Signers []string
	Session string

	Board       string
	Participant string
	Group       uint64
	Delta       int
}

// NewVoteCommand creates the vote command group.
func NewVoteCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vote",
		Short: "Spend voting credits on groups",
	}
	cmd.AddCommand(newVoteCastCommand(rootOpts))
	return cmd
}

func newVoteCastCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VoteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cast",
		Short: "Cast credits on a group",
		Long: `Spend part of your credit budget on a group. Credits accumulate
across calls and are never refunded; the total may not exceed the
board's per-participant budget.

Example:
  retroboard vote cast --board <addr> --participant @alice --signer @alice \
    --group 0 --delta 2`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVoteCast(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Board, "board", "", "board address")
	_ = cmd.MarkFlagRequired("board")
	cmd.Flags().StringVar(&opts.Participant, "participant", "", "voting participant (hex or @label)")
	_ = cmd.MarkFlagRequired("participant")
	cmd.Flags().Uint64Var(&opts.Group, "group", 0, "group id")
	cmd.Flags().IntVar(&opts.Delta, "delta", 1, "credits to spend")
	addSignerFlags(cmd, &opts.Signers, &opts.Session)
	return cmd
}

func runVoteCast(opts *VoteOptions, cmd *cobra.Command) error {
	c, err := newCmdContext(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer c.close()

	board, err := keys.ParseAddress(opts.Board)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid board address", err)
	}
	participant, err := parseIdentity(opts.Participant)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid participant", err)
	}
	if opts.Delta < 0 || opts.Delta > 255 {
		return NewExitError(ExitCommandError, "delta must be between 0 and 255")
	}
	env, err := buildEnv(opts.Signers, opts.Session)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid signing flags", err)
	}

	op := &retro.CastVote{
		Participant: participant,
		Board:       board,
		GroupID:     opts.Group,
		Delta:       uint8(opts.Delta),
	}
	if err := c.proc.Apply(cmd.Context(), op, env); err != nil {
		return c.renderApplyError(err)
	}
	return c.out.Success(map[string]any{"group": opts.Group, "delta": opts.Delta})
}
