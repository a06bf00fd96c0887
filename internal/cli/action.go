package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/retroboard/internal/keys"
	"github.com/roach88/retroboard/internal/retro"
)

// ActionOptions holds flags for the action subcommands.
type ActionOptions struct {
	*RootOptions
	Signers []string
	Session string

	Board       string
	Facilitator string
	Description string
	Owner       string
	Verifiers   []string
	Threshold   int

	Item     uint64
	Verifier string
	Reject   bool
}

// NewActionCommand creates the action command group.
func NewActionCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "action",
		Short: "Track and verify action items",
	}
	cmd.AddCommand(newActionCreateCommand(rootOpts))
	cmd.AddCommand(newActionVerifyCommand(rootOpts))
	return cmd
}

func newActionCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ActionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an action item",
		Long: `Record a commitment with an owner, a verifier list, and an
approval threshold. Only the facilitator may create items, and only
in the discuss stage.

Example:
  retroboard action create --board <addr> --facilitator @carol --signer @carol \
    --description "Add deploy alerts" --owner @alice \
    --verifier @bob --verifier @dave --threshold 2`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runActionCreate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Board, "board", "", "board address")
	_ = cmd.MarkFlagRequired("board")
	cmd.Flags().StringVar(&opts.Facilitator, "facilitator", "", "board facilitator (hex or @label)")
	_ = cmd.MarkFlagRequired("facilitator")
	cmd.Flags().StringVar(&opts.Description, "description", "", "what the owner committed to")
	_ = cmd.MarkFlagRequired("description")
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "committed participant (hex or @label)")
	_ = cmd.MarkFlagRequired("owner")
	cmd.Flags().StringArrayVar(&opts.Verifiers, "verifier", nil, "verifying participant (hex or @label); repeatable")
	_ = cmd.MarkFlagRequired("verifier")
	cmd.Flags().IntVar(&opts.Threshold, "threshold", 1, "approvals needed for completion")
	addSignerFlags(cmd, &opts.Signers, &opts.Session)
	return cmd
}

func runActionCreate(opts *ActionOptions, cmd *cobra.Command) error {
	c, err := newCmdContext(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer c.close()

	board, err := keys.ParseAddress(opts.Board)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid board address", err)
	}
	facilitator, err := parseIdentity(opts.Facilitator)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid facilitator", err)
	}
	owner, err := parseIdentity(opts.Owner)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid owner", err)
	}
	verifiers, err := parseIdentities(opts.Verifiers)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid verifier", err)
	}
	if opts.Threshold < 0 || opts.Threshold > 255 {
		return NewExitError(ExitCommandError, "threshold must be between 0 and 255")
	}
	env, err := buildEnv(opts.Signers, opts.Session)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid signing flags", err)
	}

	op := &retro.CreateActionItem{
		Facilitator: facilitator,
		Board:       board,
		Description: opts.Description,
		Owner:       owner,
		Verifiers:   verifiers,
		Threshold:   uint8(opts.Threshold),
	}
	if err := c.proc.Apply(cmd.Context(), op, env); err != nil {
		return c.renderApplyError(err)
	}
	return c.out.Success(map[string]string{"board": board.String(), "action_item": "created"})
}

func newActionVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ActionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Cast a verification vote",
		Long: `Approve or reject an action item. Only possible after the board
is closed, once per named verifier.

Example:
  retroboard action verify --board <addr> --item 0 \
    --verifier @bob --signer @bob`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runActionVerify(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Board, "board", "", "board address")
	_ = cmd.MarkFlagRequired("board")
	cmd.Flags().Uint64Var(&opts.Item, "item", 0, "action item id")
	cmd.Flags().StringVar(&opts.Verifier, "verifier", "", "voting verifier (hex or @label)")
	_ = cmd.MarkFlagRequired("verifier")
	cmd.Flags().BoolVar(&opts.Reject, "reject", false, "record a rejection instead of an approval")
	addSignerFlags(cmd, &opts.Signers, &opts.Session)
	return cmd
}

func runActionVerify(opts *ActionOptions, cmd *cobra.Command) error {
	c, err := newCmdContext(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer c.close()

	board, err := keys.ParseAddress(opts.Board)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid board address", err)
	}
	verifier, err := parseIdentity(opts.Verifier)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid verifier", err)
	}
	env, err := buildEnv(opts.Signers, opts.Session)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid signing flags", err)
	}

	op := &retro.CastVerificationVote{
		Verifier:     verifier,
		Board:        board,
		ActionItemID: opts.Item,
		Approved:     !opts.Reject,
	}
	if err := c.proc.Apply(cmd.Context(), op, env); err != nil {
		return c.renderApplyError(err)
	}
	return c.out.Success(map[string]any{"item": opts.Item, "approved": !opts.Reject})
}
