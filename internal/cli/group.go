package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/retroboard/internal/keys"
	"github.com/roach88/retroboard/internal/retro"
)

// GroupOptions holds flags for the group subcommands.
type GroupOptions struct {
	*RootOptions
	Signers []string
	Session string

	Board       string
	Participant string
	Group       uint64
	Note        uint64
	Title       string
}

// NewGroupCommand creates the group command group.
func NewGroupCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Cluster duplicate notes into groups",
	}
	cmd.AddCommand(newGroupCreateCommand(rootOpts))
	cmd.AddCommand(newGroupTitleCommand(rootOpts))
	cmd.AddCommand(newGroupAssignCommand(rootOpts))
	cmd.AddCommand(newGroupUnassignCommand(rootOpts))
	return cmd
}

// groupFlags registers the flags every group subcommand shares.
func groupFlags(cmd *cobra.Command, opts *GroupOptions) {
	cmd.Flags().StringVar(&opts.Board, "board", "", "board address")
	_ = cmd.MarkFlagRequired("board")
	cmd.Flags().StringVar(&opts.Participant, "participant", "", "acting participant (hex or @label)")
	_ = cmd.MarkFlagRequired("participant")
	addSignerFlags(cmd, &opts.Signers, &opts.Session)
}

// groupContext parses the shared flags into typed values.
func groupContext(opts *GroupOptions) (keys.Address, keys.Identity, retro.Env, error) {
	board, err := keys.ParseAddress(opts.Board)
	if err != nil {
		return keys.Address{}, keys.Identity{}, retro.Env{}, WrapExitError(ExitCommandError, "invalid board address", err)
	}
	participant, err := parseIdentity(opts.Participant)
	if err != nil {
		return keys.Address{}, keys.Identity{}, retro.Env{}, WrapExitError(ExitCommandError, "invalid participant", err)
	}
	env, err := buildEnv(opts.Signers, opts.Session)
	if err != nil {
		return keys.Address{}, keys.Identity{}, retro.Env{}, WrapExitError(ExitCommandError, "invalid signing flags", err)
	}
	return board, participant, env, nil
}

func newGroupCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GroupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "create",
		Short:         "Create a group",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newCmdContext(opts.RootOptions, cmd)
			if err != nil {
				return err
			}
			defer c.close()

			board, participant, env, err := groupContext(opts)
			if err != nil {
				return err
			}
			op := &retro.CreateGroup{Creator: participant, Board: board, Title: opts.Title}
			if err := c.proc.Apply(cmd.Context(), op, env); err != nil {
				return c.renderApplyError(err)
			}
			return c.out.Success(map[string]string{"board": board.String(), "group": "created"})
		},
	}

	groupFlags(cmd, opts)
	cmd.Flags().StringVar(&opts.Title, "title", "", "group title")
	return cmd
}

func newGroupTitleCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GroupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "title",
		Short:         "Rename a group",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newCmdContext(opts.RootOptions, cmd)
			if err != nil {
				return err
			}
			defer c.close()

			board, participant, env, err := groupContext(opts)
			if err != nil {
				return err
			}
			op := &retro.SetGroupTitle{
				Participant: participant,
				Board:       board,
				GroupID:     opts.Group,
				Title:       opts.Title,
			}
			if err := c.proc.Apply(cmd.Context(), op, env); err != nil {
				return c.renderApplyError(err)
			}
			return c.out.Success(map[string]any{"group": opts.Group, "title": opts.Title})
		},
	}

	groupFlags(cmd, opts)
	cmd.Flags().Uint64Var(&opts.Group, "group", 0, "group id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "new title")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newGroupAssignCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GroupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "assign",
		Short:         "Assign a note to a group",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newCmdContext(opts.RootOptions, cmd)
			if err != nil {
				return err
			}
			defer c.close()

			board, participant, env, err := groupContext(opts)
			if err != nil {
				return err
			}
			op := &retro.AssignNote{
				Participant: participant,
				Board:       board,
				NoteID:      opts.Note,
				GroupID:     opts.Group,
			}
			if err := c.proc.Apply(cmd.Context(), op, env); err != nil {
				return c.renderApplyError(err)
			}
			return c.out.Success(map[string]any{"note": opts.Note, "group": opts.Group})
		},
	}

	groupFlags(cmd, opts)
	cmd.Flags().Uint64Var(&opts.Note, "note", 0, "note id")
	cmd.Flags().Uint64Var(&opts.Group, "group", 0, "group id")
	return cmd
}

func newGroupUnassignCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GroupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "unassign",
		Short:         "Clear a note's group assignment",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newCmdContext(opts.RootOptions, cmd)
			if err != nil {
				return err
			}
			defer c.close()

			board, participant, env, err := groupContext(opts)
			if err != nil {
				return err
			}
			op := &retro.UnassignNote{Participant: participant, Board: board, NoteID: opts.Note}
			if err := c.proc.Apply(cmd.Context(), op, env); err != nil {
				return c.renderApplyError(err)
			}
			return c.out.Success(map[string]any{"note": opts.Note, "group": nil})
		},
	}

	groupFlags(cmd, opts)
	cmd.Flags().Uint64Var(&opts.Note, "note", 0, "note id")
	return cmd
}
