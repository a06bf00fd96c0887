package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/retroboard/internal/keys"
	"github.com/roach88/retroboard/internal/retro"
)

// NoteOptions holds flags for the note command.
type NoteOptions struct {
	*RootOptions
	Signers []string
	Session string

	Board    string
	Author   string
	Category int
	Content  string
}

// NewNoteCommand creates the note command group.
func NewNoteCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "note",
		Short: "Write notes on a board",
	}
	cmd.AddCommand(newNoteAddCommand(rootOpts))
	return cmd
}

func newNoteAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &NoteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a note",
		Long: `Capture one observation under a category. Only valid in the
write_notes stage, by an allowlisted participant.

Example:
  retroboard note add --board <addr> --author @alice --signer @alice \
    --category 0 --content "Deploys were smooth"`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNoteAdd(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Board, "board", "", "board address")
	_ = cmd.MarkFlagRequired("board")
	cmd.Flags().StringVar(&opts.Author, "author", "", "note author (hex or @label)")
	_ = cmd.MarkFlagRequired("author")
	cmd.Flags().IntVar(&opts.Category, "category", 0, "category index")
	cmd.Flags().StringVar(&opts.Content, "content", "", "note text")
	_ = cmd.MarkFlagRequired("content")
	addSignerFlags(cmd, &opts.Signers, &opts.Session)
	return cmd
}

func runNoteAdd(opts *NoteOptions, cmd *cobra.Command) error {
	c, err := newCmdContext(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer c.close()

	board, err := keys.ParseAddress(opts.Board)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid board address", err)
	}
	author, err := parseIdentity(opts.Author)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid author", err)
	}
	env, err := buildEnv(opts.Signers, opts.Session)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid signing flags", err)
	}

	op := &retro.CreateNote{
		Author:     author,
		Board:      board,
		CategoryID: uint8(opts.Category),
		Content:    opts.Content,
	}
	if err := c.proc.Apply(cmd.Context(), op, env); err != nil {
		return c.renderApplyError(err)
	}
	return c.out.Success(map[string]string{"board": board.String(), "note": "created"})
}
