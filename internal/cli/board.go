package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/retroboard/internal/keys"
	"github.com/roach88/retroboard/internal/ledger"
	"github.com/roach88/retroboard/internal/retro"
)

// BoardOptions holds flags shared by the board subcommands.
type BoardOptions struct {
	*RootOptions
	Signers []string
	Session string

	Facilitator  string
	Board        string
	Template     string
	Categories   []string
	Participants []string
	Credits      int
	Stage        string
}

// NewBoardCommand creates the board command group.
func NewBoardCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Manage retrospective boards",
	}
	cmd.AddCommand(newBoardInitCommand(rootOpts))
	cmd.AddCommand(newBoardCreateCommand(rootOpts))
	cmd.AddCommand(newBoardAdvanceCommand(rootOpts))
	cmd.AddCommand(newBoardCloseCommand(rootOpts))
	cmd.AddCommand(newBoardShowCommand(rootOpts))
	return cmd
}

func newBoardInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BoardOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create your board registry",
		Long: `Create the registry record that owns your boards. Required once
per facilitator before the first board.

Example:
  retroboard board init --facilitator @carol --signer @carol`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBoardInit(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Facilitator, "facilitator", "", "registry owner (hex or @label)")
	_ = cmd.MarkFlagRequired("facilitator")
	addSignerFlags(cmd, &opts.Signers, &opts.Session)
	return cmd
}

func runBoardInit(opts *BoardOptions, cmd *cobra.Command) error {
	c, err := newCmdContext(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer c.close()

	owner, err := parseIdentity(opts.Facilitator)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid facilitator", err)
	}
	env, err := buildEnv(opts.Signers, opts.Session)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid signing flags", err)
	}

	if err := c.proc.Apply(cmd.Context(), &retro.InitRegistry{Owner: owner}, env); err != nil {
		return c.renderApplyError(err)
	}

	addr, _, err := retro.RegistryAddress(c.proc.Program(), owner)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to derive registry address", err)
	}
	return c.out.Success(map[string]string{"registry": addr.String()})
}

func newBoardCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BoardOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a board",
		Long: `Create a board under your registry.

Configuration comes either from a CUE template (--template) or from
repeated --category/--participant flags.

Examples:
  retroboard board create --facilitator @carol --signer @carol --template retro.cue
  retroboard board create --facilitator @carol --signer @carol \
    --category "Went well" --category "Needs work" \
    --participant @alice --participant @bob --credits 5`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBoardCreate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Facilitator, "facilitator", "", "board facilitator (hex or @label)")
	_ = cmd.MarkFlagRequired("facilitator")
	cmd.Flags().StringVar(&opts.Template, "template", "", "CUE board template file")
	cmd.Flags().StringArrayVar(&opts.Categories, "category", nil, "category name; repeatable")
	cmd.Flags().StringArrayVar(&opts.Participants, "participant", nil, "allowlisted participant (hex or @label); repeatable")
	cmd.Flags().IntVar(&opts.Credits, "credits", 0, "per-participant voting credits (0 = default)")
	addSignerFlags(cmd, &opts.Signers, &opts.Session)
	return cmd
}

func runBoardCreate(opts *BoardOptions, cmd *cobra.Command) error {
	c, err := newCmdContext(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer c.close()

	facilitator, err := parseIdentity(opts.Facilitator)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid facilitator", err)
	}
	env, err := buildEnv(opts.Signers, opts.Session)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid signing flags", err)
	}

	op := &retro.CreateBoard{Facilitator: facilitator}
	switch {
	case opts.Template != "":
		tpl, err := LoadBoardTemplate(opts.Template)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load template", err)
		}
		op.Categories = tpl.Categories
		op.Allowlist = tpl.Allowlist
		op.Credits = tpl.Credits
	default:
		op.Categories = opts.Categories
		allowlist, err := parseIdentities(opts.Participants)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid participant", err)
		}
		op.Allowlist = allowlist
		if opts.Credits > 0 {
			credits := uint8(opts.Credits)
			op.Credits = &credits
		}
	}

	regAddr, _, err := retro.RegistryAddress(c.proc.Program(), facilitator)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to derive registry address", err)
	}
	op.Registry = regAddr

	// The new board's index is the registry's count before this
	// operation applies.
	rec, err := c.led.Get(cmd.Context(), regAddr)
	if errors.Is(err, ledger.ErrNotFound) {
		return NewExitError(ExitCommandError, "registry does not exist; run `retroboard board init` first")
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read registry", err)
	}
	reg, err := retro.UnmarshalRegistry(rec.Data)
	if err != nil {
		return WrapExitError(ExitCommandError, "corrupt registry record", err)
	}

	if err := c.proc.Apply(cmd.Context(), op, env); err != nil {
		return c.renderApplyError(err)
	}

	boardAddr, _, err := retro.BoardAddress(c.proc.Program(), regAddr, reg.BoardCount)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to derive board address", err)
	}
	return c.out.Success(map[string]any{
		"board": boardAddr.String(),
		"index": reg.BoardCount,
	})
}

func newBoardAdvanceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BoardOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "advance",
		Short: "Advance the board to the next stage",
		Long: `Advance the board one stage. The requested stage must be the
immediate successor of the current one.

Example:
  retroboard board advance --board <addr> --stage write_notes \
    --facilitator @carol --signer @carol`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBoardAdvance(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Board, "board", "", "board address")
	_ = cmd.MarkFlagRequired("board")
	cmd.Flags().StringVar(&opts.Stage, "stage", "", "target stage name")
	_ = cmd.MarkFlagRequired("stage")
	cmd.Flags().StringVar(&opts.Facilitator, "facilitator", "", "board facilitator (hex or @label)")
	_ = cmd.MarkFlagRequired("facilitator")
	addSignerFlags(cmd, &opts.Signers, &opts.Session)
	return cmd
}

func runBoardAdvance(opts *BoardOptions, cmd *cobra.Command) error {
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
	stage, err := retro.ParseStage(opts.Stage)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid stage", err)
	}
	env, err := buildEnv(opts.Signers, opts.Session)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid signing flags", err)
	}

	op := &retro.AdvanceStage{Facilitator: facilitator, Board: board, Stage: stage}
	if err := c.proc.Apply(cmd.Context(), op, env); err != nil {
		return c.renderApplyError(err)
	}
	return c.out.Success(map[string]string{"board": board.String(), "stage": stage.String()})
}

func newBoardCloseCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BoardOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "close",
		Short: "Close the board",
		Long: `Set the board's terminal closed flag. Only possible from the
discuss stage; afterwards only verification votes are accepted.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBoardClose(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Board, "board", "", "board address")
	_ = cmd.MarkFlagRequired("board")
	cmd.Flags().StringVar(&opts.Facilitator, "facilitator", "", "board facilitator (hex or @label)")
	_ = cmd.MarkFlagRequired("facilitator")
	addSignerFlags(cmd, &opts.Signers, &opts.Session)
	return cmd
}

func runBoardClose(opts *BoardOptions, cmd *cobra.Command) error {
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
	env, err := buildEnv(opts.Signers, opts.Session)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid signing flags", err)
	}

	op := &retro.CloseBoard{Facilitator: facilitator, Board: board}
	if err := c.proc.Apply(cmd.Context(), op, env); err != nil {
		return c.renderApplyError(err)
	}
	return c.out.Success(map[string]string{"board": board.String(), "closed": "true"})
}

func newBoardShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BoardOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a board and its records",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBoardShow(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Board, "board", "", "board address")
	_ = cmd.MarkFlagRequired("board")
	return cmd
}

// boardView is the JSON projection of a board and its children.
type boardView struct {
	Address     string           `json:"address"`
	Facilitator string           `json:"facilitator"`
	Stage       string           `json:"stage"`
	Closed      bool             `json:"closed"`
	Categories  []string         `json:"categories"`
	Credits     uint8            `json:"credits"`
	Notes       []noteView       `json:"notes"`
	Groups      []groupView      `json:"groups"`
	ActionItems []actionItemView `json:"action_items"`
}

type noteView struct {
	ID       uint64  `json:"id"`
	Author   string  `json:"author"`
	Category uint8   `json:"category"`
	Content  string  `json:"content"`
	Group    *uint64 `json:"group,omitempty"`
}

type groupView struct {
	ID    uint64 `json:"id"`
	Title string `json:"title"`
	Tally uint64 `json:"tally"`
}

type actionItemView struct {
	ID          uint64 `json:"id"`
	Description string `json:"description"`
	Owner       string `json:"owner"`
	Approvals   uint8  `json:"approvals"`
	Threshold   uint8  `json:"threshold"`
	Status      string `json:"status"`
}

func runBoardShow(opts *BoardOptions, cmd *cobra.Command) error {
	c, err := newCmdContext(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer c.close()

	boardAddr, err := keys.ParseAddress(opts.Board)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid board address", err)
	}

	ctx := cmd.Context()
	program := c.proc.Program()

	rec, err := c.led.Get(ctx, boardAddr)
	if errors.Is(err, ledger.ErrNotFound) {
		return NewExitError(ExitCommandError, "board does not exist")
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read board", err)
	}
	board, err := retro.UnmarshalBoard(rec.Data)
	if err != nil {
		return WrapExitError(ExitCommandError, "corrupt board record", err)
	}

	view := boardView{
		Address:     boardAddr.String(),
		Facilitator: board.Facilitator.String(),
		Stage:       board.Stage.String(),
		Closed:      board.Closed,
		Categories:  board.Categories,
		Credits:     board.VotingCredits,
		Notes:       []noteView{},
		Groups:      []groupView{},
		ActionItems: []actionItemView{},
	}

	// Children are enumerable from the board's counters; each address
	// is recomputed on demand.
	for id := uint64(0); id < board.NoteCount; id++ {
		addr, _, err := retro.NoteAddress(program, boardAddr, id)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to derive note address", err)
		}
		noteRec, err := c.led.Get(ctx, addr)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to read note %d", id), err)
		}
		note, err := retro.UnmarshalNote(noteRec.Data)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("corrupt note record %d", id), err)
		}
		view.Notes = append(view.Notes, noteView{
			ID:       note.NoteID,
			Author:   note.Author.String(),
			Category: note.CategoryID,
			Content:  note.Content,
			Group:    note.GroupID,
		})
	}

	for id := uint64(0); id < board.GroupCount; id++ {
		addr, _, err := retro.GroupAddress(program, boardAddr, id)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to derive group address", err)
		}
		groupRec, err := c.led.Get(ctx, addr)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to read group %d", id), err)
		}
		group, err := retro.UnmarshalGroup(groupRec.Data)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("corrupt group record %d", id), err)
		}
		view.Groups = append(view.Groups, groupView{
			ID:    group.GroupID,
			Title: group.Title,
			Tally: group.VoteTally,
		})
	}

	for id := uint64(0); id < board.ActionItemCount; id++ {
		addr, _, err := retro.ActionItemAddress(program, boardAddr, id)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to derive action item address", err)
		}
		itemRec, err := c.led.Get(ctx, addr)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to read action item %d", id), err)
		}
		item, err := retro.UnmarshalActionItem(itemRec.Data)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("corrupt action item record %d", id), err)
		}
		view.ActionItems = append(view.ActionItems, actionItemView{
			ID:          item.ActionItemID,
			Description: item.Description,
			Owner:       item.Owner.String(),
			Approvals:   item.Approvals,
			Threshold:   item.Threshold,
			Status:      item.Status.String(),
		})
	}

	if opts.Format == "json" {
		return c.out.Success(view)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Board %s\n", view.Address)
	fmt.Fprintf(w, "  facilitator: %s\n", view.Facilitator)
	fmt.Fprintf(w, "  stage: %s  closed: %v  credits: %d\n", view.Stage, view.Closed, view.Credits)
	fmt.Fprintf(w, "  categories: %v\n", view.Categories)
	fmt.Fprintf(w, "Notes (%d):\n", len(view.Notes))
	for _, n := range view.Notes {
		group := "-"
		if n.Group != nil {
			group = fmt.Sprintf("%d", *n.Group)
		}
		fmt.Fprintf(w, "  [%d] cat=%d group=%s %q\n", n.ID, n.Category, group, n.Content)
	}
	fmt.Fprintf(w, "Groups (%d):\n", len(view.Groups))
	for _, g := range view.Groups {
		fmt.Fprintf(w, "  [%d] tally=%d %q\n", g.ID, g.Tally, g.Title)
	}
	fmt.Fprintf(w, "Action items (%d):\n", len(view.ActionItems))
	for _, a := range view.ActionItems {
		fmt.Fprintf(w, "  [%d] %s approvals=%d/%d %q\n", a.ID, a.Status, a.Approvals, a.Threshold, a.Description)
	}
	return nil
}
