package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/retroboard/internal/retro"
)

// JournalOptions holds flags for the journal command.
type JournalOptions struct {
	*RootOptions
	Op string
}

// journalEntryView is the JSON projection of a journal entry.
type journalEntryView struct {
	Seq       int64    `json:"seq"`
	ID        string   `json:"id"`
	Op        string   `json:"op"`
	Signers   []string `json:"signers"`
	Session   string   `json:"session,omitempty"`
	AppliedAt string   `json:"applied_at"`
}

// NewJournalCommand creates the journal command.
func NewJournalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JournalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "List applied operations",
		Long: `List the ledger's operation journal in application order.

Examples:
  retroboard journal --db retroboard.db
  retroboard journal --op cast_vote --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJournal(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Op, "op", "", "only show entries for this operation name")
	return cmd
}

func runJournal(opts *JournalOptions, cmd *cobra.Command) error {
	c, err := newCmdContext(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer c.close()

	entries, err := c.led.ReadJournal(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read journal", err)
	}

	views := []journalEntryView{}
	for _, e := range entries {
		name := retro.OpName(e.Discriminator)
		if opts.Op != "" && name != opts.Op {
			continue
		}
		view := journalEntryView{
			Seq:       e.Seq,
			ID:        e.ID,
			Op:        name,
			Signers:   make([]string, len(e.Signers)),
			AppliedAt: time.Unix(e.AppliedAt, 0).UTC().Format(time.RFC3339),
		}
		for i, s := range e.Signers {
			view.Signers[i] = s.String()
		}
		if e.SessionToken != nil {
			view.Session = e.SessionToken.String()
		}
		views = append(views, view)
	}

	if opts.Format == "json" {
		return c.out.Success(views)
	}

	w := cmd.OutOrStdout()
	for _, v := range views {
		fmt.Fprintf(w, "%6d  %s  %-22s  signers=%d  %s\n", v.Seq, v.AppliedAt, v.Op, len(v.Signers), v.ID)
	}
	fmt.Fprintf(w, "%d entries\n", len(views))
	return nil
}
