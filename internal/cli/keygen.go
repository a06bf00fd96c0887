package cli

import (
	"crypto/rand"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/retroboard/internal/keys"
	"github.com/roach88/retroboard/internal/testutil"
)

// KeygenOptions holds flags for the keygen command.
type KeygenOptions struct {
	*RootOptions
	Label string
}

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &KeygenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an identity",
		Long: `Generate a 32-byte identity, printed as hex.

Without flags the identity is random. With --label the identity is
derived deterministically from the label, matching the "@label"
shorthand accepted by other commands.

Examples:
  retroboard keygen
  retroboard keygen --label alice`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Label, "label", "", "derive the identity from a label instead of randomness")
	return cmd
}

func runKeygen(opts *KeygenOptions, cmd *cobra.Command) error {
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	var id keys.Identity
	if opts.Label != "" {
		id = testutil.NamedIdentity(opts.Label)
	} else {
		if _, err := rand.Read(id[:]); err != nil {
			return WrapExitError(ExitCommandError, "failed to read randomness", err)
		}
	}

	if opts.Format == "json" {
		return out.Success(map[string]string{"identity": id.String()})
	}
	fmt.Fprintln(cmd.OutOrStdout(), id.String())
	return nil
}
