package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/retroboard/internal/retro"
	"github.com/roach88/retroboard/internal/session"
)

// SessionOptions holds flags for the session subcommands.
type SessionOptions struct {
	*RootOptions
	Signers []string
	Session string

	Authority     string
	SessionSigner string
	ValidFor      int64
}

// NewSessionCommand creates the session command group.
func NewSessionCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Delegate signing to a short-lived session key",
	}
	cmd.AddCommand(newSessionGrantCommand(rootOpts))
	cmd.AddCommand(newSessionRevokeCommand(rootOpts))
	return cmd
}

func newSessionGrantCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SessionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Create a session token",
		Long: `Create a delegation token letting a session key stand in for
your identity. Both identities must sign. Validity is clamped to the
7-day maximum and defaults to one hour.

The printed token address is what other commands accept as --session.

Example:
  retroboard session grant --authority @alice --session-signer @alice-phone \
    --signer @alice --signer @alice-phone --valid-for 86400`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionGrant(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Authority, "authority", "", "delegating identity (hex or @label)")
	_ = cmd.MarkFlagRequired("authority")
	cmd.Flags().StringVar(&opts.SessionSigner, "session-signer", "", "stand-in identity (hex or @label)")
	_ = cmd.MarkFlagRequired("session-signer")
	cmd.Flags().Int64Var(&opts.ValidFor, "valid-for", 0, "requested validity in seconds (0 = default)")
	addSignerFlags(cmd, &opts.Signers, &opts.Session)
	return cmd
}

func runSessionGrant(opts *SessionOptions, cmd *cobra.Command) error {
	c, err := newCmdContext(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer c.close()

	authority, err := parseIdentity(opts.Authority)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid authority", err)
	}
	signer, err := parseIdentity(opts.SessionSigner)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid session signer", err)
	}
	env, err := buildEnv(opts.Signers, opts.Session)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid signing flags", err)
	}

	op := &retro.CreateSession{Authority: authority, SessionSigner: signer}
	if opts.ValidFor != 0 {
		v := opts.ValidFor
		op.ValidFor = &v
	}
	if err := c.proc.Apply(cmd.Context(), op, env); err != nil {
		return c.renderApplyError(err)
	}

	addr, _, err := session.TokenAddress(c.proc.Program(), c.proc.Program(), signer, authority)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to derive token address", err)
	}
	return c.out.Success(map[string]string{"token": addr.String()})
}

func newSessionRevokeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SessionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a session token",
		Long: `Destroy a session token early. Only the authority may revoke;
the token's deposit is returned to it.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionRevoke(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Authority, "authority", "", "delegating identity (hex or @label)")
	_ = cmd.MarkFlagRequired("authority")
	cmd.Flags().StringVar(&opts.SessionSigner, "session-signer", "", "stand-in identity (hex or @label)")
	_ = cmd.MarkFlagRequired("session-signer")
	addSignerFlags(cmd, &opts.Signers, &opts.Session)
	return cmd
}

func runSessionRevoke(opts *SessionOptions, cmd *cobra.Command) error {
	c, err := newCmdContext(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer c.close()

	authority, err := parseIdentity(opts.Authority)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid authority", err)
	}
	signer, err := parseIdentity(opts.SessionSigner)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid session signer", err)
	}
	env, err := buildEnv(opts.Signers, opts.Session)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid signing flags", err)
	}

	op := &retro.RevokeSession{Authority: authority, SessionSigner: signer}
	if err := c.proc.Apply(cmd.Context(), op, env); err != nil {
		return c.renderApplyError(err)
	}
	return c.out.Success(map[string]string{"token": "revoked"})
}
