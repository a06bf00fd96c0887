package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/retroboard/internal/keys"
	"github.com/roach88/retroboard/internal/ledger"
	"github.com/roach88/retroboard/internal/retro"
	"github.com/roach88/retroboard/internal/testutil"
)

// cmdContext bundles what every ledger-touching command needs.
type cmdContext struct {
	led  *ledger.Ledger
	proc *retro.Processor
	out  *OutputFormatter
}

func (c *cmdContext) close() {
	c.led.Close()
}

// newCmdContext opens the ledger and builds a processor and formatter
// from the global flags.
func newCmdContext(opts *RootOptions, cmd *cobra.Command) (*cmdContext, error) {
	logLevel := slog.LevelWarn
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	led, err := ledger.Open(opts.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open ledger", err)
	}

	return &cmdContext{
		led:  led,
		proc: retro.NewProcessor(led, nil, logger),
		out: &OutputFormatter{
			Format:    opts.Format,
			Writer:    cmd.OutOrStdout(),
			ErrWriter: cmd.ErrOrStderr(),
			Verbose:   opts.Verbose,
		},
	}, nil
}

// parseIdentity accepts a 64-char hex identity, or the "@label" form
// which derives a stable identity from the label. Labels are a demo
// convenience; production callers pass real key material as hex.
func parseIdentity(s string) (keys.Identity, error) {
	if rest, ok := strings.CutPrefix(s, "@"); ok {
		if rest == "" {
			return keys.Identity{}, fmt.Errorf("empty identity label")
		}
		return testutil.NamedIdentity(rest), nil
	}
	return keys.ParseIdentity(s)
}

func parseIdentities(ss []string) ([]keys.Identity, error) {
	out := make([]keys.Identity, len(ss))
	for i, s := range ss {
		id, err := parseIdentity(s)
		if err != nil {
			return nil, fmt.Errorf("identity %q: %w", s, err)
		}
		out[i] = id
	}
	return out, nil
}

// buildEnv assembles the operation environment from --signer and
// --session flags.
func buildEnv(signers []string, sessionAddr string) (retro.Env, error) {
	env := retro.Env{}
	ids, err := parseIdentities(signers)
	if err != nil {
		return env, err
	}
	env.Signers = ids

	if sessionAddr != "" {
		addr, err := keys.ParseAddress(sessionAddr)
		if err != nil {
			return env, fmt.Errorf("session token address %q: %w", sessionAddr, err)
		}
		env.SessionToken = &addr
	}
	return env, nil
}

// renderApplyError turns a processor failure into formatted output and
// an ExitError with the domain exit code.
func (c *cmdContext) renderApplyError(err error) error {
	code := string(retro.CodeOf(err))
	if code == "" {
		return WrapExitError(ExitCommandError, "operation failed", err)
	}
	_ = c.out.Error(code, err.Error())
	return &ExitError{Code: ExitFailure, Message: code, Err: err}
}

// addSignerFlags registers the signing flags shared by all mutating
// commands.
func addSignerFlags(cmd *cobra.Command, signers *[]string, session *string) {
	cmd.Flags().StringArrayVar(signers, "signer", nil, "signing identity (hex or @label); repeatable")
	cmd.Flags().StringVar(session, "session", "", "session token address standing in for the principal")
	_ = cmd.MarkFlagRequired("signer")
}
