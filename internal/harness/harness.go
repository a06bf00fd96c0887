package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/retroboard/internal/keys"
	"github.com/roach88/retroboard/internal/ledger"
	"github.com/roach88/retroboard/internal/retro"
	"github.com/roach88/retroboard/internal/session"
	"github.com/roach88/retroboard/internal/testutil"
)

const opAdvanceClock = "advance_clock"

// runner holds the per-scenario execution state: a fresh ledger, the
// fixed clock, and the addresses the scenario implicitly refers to.
type runner struct {
	program keys.Identity
	proc    *retro.Processor
	led     *ledger.Ledger
	clock   *testutil.FixedClock

	facilitator string

	// board is the most recently created board; steps and assertions
	// refer to it implicitly.
	board    keys.Address
	hasBoard bool

	// boardsCreated counts successful board creations per facilitator
	// label, mirroring the registry's counter.
	boardsCreated map[string]uint64
}

// Run executes a scenario against a fresh in-memory ledger and returns
// the result. The returned error covers harness-level failures (bad
// step arguments, broken ledger); operation failures expected by the
// scenario are part of the Result.
func Run(scenario *Scenario) (*Result, error) {
	led, err := ledger.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory ledger: %w", err)
	}
	defer led.Close()

	clock := testutil.NewFixedClock(time.Time{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	proc := retro.NewProcessor(led, clock, logger)

	r := &runner{
		program:       proc.Program(),
		proc:          proc,
		led:           led,
		clock:         clock,
		facilitator:   scenario.Facilitator,
		boardsCreated: make(map[string]uint64),
	}

	ctx := context.Background()
	result := NewResult()

	for i, step := range scenario.Steps {
		if err := r.runStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("steps[%d] (%s): %w", i, step.Op, err)
		}
	}

	r.evaluateAssertions(ctx, scenario.Assertions, result)
	return result, nil
}

func (r *runner) identity(label string) keys.Identity {
	return testutil.NamedIdentity(label)
}

func (r *runner) runStep(ctx context.Context, index int, step Step, result *Result) error {
	if step.Op == opAdvanceClock {
		seconds, err := argInt(step.Args, "seconds", true)
		if err != nil {
			return err
		}
		r.clock.Advance(time.Duration(seconds) * time.Second)
		return nil
	}

	op, err := r.buildOp(step)
	if err != nil {
		return err
	}

	env := retro.Env{}
	for _, label := range step.Signers {
		env.Signers = append(env.Signers, r.identity(label))
	}
	if step.Session != nil {
		addr, _, err := session.TokenAddress(
			r.program, r.program,
			r.identity(step.Session.Signer),
			r.identity(step.Session.Authority),
		)
		if err != nil {
			return err
		}
		env.SessionToken = &addr
	}

	applyErr := r.proc.Apply(ctx, op, env)

	outcome := resultOK
	if applyErr != nil {
		if code := retro.CodeOf(applyErr); code != "" {
			outcome = string(code)
		} else {
			return fmt.Errorf("unexpected non-domain error: %w", applyErr)
		}
	}
	result.AddTrace(step.Op, step.Signers, outcome)

	switch {
	case step.Expect == "" && applyErr != nil:
		result.AddError("steps[%d] (%s): expected success, got %s", index, step.Op, outcome)
	case step.Expect != "" && applyErr == nil:
		result.AddError("steps[%d] (%s): expected %s, succeeded", index, step.Op, step.Expect)
	case step.Expect != "" && outcome != step.Expect:
		result.AddError("steps[%d] (%s): expected %s, got %s", index, step.Op, step.Expect, outcome)
	}

	// Track the board address the rest of the scenario refers to.
	if step.Op == "create_board" && applyErr == nil {
		cb := op.(*retro.CreateBoard)
		boardAddr, _, err := retro.BoardAddress(r.program, cb.Registry, r.boardsCreated[r.principalLabel(step)])
		if err != nil {
			return err
		}
		r.boardsCreated[r.principalLabel(step)]++
		r.board = boardAddr
		r.hasBoard = true
	}
	return nil
}

// principalLabel resolves the label whose identity the operation acts
// as: the session authority when delegated, the first signer otherwise.
func (r *runner) principalLabel(step Step) string {
	if step.Session != nil {
		return step.Session.Authority
	}
	return step.Signers[0]
}

func (r *runner) requireBoard(op string) (keys.Address, error) {
	if !r.hasBoard {
		return keys.Address{}, fmt.Errorf("%s requires a previously created board", op)
	}
	return r.board, nil
}

func (r *runner) buildOp(step Step) (retro.Operation, error) {
	principal := r.identity(r.principalLabel(step))

	switch step.Op {
	case "init_registry":
		return &retro.InitRegistry{Owner: principal}, nil

	case "create_board":
		regAddr, _, err := retro.RegistryAddress(r.program, principal)
		if err != nil {
			return nil, err
		}
		categories, err := argStrings(step.Args, "categories")
		if err != nil {
			return nil, err
		}
		labels, err := argStrings(step.Args, "allowlist")
		if err != nil {
			return nil, err
		}
		allowlist := make([]keys.Identity, len(labels))
		for i, l := range labels {
			allowlist[i] = r.identity(l)
		}
		op := &retro.CreateBoard{
			Facilitator: principal,
			Registry:    regAddr,
			Categories:  categories,
			Allowlist:   allowlist,
		}
		if credits, ok, err := argOptInt(step.Args, "credits"); err != nil {
			return nil, err
		} else if ok {
			c := uint8(credits)
			op.Credits = &c
		}
		return op, nil

	case "advance_stage":
		board, err := r.requireBoard(step.Op)
		if err != nil {
			return nil, err
		}
		name, err := argString(step.Args, "stage")
		if err != nil {
			return nil, err
		}
		stage, err := retro.ParseStage(name)
		if err != nil {
			return nil, err
		}
		return &retro.AdvanceStage{Facilitator: principal, Board: board, Stage: stage}, nil

	case "close_board":
		board, err := r.requireBoard(step.Op)
		if err != nil {
			return nil, err
		}
		return &retro.CloseBoard{Facilitator: principal, Board: board}, nil

	case "create_note":
		board, err := r.requireBoard(step.Op)
		if err != nil {
			return nil, err
		}
		category, err := argInt(step.Args, "category", true)
		if err != nil {
			return nil, err
		}
		content, err := argString(step.Args, "content")
		if err != nil {
			return nil, err
		}
		return &retro.CreateNote{
			Author:     principal,
			Board:      board,
			CategoryID: uint8(category),
			Content:    content,
		}, nil

	case "create_group":
		board, err := r.requireBoard(step.Op)
		if err != nil {
			return nil, err
		}
		title, err := argString(step.Args, "title")
		if err != nil {
			return nil, err
		}
		return &retro.CreateGroup{Creator: principal, Board: board, Title: title}, nil

	case "set_group_title":
		board, err := r.requireBoard(step.Op)
		if err != nil {
			return nil, err
		}
		group, err := argInt(step.Args, "group", true)
		if err != nil {
			return nil, err
		}
		title, err := argString(step.Args, "title")
		if err != nil {
			return nil, err
		}
		return &retro.SetGroupTitle{
			Participant: principal,
			Board:       board,
			GroupID:     uint64(group),
			Title:       title,
		}, nil

	case "assign_note":
		board, err := r.requireBoard(step.Op)
		if err != nil {
			return nil, err
		}
		note, err := argInt(step.Args, "note", true)
		if err != nil {
			return nil, err
		}
		group, err := argInt(step.Args, "group", true)
		if err != nil {
			return nil, err
		}
		return &retro.AssignNote{
			Participant: principal,
			Board:       board,
			NoteID:      uint64(note),
			GroupID:     uint64(group),
		}, nil

	case "unassign_note":
		board, err := r.requireBoard(step.Op)
		if err != nil {
			return nil, err
		}
		note, err := argInt(step.Args, "note", true)
		if err != nil {
			return nil, err
		}
		return &retro.UnassignNote{Participant: principal, Board: board, NoteID: uint64(note)}, nil

	case "cast_vote":
		board, err := r.requireBoard(step.Op)
		if err != nil {
			return nil, err
		}
		group, err := argInt(step.Args, "group", true)
		if err != nil {
			return nil, err
		}
		delta, err := argInt(step.Args, "delta", true)
		if err != nil {
			return nil, err
		}
		return &retro.CastVote{
			Participant: principal,
			Board:       board,
			GroupID:     uint64(group),
			Delta:       uint8(delta),
		}, nil

	case "create_action_item":
		board, err := r.requireBoard(step.Op)
		if err != nil {
			return nil, err
		}
		description, err := argString(step.Args, "description")
		if err != nil {
			return nil, err
		}
		ownerLabel, err := argString(step.Args, "owner")
		if err != nil {
			return nil, err
		}
		verifierLabels, err := argStrings(step.Args, "verifiers")
		if err != nil {
			return nil, err
		}
		verifiers := make([]keys.Identity, len(verifierLabels))
		for i, l := range verifierLabels {
			verifiers[i] = r.identity(l)
		}
		threshold, err := argInt(step.Args, "threshold", true)
		if err != nil {
			return nil, err
		}
		return &retro.CreateActionItem{
			Facilitator: principal,
			Board:       board,
			Description: description,
			Owner:       r.identity(ownerLabel),
			Verifiers:   verifiers,
			Threshold:   uint8(threshold),
		}, nil

	case "cast_verification_vote":
		board, err := r.requireBoard(step.Op)
		if err != nil {
			return nil, err
		}
		item, err := argInt(step.Args, "item", true)
		if err != nil {
			return nil, err
		}
		approved, err := argBool(step.Args, "approved")
		if err != nil {
			return nil, err
		}
		return &retro.CastVerificationVote{
			Verifier:     principal,
			Board:        board,
			ActionItemID: uint64(item),
			Approved:     approved,
		}, nil

	case "create_session":
		signerLabel, err := argString(step.Args, "signer")
		if err != nil {
			return nil, err
		}
		op := &retro.CreateSession{
			Authority:     principal,
			SessionSigner: r.identity(signerLabel),
		}
		if validFor, ok, err := argOptInt(step.Args, "valid_for"); err != nil {
			return nil, err
		} else if ok {
			v := int64(validFor)
			op.ValidFor = &v
		}
		return op, nil

	case "revoke_session":
		signerLabel, err := argString(step.Args, "signer")
		if err != nil {
			return nil, err
		}
		return &retro.RevokeSession{
			Authority:     principal,
			SessionSigner: r.identity(signerLabel),
		}, nil

	default:
		return nil, fmt.Errorf("unknown op %q", step.Op)
	}
}

// YAML argument accessors. YAML decodes scalars into any; these narrow
// them with useful errors.

func argString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("args.%s is required", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("args.%s must be a string, got %T", key, v)
	}
	return s, nil
}

func argInt(args map[string]any, key string, required bool) (int, error) {
	v, ok := args[key]
	if !ok {
		if required {
			return 0, fmt.Errorf("args.%s is required", key)
		}
		return 0, nil
	}
	n, ok := v.(int)
	if !ok {
		return 0, fmt.Errorf("args.%s must be an integer, got %T", key, v)
	}
	return n, nil
}

func argOptInt(args map[string]any, key string) (int, bool, error) {
	if _, ok := args[key]; !ok {
		return 0, false, nil
	}
	n, err := argInt(args, key, true)
	return n, err == nil, err
}

func argBool(args map[string]any, key string) (bool, error) {
	v, ok := args[key]
	if !ok {
		return false, fmt.Errorf("args.%s is required", key)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("args.%s must be a bool, got %T", key, v)
	}
	return b, nil
}

func argStrings(args map[string]any, key string) ([]string, error) {
	v, ok := args[key]
	if !ok {
		return nil, fmt.Errorf("args.%s is required", key)
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("args.%s must be a list, got %T", key, v)
	}
	out := make([]string, len(list))
	for i, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("args.%s[%d] must be a string, got %T", key, i, item)
		}
		out[i] = s
	}
	return out, nil
}
