package retro

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/retroboard/internal/keys"
	"github.com/roach88/retroboard/internal/ledger"
	"github.com/roach88/retroboard/internal/session"
	"github.com/roach88/retroboard/internal/testutil"
)

func ident(label string) keys.Identity {
	return testutil.NamedIdentity(label)
}

// fixture bundles one in-memory ledger, a pinned clock and a processor.
type fixture struct {
	t     *testing.T
	ctx   context.Context
	led   *ledger.Ledger
	clock *testutil.FixedClock
	proc  *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	led, err := ledger.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	clock := testutil.NewFixedClock(time.Time{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &fixture{
		t:     t,
		ctx:   context.Background(),
		led:   led,
		clock: clock,
		proc:  NewProcessor(led, clock, logger),
	}
}

func (f *fixture) apply(op Operation, signers ...string) error {
	env := Env{}
	for _, s := range signers {
		env.Signers = append(env.Signers, ident(s))
	}
	return f.proc.Apply(f.ctx, op, env)
}

func (f *fixture) applyDelegated(op Operation, token keys.Address, signers ...string) error {
	env := Env{SessionToken: &token}
	for _, s := range signers {
		env.Signers = append(env.Signers, ident(s))
	}
	return f.proc.Apply(f.ctx, op, env)
}

func (f *fixture) mustApply(op Operation, signers ...string) {
	f.t.Helper()
	require.NoError(f.t, f.apply(op, signers...))
}

func (f *fixture) registryAddr(owner string) keys.Address {
	f.t.Helper()
	addr, _, err := RegistryAddress(f.proc.Program(), ident(owner))
	require.NoError(f.t, err)
	return addr
}

// setupBoard initialises the facilitator's registry and creates one
// board with the given participants allowlisted (the facilitator is
// always included).
func (f *fixture) setupBoard(credits *uint8, participants ...string) keys.Address {
	f.t.Helper()

	f.mustApply(&InitRegistry{Owner: ident("facilitator")}, "facilitator")

	allowlist := []keys.Identity{ident("facilitator")}
	for _, p := range participants {
		allowlist = append(allowlist, ident(p))
	}
	f.mustApply(&CreateBoard{
		Facilitator: ident("facilitator"),
		Registry:    f.registryAddr("facilitator"),
		Categories:  []string{"went well", "needs work"},
		Allowlist:   allowlist,
		Credits:     credits,
	}, "facilitator")

	addr, _, err := BoardAddress(f.proc.Program(), f.registryAddr("facilitator"), 0)
	require.NoError(f.t, err)
	return addr
}

// advanceTo walks the board stage by stage up to target.
func (f *fixture) advanceTo(board keys.Address, target Stage) {
	f.t.Helper()
	for s := f.getBoard(board).Stage + 1; s <= target; s++ {
		f.mustApply(&AdvanceStage{Facilitator: ident("facilitator"), Board: board, Stage: s}, "facilitator")
	}
}

func (f *fixture) getBoard(addr keys.Address) *Board {
	f.t.Helper()
	rec, err := f.led.Get(f.ctx, addr)
	require.NoError(f.t, err)
	b, err := UnmarshalBoard(rec.Data)
	require.NoError(f.t, err)
	return b
}

func (f *fixture) getNote(board keys.Address, id uint64) *Note {
	f.t.Helper()
	addr, _, err := NoteAddress(f.proc.Program(), board, id)
	require.NoError(f.t, err)
	rec, err := f.led.Get(f.ctx, addr)
	require.NoError(f.t, err)
	n, err := UnmarshalNote(rec.Data)
	require.NoError(f.t, err)
	return n
}

func (f *fixture) getGroup(board keys.Address, id uint64) *Group {
	f.t.Helper()
	addr, _, err := GroupAddress(f.proc.Program(), board, id)
	require.NoError(f.t, err)
	rec, err := f.led.Get(f.ctx, addr)
	require.NoError(f.t, err)
	g, err := UnmarshalGroup(rec.Data)
	require.NoError(f.t, err)
	return g
}

func (f *fixture) getMembership(board keys.Address, participant string) *Membership {
	f.t.Helper()
	addr, _, err := MembershipAddress(f.proc.Program(), board, ident(participant))
	require.NoError(f.t, err)
	rec, err := f.led.Get(f.ctx, addr)
	require.NoError(f.t, err)
	m, err := UnmarshalMembership(rec.Data)
	require.NoError(f.t, err)
	return m
}

func (f *fixture) getActionItem(board keys.Address, id uint64) *ActionItem {
	f.t.Helper()
	addr, _, err := ActionItemAddress(f.proc.Program(), board, id)
	require.NoError(f.t, err)
	rec, err := f.led.Get(f.ctx, addr)
	require.NoError(f.t, err)
	item, err := UnmarshalActionItem(rec.Data)
	require.NoError(f.t, err)
	return item
}

func assertCode(t *testing.T, err error, code Code) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, CodeOf(err), "error: %v", err)
}

func TestInitRegistry(t *testing.T) {
	f := newFixture(t)

	f.mustApply(&InitRegistry{Owner: ident("facilitator")}, "facilitator")

	rec, err := f.led.Get(f.ctx, f.registryAddr("facilitator"))
	require.NoError(t, err)
	reg, err := UnmarshalRegistry(rec.Data)
	require.NoError(t, err)
	assert.Equal(t, ident("facilitator"), reg.Owner)
	assert.Zero(t, reg.BoardCount)

	t.Run("second init collides", func(t *testing.T) {
		err := f.apply(&InitRegistry{Owner: ident("facilitator")}, "facilitator")
		assertCode(t, err, CodeRecordExists)
		assert.True(t, IsState(err))
	})

	t.Run("owner must sign", func(t *testing.T) {
		err := f.apply(&InitRegistry{Owner: ident("carol")}, "facilitator")
		assertCode(t, err, CodeMissingSignature)
		assert.True(t, IsAuthorization(err))
	})
}

func TestCreateBoard(t *testing.T) {
	f := newFixture(t)
	board := f.setupBoard(nil, "alice", "bob")

	b := f.getBoard(board)
	assert.Equal(t, StageSetup, b.Stage)
	assert.False(t, b.Closed)
	assert.Equal(t, uint64(0), b.BoardIndex)
	assert.Equal(t, uint8(DefaultVotingCredits), b.VotingCredits)
	assert.Equal(t, []string{"went well", "needs work"}, b.Categories)
	assert.Equal(t, testutil.Epoch.Unix(), b.CreatedAt)
	assert.Equal(t, testutil.Epoch.Unix(), b.StageChangedAt)

	t.Run("index comes from the registry counter", func(t *testing.T) {
		f.mustApply(&CreateBoard{
			Facilitator: ident("facilitator"),
			Registry:    f.registryAddr("facilitator"),
			Categories:  []string{"topics"},
		}, "facilitator")

		second, _, err := BoardAddress(f.proc.Program(), f.registryAddr("facilitator"), 1)
		require.NoError(t, err)
		assert.NotEqual(t, board, second)
		assert.Equal(t, uint64(1), f.getBoard(second).BoardIndex)

		rec, err := f.led.Get(f.ctx, f.registryAddr("facilitator"))
		require.NoError(t, err)
		reg, err := UnmarshalRegistry(rec.Data)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), reg.BoardCount)
	})
}

func TestCreateBoard_Validation(t *testing.T) {
	f := newFixture(t)
	f.mustApply(&InitRegistry{Owner: ident("facilitator")}, "facilitator")
	registry := f.registryAddr("facilitator")

	create := func(mutate func(*CreateBoard)) error {
		op := &CreateBoard{
			Facilitator: ident("facilitator"),
			Registry:    registry,
			Categories:  []string{"topics"},
		}
		mutate(op)
		return f.apply(op, "facilitator")
	}

	t.Run("no categories", func(t *testing.T) {
		err := create(func(op *CreateBoard) { op.Categories = nil })
		assertCode(t, err, CodeNoCategories)
		assert.True(t, IsValidation(err))
	})

	t.Run("too many categories", func(t *testing.T) {
		err := create(func(op *CreateBoard) {
			op.Categories = []string{"a", "b", "c", "d", "e", "f"}
		})
		assertCode(t, err, CodeTooManyCategories)
	})

	t.Run("category length counts runes not bytes", func(t *testing.T) {
		// 32 two-byte runes are within bounds.
		err := create(func(op *CreateBoard) {
			op.Categories = []string{strings.Repeat("é", MaxCategoryChars)}
		})
		require.NoError(t, err)

		err = create(func(op *CreateBoard) {
			op.Categories = []string{strings.Repeat("é", MaxCategoryChars+1)}
		})
		assertCode(t, err, CodeCategoryNameTooLong)
	})

	t.Run("too many participants", func(t *testing.T) {
		labels := make([]keys.Identity, MaxAllowlist+1)
		for i := range labels {
			labels[i] = ident(strings.Repeat("p", i+1))
		}
		err := create(func(op *CreateBoard) { op.Allowlist = labels })
		assertCode(t, err, CodeTooManyParticipants)
	})

	t.Run("missing registry", func(t *testing.T) {
		err := create(func(op *CreateBoard) { op.Registry = keys.Address{1} })
		assertCode(t, err, CodeRecordMissing)
	})

	t.Run("registry of another owner", func(t *testing.T) {
		f.mustApply(&InitRegistry{Owner: ident("mallory")}, "mallory")
		err := f.apply(&CreateBoard{
			Facilitator: ident("mallory"),
			Registry:    registry, // facilitator's registry
			Categories:  []string{"topics"},
		}, "mallory")
		assertCode(t, err, CodeNotFacilitator)
	})
}

func TestAdvanceStage(t *testing.T) {
	f := newFixture(t)
	board := f.setupBoard(nil)

	for _, next := range []Stage{StageWriteNotes, StageGroupDuplicates, StageVote, StageDiscuss} {
		f.clock.Advance(time.Minute)
		f.mustApply(&AdvanceStage{Facilitator: ident("facilitator"), Board: board, Stage: next}, "facilitator")

		b := f.getBoard(board)
		assert.Equal(t, next, b.Stage)
		assert.Equal(t, f.clock.Now().Unix(), b.StageChangedAt)
	}
}

func TestAdvanceStage_Rejections(t *testing.T) {
	f := newFixture(t)
	board := f.setupBoard(nil, "alice")

	t.Run("skipping a stage", func(t *testing.T) {
		err := f.apply(&AdvanceStage{Facilitator: ident("facilitator"), Board: board, Stage: StageVote}, "facilitator")
		assertCode(t, err, CodeInvalidStageTransition)
	})

	t.Run("undefined stage value", func(t *testing.T) {
		err := f.apply(&AdvanceStage{Facilitator: ident("facilitator"), Board: board, Stage: Stage(7)}, "facilitator")
		assertCode(t, err, CodeInvalidStageValue)
	})

	t.Run("non-facilitator leaves the stage unchanged", func(t *testing.T) {
		err := f.apply(&AdvanceStage{Facilitator: ident("alice"), Board: board, Stage: StageWriteNotes}, "alice")
		assertCode(t, err, CodeNotFacilitator)
		assert.Equal(t, StageSetup, f.getBoard(board).Stage)
	})

	f.advanceTo(board, StageDiscuss)

	t.Run("no regression", func(t *testing.T) {
		err := f.apply(&AdvanceStage{Facilitator: ident("facilitator"), Board: board, Stage: StageVote}, "facilitator")
		assertCode(t, err, CodeInvalidStageTransition)
	})

	t.Run("nothing past the final stage", func(t *testing.T) {
		err := f.apply(&AdvanceStage{Facilitator: ident("facilitator"), Board: board, Stage: StageDiscuss + 1}, "facilitator")
		assertCode(t, err, CodeInvalidStageValue)
	})
}

func TestCloseBoard(t *testing.T) {
	f := newFixture(t)
	board := f.setupBoard(nil, "alice")
	f.advanceTo(board, StageVote)

	t.Run("only from the final stage", func(t *testing.T) {
		err := f.apply(&CloseBoard{Facilitator: ident("facilitator"), Board: board}, "facilitator")
		assertCode(t, err, CodeInvalidStage)
	})

	f.advanceTo(board, StageDiscuss)
	f.mustApply(&CloseBoard{Facilitator: ident("facilitator"), Board: board}, "facilitator")

	b := f.getBoard(board)
	assert.True(t, b.Closed)
	assert.Equal(t, StageDiscuss, b.Stage, "closure is a flag, not a stage")

	t.Run("closure is terminal", func(t *testing.T) {
		err := f.apply(&CloseBoard{Facilitator: ident("facilitator"), Board: board}, "facilitator")
		assertCode(t, err, CodeBoardClosed)
	})

	t.Run("closed boards reject mutation", func(t *testing.T) {
		err := f.apply(&SetGroupTitle{Participant: ident("alice"), Board: board, GroupID: 0, Title: "x"}, "alice")
		assertCode(t, err, CodeBoardClosed)

		err = f.apply(&AdvanceStage{Facilitator: ident("facilitator"), Board: board, Stage: StageDiscuss}, "facilitator")
		assertCode(t, err, CodeBoardClosed)
	})
}

func TestCreateNote(t *testing.T) {
	f := newFixture(t)
	board := f.setupBoard(nil, "alice", "bob")

	t.Run("write_notes stage required", func(t *testing.T) {
		err := f.apply(&CreateNote{Author: ident("alice"), Board: board, CategoryID: 0, Content: "too early"}, "alice")
		assertCode(t, err, CodeInvalidStage)
	})

	f.advanceTo(board, StageWriteNotes)

	f.mustApply(&CreateNote{Author: ident("alice"), Board: board, CategoryID: 0, Content: "CI pipeline is fast"}, "alice")
	f.mustApply(&CreateNote{Author: ident("bob"), Board: board, CategoryID: 1, Content: "standups run long"}, "bob")

	assert.Equal(t, uint64(2), f.getBoard(board).NoteCount)

	first := f.getNote(board, 0)
	assert.Equal(t, ident("alice"), first.Author)
	assert.Equal(t, uint8(0), first.CategoryID)
	assert.Equal(t, "CI pipeline is fast", first.Content)
	assert.Nil(t, first.GroupID)

	second := f.getNote(board, 1)
	assert.Equal(t, uint64(1), second.NoteID)
	assert.Equal(t, ident("bob"), second.Author)
}

func TestCreateNote_Rejections(t *testing.T) {
	f := newFixture(t)
	board := f.setupBoard(nil, "alice")
	f.advanceTo(board, StageWriteNotes)

	t.Run("author not on allowlist", func(t *testing.T) {
		err := f.apply(&CreateNote{Author: ident("mallory"), Board: board, CategoryID: 0, Content: "hi"}, "mallory")
		assertCode(t, err, CodeNotOnAllowlist)
	})

	t.Run("category out of range", func(t *testing.T) {
		err := f.apply(&CreateNote{Author: ident("alice"), Board: board, CategoryID: 2, Content: "hi"}, "alice")
		assertCode(t, err, CodeInvalidCategory)
	})

	t.Run("content too long", func(t *testing.T) {
		err := f.apply(&CreateNote{
			Author:  ident("alice"),
			Board:   board,
			Content: strings.Repeat("x", MaxNoteChars+1),
		}, "alice")
		assertCode(t, err, CodeNoteTooLong)

		// A failed create must not consume an id.
		assert.Zero(t, f.getBoard(board).NoteCount)
	})

	t.Run("content at the bound passes", func(t *testing.T) {
		err := f.apply(&CreateNote{
			Author:  ident("alice"),
			Board:   board,
			Content: strings.Repeat("é", MaxNoteChars),
		}, "alice")
		require.NoError(t, err)
	})
}

func TestCreateNote_NormalizesContent(t *testing.T) {
	f := newFixture(t)
	board := f.setupBoard(nil, "alice")
	f.advanceTo(board, StageWriteNotes)

	// Decomposed "e" + combining acute must be stored in composed form.
	f.mustApply(&CreateNote{Author: ident("alice"), Board: board, Content: "cafe\u0301"}, "alice")
	assert.Equal(t, "caf\u00e9", f.getNote(board, 0).Content)
}

func TestGrouping(t *testing.T) {
	f := newFixture(t)
	board := f.setupBoard(nil, "alice", "bob")
	f.advanceTo(board, StageWriteNotes)
	f.mustApply(&CreateNote{Author: ident("alice"), Board: board, Content: "builds are slow"}, "alice")
	f.advanceTo(board, StageGroupDuplicates)

	f.mustApply(&CreateGroup{Creator: ident("alice"), Board: board, Title: "tooling"}, "alice")
	f.mustApply(&CreateGroup{Creator: ident("bob"), Board: board, Title: "process"}, "bob")
	assert.Equal(t, uint64(2), f.getBoard(board).GroupCount)

	f.mustApply(&AssignNote{Participant: ident("alice"), Board: board, NoteID: 0, GroupID: 0}, "alice")
	note := f.getNote(board, 0)
	require.NotNil(t, note.GroupID)
	assert.Equal(t, uint64(0), *note.GroupID)

	t.Run("no silent reassignment", func(t *testing.T) {
		err := f.apply(&AssignNote{Participant: ident("bob"), Board: board, NoteID: 0, GroupID: 1}, "bob")
		assertCode(t, err, CodeNoteAlreadyGrouped)
	})

	t.Run("unassign then reassign", func(t *testing.T) {
		f.mustApply(&UnassignNote{Participant: ident("alice"), Board: board, NoteID: 0}, "alice")
		assert.Nil(t, f.getNote(board, 0).GroupID)

		f.mustApply(&AssignNote{Participant: ident("bob"), Board: board, NoteID: 0, GroupID: 1}, "bob")
		assert.Equal(t, uint64(1), *f.getNote(board, 0).GroupID)
	})

	t.Run("unassign an ungrouped note", func(t *testing.T) {
		f.mustApply(&UnassignNote{Participant: ident("alice"), Board: board, NoteID: 0}, "alice")
		err := f.apply(&UnassignNote{Participant: ident("alice"), Board: board, NoteID: 0}, "alice")
		assertCode(t, err, CodeNoteNotGrouped)
	})

	t.Run("target group must exist", func(t *testing.T) {
		err := f.apply(&AssignNote{Participant: ident("alice"), Board: board, NoteID: 0, GroupID: 9}, "alice")
		assertCode(t, err, CodeRecordMissing)
		assert.Nil(t, f.getNote(board, 0).GroupID)
	})

	t.Run("note must exist", func(t *testing.T) {
		err := f.apply(&AssignNote{Participant: ident("alice"), Board: board, NoteID: 9, GroupID: 0}, "alice")
		assertCode(t, err, CodeRecordMissing)
	})
}

func TestSetGroupTitle(t *testing.T) {
	f := newFixture(t)
	board := f.setupBoard(nil, "alice", "bob")
	f.advanceTo(board, StageGroupDuplicates)
	f.mustApply(&CreateGroup{Creator: ident("alice"), Board: board, Title: ""}, "alice")

	// Renaming is not stage-bound; any allowlisted participant may do
	// it while the board is open.
	f.advanceTo(board, StageVote)
	f.mustApply(&SetGroupTitle{Participant: ident("bob"), Board: board, GroupID: 0, Title: "flaky tests"}, "bob")
	assert.Equal(t, "flaky tests", f.getGroup(board, 0).Title)

	t.Run("title bound", func(t *testing.T) {
		err := f.apply(&SetGroupTitle{
			Participant: ident("bob"),
			Board:       board,
			GroupID:     0,
			Title:       strings.Repeat("x", MaxGroupTitleChars+1),
		}, "bob")
		assertCode(t, err, CodeGroupTitleTooLong)
	})

	t.Run("missing group", func(t *testing.T) {
		err := f.apply(&SetGroupTitle{Participant: ident("bob"), Board: board, GroupID: 5, Title: "x"}, "bob")
		assertCode(t, err, CodeRecordMissing)
	})

	t.Run("not on allowlist", func(t *testing.T) {
		err := f.apply(&SetGroupTitle{Participant: ident("mallory"), Board: board, GroupID: 0, Title: "x"}, "mallory")
		assertCode(t, err, CodeNotOnAllowlist)
	})
}

func TestCastVote_Budget(t *testing.T) {
	f := newFixture(t)
	credits := uint8(3)
	board := f.setupBoard(&credits, "alice")
	f.advanceTo(board, StageGroupDuplicates)
	f.mustApply(&CreateGroup{Creator: ident("alice"), Board: board, Title: "speed"}, "alice")
	f.advanceTo(board, StageVote)

	vote := func(delta uint8) error {
		return f.apply(&CastVote{Participant: ident("alice"), Board: board, GroupID: 0, Delta: delta}, "alice")
	}

	require.NoError(t, vote(2))

	// Over budget fails and changes nothing.
	err := vote(2)
	assertCode(t, err, CodeInsufficientCredits)
	assert.True(t, IsBudget(err))
	assert.Equal(t, uint8(2), f.getMembership(board, "alice").CreditsSpent)
	assert.Equal(t, uint64(2), f.getGroup(board, 0).VoteTally)

	// The exact remainder still fits.
	require.NoError(t, vote(1))
	m := f.getMembership(board, "alice")
	assert.Equal(t, uint8(3), m.CreditsSpent)
	assert.Equal(t, uint64(3), f.getGroup(board, 0).VoteTally)

	// The budget is exhausted now.
	err = vote(1)
	assertCode(t, err, CodeInsufficientCredits)
}

func TestCastVote_Rules(t *testing.T) {
	f := newFixture(t)
	board := f.setupBoard(nil, "alice", "bob")
	f.advanceTo(board, StageGroupDuplicates)
	f.mustApply(&CreateGroup{Creator: ident("alice"), Board: board, Title: "a"}, "alice")
	f.mustApply(&CreateGroup{Creator: ident("alice"), Board: board, Title: "b"}, "alice")

	t.Run("vote stage required", func(t *testing.T) {
		err := f.apply(&CastVote{Participant: ident("alice"), Board: board, GroupID: 0, Delta: 1}, "alice")
		assertCode(t, err, CodeInvalidStage)
	})

	f.advanceTo(board, StageVote)

	t.Run("zero delta", func(t *testing.T) {
		err := f.apply(&CastVote{Participant: ident("alice"), Board: board, GroupID: 0, Delta: 0}, "alice")
		assertCode(t, err, CodeZeroCreditDelta)
	})

	t.Run("membership is created lazily", func(t *testing.T) {
		addr, _, err := MembershipAddress(f.proc.Program(), board, ident("bob"))
		require.NoError(t, err)
		_, err = f.led.Get(f.ctx, addr)
		assert.ErrorIs(t, err, ledger.ErrNotFound)

		f.mustApply(&CastVote{Participant: ident("bob"), Board: board, GroupID: 0, Delta: 1}, "bob")
		assert.Equal(t, uint8(1), f.getMembership(board, "bob").CreditsSpent)
	})

	t.Run("one budget across groups", func(t *testing.T) {
		f.mustApply(&CastVote{Participant: ident("alice"), Board: board, GroupID: 0, Delta: 3}, "alice")
		f.mustApply(&CastVote{Participant: ident("alice"), Board: board, GroupID: 1, Delta: 2}, "alice")

		err := f.apply(&CastVote{Participant: ident("alice"), Board: board, GroupID: 1, Delta: 1}, "alice")
		assertCode(t, err, CodeInsufficientCredits)
	})

	t.Run("tallies accumulate per group across voters", func(t *testing.T) {
		// bob's 1 and alice's 3 landed on group 0.
		assert.Equal(t, uint64(4), f.getGroup(board, 0).VoteTally)
		assert.Equal(t, uint64(2), f.getGroup(board, 1).VoteTally)
	})

	t.Run("missing group", func(t *testing.T) {
		err := f.apply(&CastVote{Participant: ident("bob"), Board: board, GroupID: 7, Delta: 1}, "bob")
		assertCode(t, err, CodeRecordMissing)
	})
}

func TestCreateActionItem(t *testing.T) {
	f := newFixture(t)
	board := f.setupBoard(nil, "alice", "bob", "carol")

	t.Run("discuss stage required", func(t *testing.T) {
		err := f.apply(&CreateActionItem{
			Facilitator: ident("facilitator"),
			Board:       board,
			Description: "too early",
			Owner:       ident("alice"),
			Verifiers:   []keys.Identity{ident("bob")},
			Threshold:   1,
		}, "facilitator")
		assertCode(t, err, CodeInvalidStage)
	})

	f.advanceTo(board, StageDiscuss)

	item := func(mutate func(*CreateActionItem)) error {
		op := &CreateActionItem{
			Facilitator: ident("facilitator"),
			Board:       board,
			Description: "timebox standups",
			Owner:       ident("alice"),
			Verifiers:   []keys.Identity{ident("bob"), ident("carol")},
			Threshold:   2,
		}
		mutate(op)
		return f.apply(op, "facilitator")
	}

	t.Run("facilitator only", func(t *testing.T) {
		err := f.apply(&CreateActionItem{
			Facilitator: ident("alice"),
			Board:       board,
			Description: "x",
			Owner:       ident("alice"),
			Verifiers:   []keys.Identity{ident("bob")},
			Threshold:   1,
		}, "alice")
		assertCode(t, err, CodeNotFacilitator)
	})

	t.Run("threshold bounds", func(t *testing.T) {
		err := item(func(op *CreateActionItem) { op.Threshold = 0 })
		assertCode(t, err, CodeThresholdTooLow)

		err = item(func(op *CreateActionItem) { op.Threshold = 3 })
		assertCode(t, err, CodeThresholdTooHigh)
	})

	t.Run("owner cannot verify", func(t *testing.T) {
		err := item(func(op *CreateActionItem) {
			op.Verifiers = []keys.Identity{ident("alice"), ident("bob")}
		})
		assertCode(t, err, CodeOwnerIsVerifier)
	})

	t.Run("owner and verifiers must be allowlisted", func(t *testing.T) {
		err := item(func(op *CreateActionItem) { op.Owner = ident("mallory") })
		assertCode(t, err, CodeNotOnAllowlist)

		err = item(func(op *CreateActionItem) {
			op.Verifiers = []keys.Identity{ident("bob"), ident("mallory")}
		})
		assertCode(t, err, CodeNotOnAllowlist)
	})

	t.Run("description bound", func(t *testing.T) {
		err := item(func(op *CreateActionItem) {
			op.Description = strings.Repeat("x", MaxActionDescChars+1)
		})
		assertCode(t, err, CodeDescriptionTooLong)
	})

	require.NoError(t, item(func(*CreateActionItem) {}))
	assert.Equal(t, uint64(1), f.getBoard(board).ActionItemCount)

	created := f.getActionItem(board, 0)
	assert.Equal(t, "timebox standups", created.Description)
	assert.Equal(t, StatusPending, created.Status)
	assert.Zero(t, created.Approvals)
	assert.Nil(t, created.CompletedAt)
}

func TestVerification(t *testing.T) {
	f := newFixture(t)
	board := f.setupBoard(nil, "alice", "bob", "carol", "dave")
	f.advanceTo(board, StageDiscuss)
	f.mustApply(&CreateActionItem{
		Facilitator: ident("facilitator"),
		Board:       board,
		Description: "timebox standups",
		Owner:       ident("alice"),
		Verifiers:   []keys.Identity{ident("bob"), ident("carol"), ident("dave")},
		Threshold:   2,
	}, "facilitator")

	verify := func(who string, approved bool) error {
		return f.apply(&CastVerificationVote{
			Verifier:     ident(who),
			Board:        board,
			ActionItemID: 0,
			Approved:     approved,
		}, who)
	}

	t.Run("only after closure", func(t *testing.T) {
		err := verify("bob", true)
		assertCode(t, err, CodeBoardNotClosed)
	})

	f.mustApply(&CloseBoard{Facilitator: ident("facilitator"), Board: board}, "facilitator")

	t.Run("named verifiers only", func(t *testing.T) {
		err := verify("alice", true)
		assertCode(t, err, CodeNotAVerifier)
	})

	t.Run("missing item", func(t *testing.T) {
		err := f.apply(&CastVerificationVote{Verifier: ident("bob"), Board: board, ActionItemID: 9, Approved: true}, "bob")
		assertCode(t, err, CodeRecordMissing)
	})

	require.NoError(t, verify("bob", true))
	item := f.getActionItem(board, 0)
	assert.Equal(t, uint8(1), item.Approvals)
	assert.Equal(t, StatusPending, item.Status)

	t.Run("one vote per verifier", func(t *testing.T) {
		err := verify("bob", true)
		assertCode(t, err, CodeRecordExists)
		assert.Equal(t, uint8(1), f.getActionItem(board, 0).Approvals)
	})

	t.Run("threshold completes and rewards once", func(t *testing.T) {
		f.clock.Advance(time.Hour)
		require.NoError(t, verify("carol", true))

		item := f.getActionItem(board, 0)
		assert.Equal(t, uint8(2), item.Approvals)
		assert.Equal(t, StatusCompleted, item.Status)
		require.NotNil(t, item.CompletedAt)
		assert.Equal(t, f.clock.Now().Unix(), *item.CompletedAt)

		assert.Equal(t, uint64(CompletionReward), f.getMembership(board, "alice").TotalScore)
	})

	t.Run("late approval still counts but never re-rewards", func(t *testing.T) {
		require.NoError(t, verify("dave", true))

		item := f.getActionItem(board, 0)
		assert.Equal(t, uint8(3), item.Approvals)
		assert.Equal(t, StatusCompleted, item.Status)
		assert.Equal(t, uint64(CompletionReward), f.getMembership(board, "alice").TotalScore)
	})
}

func TestVerification_RejectionDoesNotCount(t *testing.T) {
	f := newFixture(t)
	board := f.setupBoard(nil, "alice", "bob")
	f.advanceTo(board, StageDiscuss)
	f.mustApply(&CreateActionItem{
		Facilitator: ident("facilitator"),
		Board:       board,
		Description: "document runbooks",
		Owner:       ident("alice"),
		Verifiers:   []keys.Identity{ident("bob")},
		Threshold:   1,
	}, "facilitator")
	f.mustApply(&CloseBoard{Facilitator: ident("facilitator"), Board: board}, "facilitator")

	f.mustApply(&CastVerificationVote{Verifier: ident("bob"), Board: board, ActionItemID: 0, Approved: false}, "bob")

	item := f.getActionItem(board, 0)
	assert.Zero(t, item.Approvals)
	assert.Equal(t, StatusPending, item.Status)

	// The rejection consumed bob's single structural vote; the item can
	// no longer complete.
	err := f.apply(&CastVerificationVote{Verifier: ident("bob"), Board: board, ActionItemID: 0, Approved: true}, "bob")
	assertCode(t, err, CodeRecordExists)
}

func (f *fixture) sessionToken(authority, signer string) keys.Address {
	f.t.Helper()
	addr, _, err := session.TokenAddress(f.proc.Program(), f.proc.Program(), ident(signer), ident(authority))
	require.NoError(f.t, err)
	return addr
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t)

	t.Run("both parties must sign", func(t *testing.T) {
		op := &CreateSession{Authority: ident("alice"), SessionSigner: ident("alice-phone")}
		assertCode(t, f.apply(op, "alice"), CodeMissingSignature)
		assertCode(t, f.apply(op, "alice-phone"), CodeMissingSignature)
	})

	f.mustApply(&CreateSession{Authority: ident("alice"), SessionSigner: ident("alice-phone")},
		"alice", "alice-phone")

	rec, err := f.led.Get(f.ctx, f.sessionToken("alice", "alice-phone"))
	require.NoError(t, err)
	tok, err := session.Unmarshal(rec.Data)
	require.NoError(t, err)
	assert.Equal(t, ident("alice"), tok.Authority)
	assert.Equal(t, ident("alice-phone"), tok.SessionSigner)
	assert.Equal(t, f.proc.Program(), tok.TargetProgram)
	assert.Equal(t, f.clock.Now().Add(session.DefaultValidity).Unix(), tok.ValidUntil)

	t.Run("one live token per pair", func(t *testing.T) {
		err := f.apply(&CreateSession{Authority: ident("alice"), SessionSigner: ident("alice-phone")},
			"alice", "alice-phone")
		assertCode(t, err, CodeRecordExists)
	})
}

func TestCreateSession_ValidityClamped(t *testing.T) {
	f := newFixture(t)

	thirtyDays := int64(30 * 24 * 3600)
	f.mustApply(&CreateSession{
		Authority:     ident("alice"),
		SessionSigner: ident("alice-phone"),
		ValidFor:      &thirtyDays,
	}, "alice", "alice-phone")

	rec, err := f.led.Get(f.ctx, f.sessionToken("alice", "alice-phone"))
	require.NoError(t, err)
	tok, err := session.Unmarshal(rec.Data)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(session.MaxValidity).Unix(), tok.ValidUntil)
}

func TestDelegatedOperations(t *testing.T) {
	f := newFixture(t)
	board := f.setupBoard(nil, "alice")
	f.advanceTo(board, StageWriteNotes)

	day := int64(24 * 3600)
	f.mustApply(&CreateSession{Authority: ident("alice"), SessionSigner: ident("alice-phone"), ValidFor: &day},
		"alice", "alice-phone")
	token := f.sessionToken("alice", "alice-phone")

	note := &CreateNote{Author: ident("alice"), Board: board, CategoryID: 0, Content: "from my phone"}

	t.Run("stand-in signature alone is refused", func(t *testing.T) {
		err := f.apply(note, "alice-phone")
		assertCode(t, err, CodeNotOnAllowlist)
	})

	t.Run("token delegates the stand-in", func(t *testing.T) {
		require.NoError(t, f.applyDelegated(note, token, "alice-phone"))
		assert.Equal(t, ident("alice"), f.getNote(board, 0).Author)
	})

	t.Run("token bound to its authority", func(t *testing.T) {
		// The board's facilitator did not delegate to alice-phone.
		op := &AdvanceStage{Facilitator: ident("facilitator"), Board: board, Stage: StageGroupDuplicates}
		err := f.applyDelegated(op, token, "alice-phone")
		assertCode(t, err, CodeSessionWrongAuthority)
	})

	t.Run("signer must be the stand-in", func(t *testing.T) {
		op := &CreateNote{Author: ident("alice"), Board: board, CategoryID: 0, Content: "not my token"}
		err := f.applyDelegated(op, token, "mallory")
		assertCode(t, err, CodeSessionWrongSigner)
	})

	t.Run("no signatures at all", func(t *testing.T) {
		err := f.applyDelegated(note, token)
		assertCode(t, err, CodeMissingSignature)
	})

	t.Run("expiry is strict", func(t *testing.T) {
		// Move to exactly ValidUntil; the token is already unusable.
		f.clock.Advance(24 * time.Hour)
		op := &CreateNote{Author: ident("alice"), Board: board, CategoryID: 0, Content: "too late"}
		err := f.applyDelegated(op, token, "alice-phone")
		assertCode(t, err, CodeSessionExpired)
	})

	t.Run("missing token record", func(t *testing.T) {
		other := f.sessionToken("alice", "alice-laptop")
		op := &CreateNote{Author: ident("alice"), Board: board, CategoryID: 0, Content: "no token"}
		err := f.applyDelegated(op, other, "alice-laptop")
		assertCode(t, err, CodeNotOnAllowlist)
	})
}

func TestRevokeSession(t *testing.T) {
	f := newFixture(t)
	board := f.setupBoard(nil, "alice")
	f.advanceTo(board, StageWriteNotes)

	f.mustApply(&CreateSession{Authority: ident("alice"), SessionSigner: ident("alice-phone")},
		"alice", "alice-phone")
	token := f.sessionToken("alice", "alice-phone")

	t.Run("authority only", func(t *testing.T) {
		op := &RevokeSession{Authority: ident("alice"), SessionSigner: ident("alice-phone")}
		err := f.apply(op, "alice-phone")
		assertCode(t, err, CodeNotAuthorizer)
	})

	rec, err := f.led.Get(f.ctx, token)
	require.NoError(t, err)
	deposit := rec.Deposit

	f.mustApply(&RevokeSession{Authority: ident("alice"), SessionSigner: ident("alice-phone")}, "alice")

	t.Run("token is destroyed and the deposit returned", func(t *testing.T) {
		_, err := f.led.Get(f.ctx, token)
		assert.ErrorIs(t, err, ledger.ErrNotFound)

		balance, err := f.led.Balance(f.ctx, ident("alice"))
		require.NoError(t, err)
		assert.Equal(t, deposit, balance)
	})

	t.Run("revoked tokens stop delegating", func(t *testing.T) {
		op := &CreateNote{Author: ident("alice"), Board: board, CategoryID: 0, Content: "revoked"}
		err := f.applyDelegated(op, token, "alice-phone")
		assertCode(t, err, CodeNotOnAllowlist)
	})

	t.Run("revoking twice", func(t *testing.T) {
		err := f.apply(&RevokeSession{Authority: ident("alice"), SessionSigner: ident("alice-phone")}, "alice")
		assertCode(t, err, CodeRecordMissing)
	})
}

func TestApply_FailuresAreNotJournaled(t *testing.T) {
	f := newFixture(t)
	board := f.setupBoard(nil, "alice")
	f.advanceTo(board, StageWriteNotes)

	err := f.apply(&CreateNote{Author: ident("mallory"), Board: board, Content: "hi"}, "mallory")
	require.Error(t, err)

	entries, err := f.led.ReadJournal(f.ctx)
	require.NoError(t, err)
	// init_registry, create_board, advance_stage: successes only.
	assert.Len(t, entries, 3)
}

func TestApply_NonDomainErrorForCorruptToken(t *testing.T) {
	f := newFixture(t)
	board := f.setupBoard(nil, "alice")
	f.advanceTo(board, StageWriteNotes)

	// Pointing the session token at a record of another family must
	// surface as an infrastructure error, not a domain code.
	registry := f.registryAddr("facilitator")
	op := &CreateNote{Author: ident("alice"), Board: board, Content: "hi"}
	err := f.applyDelegated(op, registry, "alice-phone")
	require.Error(t, err)
	assert.Empty(t, string(CodeOf(err)))
}

func TestReplay_RebuildsIdenticalState(t *testing.T) {
	f := newFixture(t)
	credits := uint8(3)
	board := f.setupBoard(&credits, "alice", "bob")
	f.advanceTo(board, StageWriteNotes)
	f.mustApply(&CreateNote{Author: ident("alice"), Board: board, Content: "builds are slow"}, "alice")
	f.clock.Advance(10 * time.Minute)
	f.advanceTo(board, StageGroupDuplicates)
	f.mustApply(&CreateGroup{Creator: ident("bob"), Board: board, Title: "tooling"}, "bob")
	f.mustApply(&AssignNote{Participant: ident("bob"), Board: board, NoteID: 0, GroupID: 0}, "bob")
	f.advanceTo(board, StageVote)
	f.mustApply(&CastVote{Participant: ident("alice"), Board: board, GroupID: 0, Delta: 2}, "alice")
	f.advanceTo(board, StageDiscuss)
	f.mustApply(&CloseBoard{Facilitator: ident("facilitator"), Board: board}, "facilitator")

	source, err := f.led.ReadJournal(f.ctx)
	require.NoError(t, err)
	require.NotEmpty(t, source)

	// Rebuild on a fresh ledger. The replay clock is irrelevant: every
	// entry carries its own applied-at instant.
	target, err := ledger.Open(":memory:")
	require.NoError(t, err)
	defer target.Close()

	replayProc := NewProcessor(target, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	for _, entry := range source {
		require.NoError(t, replayProc.Replay(f.ctx, entry))
	}

	// Record-for-record equality on everything the run touched.
	addrs := []keys.Address{f.registryAddr("facilitator"), board}
	noteAddr, _, err := NoteAddress(f.proc.Program(), board, 0)
	require.NoError(t, err)
	groupAddr, _, err := GroupAddress(f.proc.Program(), board, 0)
	require.NoError(t, err)
	memberAddr, _, err := MembershipAddress(f.proc.Program(), board, ident("alice"))
	require.NoError(t, err)
	addrs = append(addrs, noteAddr, groupAddr, memberAddr)

	for _, addr := range addrs {
		want, err := f.led.Get(f.ctx, addr)
		require.NoError(t, err)
		got, err := target.Get(f.ctx, addr)
		require.NoError(t, err, "record %s missing after replay", addr)
		assert.Equal(t, want.Data, got.Data, "record %s diverged", addr)
		assert.Equal(t, want.Owner, got.Owner)
	}

	// The rebuilt journal matches the source, ids and times included.
	rebuilt, err := target.ReadJournal(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, source, rebuilt)
}
