package retro

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/retroboard/internal/keys"
	"github.com/roach88/retroboard/internal/ledger"
	"github.com/roach88/retroboard/internal/session"
)

// Env carries the out-of-band facts about one submitted operation: who
// signed it and, optionally, which session token stands in for the
// required principal.
type Env struct {
	Signers      []keys.Identity
	SessionToken *keys.Address
}

// Processor applies operations to the ledger. Each Apply is one
// transaction: every record mutation and the journal row commit
// together or not at all, so a returned error means zero side effects.
type Processor struct {
	program keys.Identity
	ledger  *ledger.Ledger
	clock   Clock
	logger  *slog.Logger
}

// NewProcessor creates a processor over the given ledger. A nil clock
// means the system clock; a nil logger means slog's default.
func NewProcessor(l *ledger.Ledger, clock Clock, logger *slog.Logger) *Processor {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{program: ProgramID(), ledger: l, clock: clock, logger: logger}
}

// Program returns the identity records are created under.
func (p *Processor) Program() keys.Identity {
	return p.program
}

// Apply executes one operation atomically and journals it on success.
func (p *Processor) Apply(ctx context.Context, op Operation, env Env) error {
	return p.applyAt(ctx, op, env, p.clock.Now(), ledger.NewJournalID())
}

// Replay re-applies a journal entry onto this processor's ledger at
// the entry's recorded time, preserving its id so the rebuilt journal
// matches the source.
func (p *Processor) Replay(ctx context.Context, entry ledger.JournalEntry) error {
	op, err := UnmarshalOperation(entry.Frame)
	if err != nil {
		return fmt.Errorf("retro: replay entry %s: %w", entry.ID, err)
	}
	env := Env{Signers: entry.Signers, SessionToken: entry.SessionToken}
	return p.applyAt(ctx, op, env, time.Unix(entry.AppliedAt, 0), entry.ID)
}

func (p *Processor) applyAt(ctx context.Context, op Operation, env Env, now time.Time, journalID string) error {
	name := OpName(op.Discriminator())

	err := p.ledger.Execute(ctx, func(v ledger.View) error {
		if err := p.apply(v, op, env, now); err != nil {
			return err
		}
		return v.AppendJournal(ledger.JournalEntry{
			ID:            journalID,
			Discriminator: op.Discriminator(),
			Frame:         MarshalOperation(op),
			Signers:       env.Signers,
			SessionToken:  env.SessionToken,
			AppliedAt:     now.Unix(),
		})
	})
	if err != nil {
		p.logger.Warn("operation rejected", "op", name, "code", string(CodeOf(err)), "err", err)
		return err
	}

	p.logger.Info("operation applied", "op", name, "journal_id", journalID)
	return nil
}

func (p *Processor) apply(v ledger.View, op Operation, env Env, now time.Time) error {
	switch op := op.(type) {
	case *InitRegistry:
		return p.initRegistry(v, op, env)
	case *CreateBoard:
		return p.createBoard(v, op, env, now)
	case *AdvanceStage:
		return p.advanceStage(v, op, env, now)
	case *CloseBoard:
		return p.closeBoard(v, op, env, now)
	case *CreateNote:
		return p.createNote(v, op, env, now)
	case *CreateGroup:
		return p.createGroup(v, op, env, now)
	case *SetGroupTitle:
		return p.setGroupTitle(v, op, env, now)
	case *AssignNote:
		return p.assignNote(v, op, env, now)
	case *UnassignNote:
		return p.unassignNote(v, op, env, now)
	case *CastVote:
		return p.castVote(v, op, env, now)
	case *CreateActionItem:
		return p.createActionItem(v, op, env, now)
	case *CastVerificationVote:
		return p.castVerificationVote(v, op, env, now)
	case *CreateSession:
		return p.createSession(v, op, env, now)
	case *RevokeSession:
		return p.revokeSession(v, op, env)
	default:
		return fmt.Errorf("retro: unhandled operation type %T", op)
	}
}

// OpName returns the snake_case name for a discriminator, for logs and
// traces.
func OpName(disc uint8) string {
	switch disc {
	case OpInitRegistry:
		return "init_registry"
	case OpCreateBoard:
		return "create_board"
	case OpAdvanceStage:
		return "advance_stage"
	case OpCloseBoard:
		return "close_board"
	case OpCreateNote:
		return "create_note"
	case OpCreateGroup:
		return "create_group"
	case OpSetGroupTitle:
		return "set_group_title"
	case OpAssignNote:
		return "assign_note"
	case OpUnassignNote:
		return "unassign_note"
	case OpCastVote:
		return "cast_vote"
	case OpCreateActionItem:
		return "create_action_item"
	case OpCastVerificationVote:
		return "cast_verification_vote"
	case OpCreateSession:
		return "create_session"
	case OpRevokeSession:
		return "revoke_session"
	default:
		return fmt.Sprintf("op(%d)", disc)
	}
}

// requireSigner demands a direct signature from required. Delegation
// is not accepted; used for registry and session lifecycle operations.
func requireSigner(env Env, required keys.Identity, code Code) error {
	for _, s := range env.Signers {
		if s == required {
			return nil
		}
	}
	return authorizationError(code, "required signature from %s is missing", required)
}

// requireAuthorized accepts a direct signature from required, or a
// valid session token delegating one of the signers to required.
// failCode is the operation-specific code for a plain authorization
// miss; token-specific failures get their own codes.
func (p *Processor) requireAuthorized(v ledger.View, env Env, required keys.Identity, now time.Time, failCode Code) error {
	if len(env.Signers) == 0 {
		return authorizationError(CodeMissingSignature, "operation carries no signatures")
	}
	for _, s := range env.Signers {
		if s == required {
			return nil
		}
	}

	if env.SessionToken == nil {
		return authorizationError(failCode, "no signer is %s and no session token was supplied", required)
	}

	rec, err := v.Get(*env.SessionToken)
	if errors.Is(err, ledger.ErrNotFound) {
		return authorizationError(failCode, "session token %s does not exist", *env.SessionToken)
	}
	if err != nil {
		return err
	}
	tok, err := session.Unmarshal(rec.Data)
	if err != nil {
		return fmt.Errorf("retro: corrupt session token %s: %w", *env.SessionToken, err)
	}
	if tok.Address(p.program) != *env.SessionToken {
		return stateError(CodeAddressMismatch, "session token %s does not live at its derived address", *env.SessionToken)
	}

	err = session.Authorize(p.program, env.Signers, required, tok, now)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrExpired):
		return authorizationError(CodeSessionExpired, "session token expired at %d", tok.ValidUntil)
	case errors.Is(err, session.ErrWrongProgram):
		return authorizationError(CodeSessionWrongProgram, "session token is scoped to %s", tok.TargetProgram)
	case errors.Is(err, session.ErrWrongAuthority):
		return authorizationError(CodeSessionWrongAuthority, "session token authority %s is not %s", tok.Authority, required)
	default:
		return authorizationError(CodeSessionWrongSigner, "no signer matches the session token's stand-in")
	}
}

// createRecord allocates and writes a fresh record in one step.
func (p *Processor) createRecord(v ledger.View, addr keys.Address, data []byte) error {
	if err := v.Allocate(addr, p.program, len(data)); err != nil {
		if errors.Is(err, ledger.ErrOccupied) {
			return stateError(CodeRecordExists, "record %s already exists", addr)
		}
		return err
	}
	return v.Write(addr, p.program, data)
}

func (p *Processor) loadBoard(v ledger.View, addr keys.Address) (*Board, error) {
	rec, err := v.Get(addr)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, stateError(CodeRecordMissing, "board %s does not exist", addr)
	}
	if err != nil {
		return nil, err
	}
	b, err := UnmarshalBoard(rec.Data)
	if err != nil {
		return nil, fmt.Errorf("retro: corrupt board record %s: %w", addr, err)
	}

	// The board must live at the address its own fields derive.
	regAddr, _, err := RegistryAddress(p.program, b.Facilitator)
	if err != nil {
		return nil, err
	}
	derived := keys.DeriveWithBump(p.program, b.Bump, seedBoard, regAddr.Bytes(), keys.U64Seed(b.BoardIndex))
	if derived != addr {
		return nil, stateError(CodeAddressMismatch, "board %s does not live at its derived address", addr)
	}
	return b, nil
}

// requireOpenBoardAt loads the board and checks the common mutation
// preconditions: not closed and, unless stage is nil, in the given
// stage.
func (p *Processor) requireOpenBoardAt(v ledger.View, addr keys.Address, stage *Stage) (*Board, error) {
	b, err := p.loadBoard(v, addr)
	if err != nil {
		return nil, err
	}
	if b.Closed {
		return nil, stateError(CodeBoardClosed, "board %s is closed", addr)
	}
	if stage != nil && b.Stage != *stage {
		return nil, stateError(CodeInvalidStage, "board %s is in stage %s, operation requires %s", addr, b.Stage, *stage)
	}
	return b, nil
}

func stagePtr(s Stage) *Stage { return &s }

func (p *Processor) initRegistry(v ledger.View, op *InitRegistry, env Env) error {
	if err := requireSigner(env, op.Owner, CodeMissingSignature); err != nil {
		return err
	}

	addr, bump, err := RegistryAddress(p.program, op.Owner)
	if err != nil {
		return err
	}
	reg := &Registry{Owner: op.Owner, BoardCount: 0, Bump: bump}
	return p.createRecord(v, addr, reg.Marshal())
}

func (p *Processor) createBoard(v ledger.View, op *CreateBoard, env Env, now time.Time) error {
	if err := p.requireAuthorized(v, env, op.Facilitator, now, CodeNotFacilitator); err != nil {
		return err
	}

	rec, err := v.Get(op.Registry)
	if errors.Is(err, ledger.ErrNotFound) {
		return stateError(CodeRecordMissing, "registry %s does not exist", op.Registry)
	}
	if err != nil {
		return err
	}
	reg, err := UnmarshalRegistry(rec.Data)
	if err != nil {
		return fmt.Errorf("retro: corrupt registry record %s: %w", op.Registry, err)
	}
	if reg.Owner != op.Facilitator {
		return authorizationError(CodeNotFacilitator, "registry %s belongs to %s", op.Registry, reg.Owner)
	}

	if len(op.Categories) == 0 {
		return validationError(CodeNoCategories, "board needs at least one category")
	}
	if len(op.Categories) > MaxCategories {
		return validationError(CodeTooManyCategories, "%d categories exceeds the maximum of %d", len(op.Categories), MaxCategories)
	}
	categories := make([]string, len(op.Categories))
	for i, c := range op.Categories {
		c = normalizeText(c)
		if n := charCount(c); n > MaxCategoryChars {
			return validationError(CodeCategoryNameTooLong, "category %d is %d characters, max %d", i, n, MaxCategoryChars)
		}
		categories[i] = c
	}
	if len(op.Allowlist) > MaxAllowlist {
		return validationError(CodeTooManyParticipants, "%d participants exceeds the maximum of %d", len(op.Allowlist), MaxAllowlist)
	}

	credits := uint8(DefaultVotingCredits)
	if op.Credits != nil {
		credits = *op.Credits
	}

	boardAddr, bump, err := BoardAddress(p.program, op.Registry, reg.BoardCount)
	if err != nil {
		return err
	}
	board := &Board{
		Facilitator:    op.Facilitator,
		BoardIndex:     reg.BoardCount,
		Stage:          StageSetup,
		Categories:     categories,
		Allowlist:      op.Allowlist,
		VotingCredits:  credits,
		CreatedAt:      now.Unix(),
		StageChangedAt: now.Unix(),
		Bump:           bump,
	}
	if err := p.createRecord(v, boardAddr, board.Marshal()); err != nil {
		return err
	}

	reg.BoardCount++
	return v.Write(op.Registry, p.program, reg.Marshal())
}

func (p *Processor) advanceStage(v ledger.View, op *AdvanceStage, env Env, now time.Time) error {
	board, err := p.requireOpenBoardAt(v, op.Board, nil)
	if err != nil {
		return err
	}
	if err := p.requireAuthorized(v, env, board.Facilitator, now, CodeNotFacilitator); err != nil {
		return err
	}
	if !op.Stage.Valid() {
		return validationError(CodeInvalidStageValue, "%d does not name a stage", uint8(op.Stage))
	}
	if !board.Stage.CanAdvanceTo(op.Stage) {
		return stateError(CodeInvalidStageTransition, "cannot advance from %s to %s", board.Stage, op.Stage)
	}

	board.Stage = op.Stage
	board.StageChangedAt = now.Unix()
	return v.Write(op.Board, p.program, board.Marshal())
}

func (p *Processor) closeBoard(v ledger.View, op *CloseBoard, env Env, now time.Time) error {
	board, err := p.requireOpenBoardAt(v, op.Board, nil)
	if err != nil {
		return err
	}
	if err := p.requireAuthorized(v, env, board.Facilitator, now, CodeNotFacilitator); err != nil {
		return err
	}
	// Closure is only reachable from the final stage, so a closed board
	// always reflects a completed flow.
	if board.Stage != StageDiscuss {
		return stateError(CodeInvalidStage, "board %s is in stage %s, closure requires %s", op.Board, board.Stage, StageDiscuss)
	}

	board.Closed = true
	return v.Write(op.Board, p.program, board.Marshal())
}

func (p *Processor) createNote(v ledger.View, op *CreateNote, env Env, now time.Time) error {
	board, err := p.requireOpenBoardAt(v, op.Board, stagePtr(StageWriteNotes))
	if err != nil {
		return err
	}
	if !board.IsAllowed(op.Author) {
		return authorizationError(CodeNotOnAllowlist, "author %s is not on the allowlist", op.Author)
	}
	if err := p.requireAuthorized(v, env, op.Author, now, CodeNotOnAllowlist); err != nil {
		return err
	}

	if int(op.CategoryID) >= len(board.Categories) {
		return validationError(CodeInvalidCategory, "category %d is outside the board's %d categories", op.CategoryID, len(board.Categories))
	}
	content := normalizeText(op.Content)
	if n := charCount(content); n > MaxNoteChars {
		return validationError(CodeNoteTooLong, "note is %d characters, max %d", n, MaxNoteChars)
	}

	noteAddr, bump, err := NoteAddress(p.program, op.Board, board.NoteCount)
	if err != nil {
		return err
	}
	note := &Note{
		Board:      op.Board,
		NoteID:     board.NoteCount,
		Author:     op.Author,
		CategoryID: op.CategoryID,
		Content:    content,
		CreatedAt:  now.Unix(),
		Bump:       bump,
	}
	if err := p.createRecord(v, noteAddr, note.Marshal()); err != nil {
		return err
	}

	board.NoteCount++
	return v.Write(op.Board, p.program, board.Marshal())
}

func (p *Processor) createGroup(v ledger.View, op *CreateGroup, env Env, now time.Time) error {
	board, err := p.requireOpenBoardAt(v, op.Board, stagePtr(StageGroupDuplicates))
	if err != nil {
		return err
	}
	if !board.IsAllowed(op.Creator) {
		return authorizationError(CodeNotOnAllowlist, "creator %s is not on the allowlist", op.Creator)
	}
	if err := p.requireAuthorized(v, env, op.Creator, now, CodeNotOnAllowlist); err != nil {
		return err
	}

	title := normalizeText(op.Title)
	if n := charCount(title); n > MaxGroupTitleChars {
		return validationError(CodeGroupTitleTooLong, "title is %d characters, max %d", n, MaxGroupTitleChars)
	}

	groupAddr, bump, err := GroupAddress(p.program, op.Board, board.GroupCount)
	if err != nil {
		return err
	}
	group := &Group{
		Board:     op.Board,
		GroupID:   board.GroupCount,
		Title:     title,
		CreatedBy: op.Creator,
		Bump:      bump,
	}
	if err := p.createRecord(v, groupAddr, group.Marshal()); err != nil {
		return err
	}

	board.GroupCount++
	return v.Write(op.Board, p.program, board.Marshal())
}

func (p *Processor) loadGroup(v ledger.View, board keys.Address, groupID uint64) (*Group, keys.Address, error) {
	addr, _, err := GroupAddress(p.program, board, groupID)
	if err != nil {
		return nil, keys.Address{}, err
	}
	rec, err := v.Get(addr)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, keys.Address{}, stateError(CodeRecordMissing, "group %d does not exist on board %s", groupID, board)
	}
	if err != nil {
		return nil, keys.Address{}, err
	}
	g, err := UnmarshalGroup(rec.Data)
	if err != nil {
		return nil, keys.Address{}, fmt.Errorf("retro: corrupt group record %s: %w", addr, err)
	}
	if g.Board != board {
		return nil, keys.Address{}, stateError(CodeParentMismatch, "group %d declares parent %s, not %s", groupID, g.Board, board)
	}
	return g, addr, nil
}

func (p *Processor) loadNote(v ledger.View, board keys.Address, noteID uint64) (*Note, keys.Address, error) {
	addr, _, err := NoteAddress(p.program, board, noteID)
	if err != nil {
		return nil, keys.Address{}, err
	}
	rec, err := v.Get(addr)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, keys.Address{}, stateError(CodeRecordMissing, "note %d does not exist on board %s", noteID, board)
	}
	if err != nil {
		return nil, keys.Address{}, err
	}
	n, err := UnmarshalNote(rec.Data)
	if err != nil {
		return nil, keys.Address{}, fmt.Errorf("retro: corrupt note record %s: %w", addr, err)
	}
	if n.Board != board {
		return nil, keys.Address{}, stateError(CodeParentMismatch, "note %d declares parent %s, not %s", noteID, n.Board, board)
	}
	return n, addr, nil
}

func (p *Processor) setGroupTitle(v ledger.View, op *SetGroupTitle, env Env, now time.Time) error {
	board, err := p.requireOpenBoardAt(v, op.Board, nil)
	if err != nil {
		return err
	}
	if !board.IsAllowed(op.Participant) {
		return authorizationError(CodeNotOnAllowlist, "participant %s is not on the allowlist", op.Participant)
	}
	if err := p.requireAuthorized(v, env, op.Participant, now, CodeNotOnAllowlist); err != nil {
		return err
	}

	group, groupAddr, err := p.loadGroup(v, op.Board, op.GroupID)
	if err != nil {
		return err
	}

	title := normalizeText(op.Title)
	if n := charCount(title); n > MaxGroupTitleChars {
		return validationError(CodeGroupTitleTooLong, "title is %d characters, max %d", n, MaxGroupTitleChars)
	}

	group.Title = title
	return v.Write(groupAddr, p.program, group.Marshal())
}

func (p *Processor) assignNote(v ledger.View, op *AssignNote, env Env, now time.Time) error {
	board, err := p.requireOpenBoardAt(v, op.Board, stagePtr(StageGroupDuplicates))
	if err != nil {
		return err
	}
	if !board.IsAllowed(op.Participant) {
		return authorizationError(CodeNotOnAllowlist, "participant %s is not on the allowlist", op.Participant)
	}
	if err := p.requireAuthorized(v, env, op.Participant, now, CodeNotOnAllowlist); err != nil {
		return err
	}

	note, noteAddr, err := p.loadNote(v, op.Board, op.NoteID)
	if err != nil {
		return err
	}
	if note.GroupID != nil {
		return stateError(CodeNoteAlreadyGrouped, "note %d is already in group %d", op.NoteID, *note.GroupID)
	}
	if _, _, err := p.loadGroup(v, op.Board, op.GroupID); err != nil {
		return err
	}

	groupID := op.GroupID
	note.GroupID = &groupID
	return v.Write(noteAddr, p.program, note.Marshal())
}

func (p *Processor) unassignNote(v ledger.View, op *UnassignNote, env Env, now time.Time) error {
	board, err := p.requireOpenBoardAt(v, op.Board, stagePtr(StageGroupDuplicates))
	if err != nil {
		return err
	}
	if !board.IsAllowed(op.Participant) {
		return authorizationError(CodeNotOnAllowlist, "participant %s is not on the allowlist", op.Participant)
	}
	if err := p.requireAuthorized(v, env, op.Participant, now, CodeNotOnAllowlist); err != nil {
		return err
	}

	note, noteAddr, err := p.loadNote(v, op.Board, op.NoteID)
	if err != nil {
		return err
	}
	if note.GroupID == nil {
		return stateError(CodeNoteNotGrouped, "note %d is not in any group", op.NoteID)
	}

	note.GroupID = nil
	return v.Write(noteAddr, p.program, note.Marshal())
}

// loadOrNewMembership fetches the (board, participant) membership,
// creating a zeroed one on first contact. The bool reports whether the
// record is new and still needs allocation.
func (p *Processor) loadOrNewMembership(v ledger.View, board keys.Address, participant keys.Identity) (*Membership, keys.Address, bool, error) {
	addr, bump, err := MembershipAddress(p.program, board, participant)
	if err != nil {
		return nil, keys.Address{}, false, err
	}
	rec, err := v.Get(addr)
	if errors.Is(err, ledger.ErrNotFound) {
		m := &Membership{Board: board, Participant: participant, Bump: bump}
		return m, addr, true, nil
	}
	if err != nil {
		return nil, keys.Address{}, false, err
	}
	m, err := UnmarshalMembership(rec.Data)
	if err != nil {
		return nil, keys.Address{}, false, fmt.Errorf("retro: corrupt membership record %s: %w", addr, err)
	}
	return m, addr, false, nil
}

// storeRecord writes a record, allocating first when it is new.
func (p *Processor) storeRecord(v ledger.View, addr keys.Address, data []byte, isNew bool) error {
	if isNew {
		return p.createRecord(v, addr, data)
	}
	return v.Write(addr, p.program, data)
}

func (p *Processor) castVote(v ledger.View, op *CastVote, env Env, now time.Time) error {
	board, err := p.requireOpenBoardAt(v, op.Board, stagePtr(StageVote))
	if err != nil {
		return err
	}
	if !board.IsAllowed(op.Participant) {
		return authorizationError(CodeNotOnAllowlist, "participant %s is not on the allowlist", op.Participant)
	}
	if err := p.requireAuthorized(v, env, op.Participant, now, CodeNotOnAllowlist); err != nil {
		return err
	}
	if op.Delta == 0 {
		return validationError(CodeZeroCreditDelta, "credit delta must be positive")
	}

	group, groupAddr, err := p.loadGroup(v, op.Board, op.GroupID)
	if err != nil {
		return err
	}

	membership, memberAddr, newMember, err := p.loadOrNewMembership(v, op.Board, op.Participant)
	if err != nil {
		return err
	}

	// Budget check in int so an oversized delta cannot wrap uint8.
	if int(membership.CreditsSpent)+int(op.Delta) > int(board.VotingCredits) {
		return budgetError(CodeInsufficientCredits, "%d spent + %d requested exceeds budget of %d",
			membership.CreditsSpent, op.Delta, board.VotingCredits)
	}

	voteAddr, voteBump, err := VoteRecordAddress(p.program, op.Board, op.Participant, op.GroupID)
	if err != nil {
		return err
	}
	var (
		vote    *VoteRecord
		newVote bool
	)
	voteRec, err := v.Get(voteAddr)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		vote = &VoteRecord{Board: op.Board, Participant: op.Participant, GroupID: op.GroupID, Bump: voteBump}
		newVote = true
	case err != nil:
		return err
	default:
		vote, err = UnmarshalVoteRecord(voteRec.Data)
		if err != nil {
			return fmt.Errorf("retro: corrupt vote record %s: %w", voteAddr, err)
		}
	}

	membership.CreditsSpent += op.Delta
	vote.CreditsSpent += op.Delta
	group.VoteTally += uint64(op.Delta)

	if err := p.storeRecord(v, memberAddr, membership.Marshal(), newMember); err != nil {
		return err
	}
	if err := p.storeRecord(v, voteAddr, vote.Marshal(), newVote); err != nil {
		return err
	}
	return v.Write(groupAddr, p.program, group.Marshal())
}

func (p *Processor) createActionItem(v ledger.View, op *CreateActionItem, env Env, now time.Time) error {
	board, err := p.requireOpenBoardAt(v, op.Board, stagePtr(StageDiscuss))
	if err != nil {
		return err
	}
	if err := p.requireAuthorized(v, env, board.Facilitator, now, CodeNotFacilitator); err != nil {
		return err
	}

	description := normalizeText(op.Description)
	if n := charCount(description); n > MaxActionDescChars {
		return validationError(CodeDescriptionTooLong, "description is %d characters, max %d", n, MaxActionDescChars)
	}
	if !board.IsAllowed(op.Owner) {
		return authorizationError(CodeNotOnAllowlist, "owner %s is not on the allowlist", op.Owner)
	}
	if len(op.Verifiers) > MaxVerifiers {
		return validationError(CodeTooManyVerifiers, "%d verifiers exceeds the maximum of %d", len(op.Verifiers), MaxVerifiers)
	}
	if op.Threshold < 1 {
		return validationError(CodeThresholdTooLow, "threshold must be at least 1")
	}
	if int(op.Threshold) > len(op.Verifiers) {
		return validationError(CodeThresholdTooHigh, "threshold %d exceeds %d verifiers", op.Threshold, len(op.Verifiers))
	}
	for _, verifier := range op.Verifiers {
		if verifier == op.Owner {
			return validationError(CodeOwnerIsVerifier, "owner %s cannot verify their own item", op.Owner)
		}
		if !board.IsAllowed(verifier) {
			return authorizationError(CodeNotOnAllowlist, "verifier %s is not on the allowlist", verifier)
		}
	}

	itemAddr, bump, err := ActionItemAddress(p.program, op.Board, board.ActionItemCount)
	if err != nil {
		return err
	}
	item := &ActionItem{
		Board:        op.Board,
		ActionItemID: board.ActionItemCount,
		Description:  description,
		Owner:        op.Owner,
		Verifiers:    op.Verifiers,
		Threshold:    op.Threshold,
		Status:       StatusPending,
		CreatedAt:    now.Unix(),
		Bump:         bump,
	}
	if err := p.createRecord(v, itemAddr, item.Marshal()); err != nil {
		return err
	}

	board.ActionItemCount++
	return v.Write(op.Board, p.program, board.Marshal())
}

func (p *Processor) castVerificationVote(v ledger.View, op *CastVerificationVote, env Env, now time.Time) error {
	board, err := p.loadBoard(v, op.Board)
	if err != nil {
		return err
	}
	// Verification is the one protocol that only runs after closure.
	if !board.Closed {
		return stateError(CodeBoardNotClosed, "board %s is still open", op.Board)
	}

	itemAddr, _, err := ActionItemAddress(p.program, op.Board, op.ActionItemID)
	if err != nil {
		return err
	}
	itemRec, err := v.Get(itemAddr)
	if errors.Is(err, ledger.ErrNotFound) {
		return stateError(CodeRecordMissing, "action item %d does not exist on board %s", op.ActionItemID, op.Board)
	}
	if err != nil {
		return err
	}
	item, err := UnmarshalActionItem(itemRec.Data)
	if err != nil {
		return fmt.Errorf("retro: corrupt action item record %s: %w", itemAddr, err)
	}
	if item.Board != op.Board {
		return stateError(CodeParentMismatch, "action item %d declares parent %s, not %s", op.ActionItemID, item.Board, op.Board)
	}

	if !item.HasVerifier(op.Verifier) {
		return authorizationError(CodeNotAVerifier, "%s is not a named verifier for item %d", op.Verifier, op.ActionItemID)
	}
	if err := p.requireAuthorized(v, env, op.Verifier, now, CodeNotAVerifier); err != nil {
		return err
	}

	voteAddr, voteBump, err := VerificationVoteAddress(p.program, itemAddr, op.Verifier)
	if err != nil {
		return err
	}
	vote := &VerificationVote{
		ActionItem: itemAddr,
		Verifier:   op.Verifier,
		Approved:   op.Approved,
		VotedAt:    now.Unix(),
		Bump:       voteBump,
	}
	// One vote per verifier; a repeat collides at allocation.
	if err := p.createRecord(v, voteAddr, vote.Marshal()); err != nil {
		return err
	}

	if !op.Approved {
		return nil
	}

	item.Approvals++
	// Completion fires exactly once, on the approval that first reaches
	// the threshold. Later approvals still count but never re-reward.
	if item.Status == StatusPending && item.Approvals >= item.Threshold {
		item.Status = StatusCompleted
		completedAt := now.Unix()
		item.CompletedAt = &completedAt

		membership, memberAddr, newMember, err := p.loadOrNewMembership(v, op.Board, item.Owner)
		if err != nil {
			return err
		}
		membership.TotalScore += CompletionReward
		if err := p.storeRecord(v, memberAddr, membership.Marshal(), newMember); err != nil {
			return err
		}
	}
	return v.Write(itemAddr, p.program, item.Marshal())
}

func (p *Processor) createSession(v ledger.View, op *CreateSession, env Env, now time.Time) error {
	// Both parties must sign directly: the authority consents and the
	// stand-in proves possession of its key.
	if err := requireSigner(env, op.Authority, CodeMissingSignature); err != nil {
		return err
	}
	if err := requireSigner(env, op.SessionSigner, CodeMissingSignature); err != nil {
		return err
	}

	addr, bump, err := session.TokenAddress(p.program, p.program, op.SessionSigner, op.Authority)
	if err != nil {
		return err
	}
	tok := &session.Token{
		Authority:     op.Authority,
		TargetProgram: p.program,
		SessionSigner: op.SessionSigner,
		ValidUntil:    now.Add(session.Validity(op.ValidFor)).Unix(),
		Bump:          bump,
	}
	return p.createRecord(v, addr, tok.Marshal())
}

func (p *Processor) revokeSession(v ledger.View, op *RevokeSession, env Env) error {
	if err := requireSigner(env, op.Authority, CodeNotAuthorizer); err != nil {
		return err
	}

	addr, _, err := session.TokenAddress(p.program, p.program, op.SessionSigner, op.Authority)
	if err != nil {
		return err
	}
	rec, err := v.Get(addr)
	if errors.Is(err, ledger.ErrNotFound) {
		return stateError(CodeRecordMissing, "session token %s does not exist", addr)
	}
	if err != nil {
		return err
	}
	tok, err := session.Unmarshal(rec.Data)
	if err != nil {
		return fmt.Errorf("retro: corrupt session token %s: %w", addr, err)
	}
	if tok.Authority != op.Authority {
		return authorizationError(CodeNotAuthorizer, "token authority is %s", tok.Authority)
	}

	// Destroying the token returns its deposit to the authority.
	return v.CloseRecord(addr, p.program, op.Authority)
}
