package retro

import (
	"fmt"

	"github.com/roach88/retroboard/internal/keys"
	"github.com/roach88/retroboard/internal/wire"
)

// Operation discriminators. The set is closed: the processor switches
// exhaustively and the frame decoder rejects anything else.
const (
	OpInitRegistry         uint8 = 0
	OpCreateBoard          uint8 = 1
	OpAdvanceStage         uint8 = 2
	OpCloseBoard           uint8 = 3
	OpCreateNote           uint8 = 4
	OpCreateGroup          uint8 = 5
	OpSetGroupTitle        uint8 = 6
	OpAssignNote           uint8 = 7
	OpUnassignNote         uint8 = 8
	OpCastVote             uint8 = 9
	OpCreateActionItem     uint8 = 10
	OpCastVerificationVote uint8 = 11
	OpCreateSession        uint8 = 12
	OpRevokeSession        uint8 = 13
)

// Operation is one submitted instruction: a discriminator, the 32-byte
// context entries naming the principal and records it touches, and a
// typed payload.
//
// The frame layout is:
//
//	discriminator u8 | context count u32 | context entries (32 bytes each) | payload
//
// Context entries come first and are untyped on the wire; each
// operation knows which positions are identities and which are
// addresses. Payload fields follow in declared order.
type Operation interface {
	// Discriminator returns the operation's wire tag.
	Discriminator() uint8

	context() [][32]byte
	encodePayload(e *wire.Encoder)
}

// MarshalOperation encodes an operation frame.
func MarshalOperation(op Operation) []byte {
	var e wire.Encoder
	e.U8(op.Discriminator())
	ctx := op.context()
	e.U32(uint32(len(ctx)))
	for _, c := range ctx {
		e.Bytes32(c)
	}
	op.encodePayload(&e)
	return e.Bytes()
}

// maxContextEntries bounds the context list so a corrupt count prefix
// cannot drive a huge allocation.
const maxContextEntries = 4

// UnmarshalOperation decodes an operation frame back into its typed
// form. The frame must be exactly one operation; trailing bytes are an
// error.
func UnmarshalOperation(frame []byte) (Operation, error) {
	d := wire.NewDecoder(frame)
	disc := d.U8()

	n := d.U32()
	if d.Err() == nil && n > maxContextEntries {
		return nil, fmt.Errorf("retro: frame names %d context entries, max %d", n, maxContextEntries)
	}
	ctx := make([][32]byte, 0, n)
	for i := uint32(0); i < n && d.Err() == nil; i++ {
		ctx = append(ctx, d.Bytes32())
	}
	if err := d.Err(); err != nil {
		return nil, err
	}

	var (
		op  Operation
		err error
	)
	switch disc {
	case OpInitRegistry:
		op, err = decodeInitRegistry(ctx, d)
	case OpCreateBoard:
		op, err = decodeCreateBoard(ctx, d)
	case OpAdvanceStage:
		op, err = decodeAdvanceStage(ctx, d)
	case OpCloseBoard:
		op, err = decodeCloseBoard(ctx, d)
	case OpCreateNote:
		op, err = decodeCreateNote(ctx, d)
	case OpCreateGroup:
		op, err = decodeCreateGroup(ctx, d)
	case OpSetGroupTitle:
		op, err = decodeSetGroupTitle(ctx, d)
	case OpAssignNote:
		op, err = decodeAssignNote(ctx, d)
	case OpUnassignNote:
		op, err = decodeUnassignNote(ctx, d)
	case OpCastVote:
		op, err = decodeCastVote(ctx, d)
	case OpCreateActionItem:
		op, err = decodeCreateActionItem(ctx, d)
	case OpCastVerificationVote:
		op, err = decodeCastVerificationVote(ctx, d)
	case OpCreateSession:
		op, err = decodeCreateSession(ctx, d)
	case OpRevokeSession:
		op, err = decodeRevokeSession(ctx, d)
	default:
		return nil, fmt.Errorf("retro: unknown operation discriminator %d", disc)
	}
	if err != nil {
		return nil, err
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return op, nil
}

func wantContext(ctx [][32]byte, n int, name string) error {
	if len(ctx) != n {
		return fmt.Errorf("retro: %s frame carries %d context entries, want %d", name, len(ctx), n)
	}
	return nil
}

// InitRegistry creates the owner's board registry.
type InitRegistry struct {
	Owner keys.Identity
}

func (op *InitRegistry) Discriminator() uint8 { return OpInitRegistry }

func (op *InitRegistry) context() [][32]byte { return [][32]byte{op.Owner} }

func (op *InitRegistry) encodePayload(*wire.Encoder) {}

func decodeInitRegistry(ctx [][32]byte, _ *wire.Decoder) (Operation, error) {
	if err := wantContext(ctx, 1, "init_registry"); err != nil {
		return nil, err
	}
	return &InitRegistry{Owner: ctx[0]}, nil
}

// CreateBoard creates a board under the facilitator's registry, using
// the registry's current count as the board index.
type CreateBoard struct {
	Facilitator keys.Identity
	Registry    keys.Address

	Categories []string
	Allowlist  []keys.Identity
	// Credits overrides the per-participant voting budget; nil means
	// the default.
	Credits *uint8
}

func (op *CreateBoard) Discriminator() uint8 { return OpCreateBoard }

func (op *CreateBoard) context() [][32]byte {
	return [][32]byte{op.Facilitator, op.Registry}
}

func (op *CreateBoard) encodePayload(e *wire.Encoder) {
	e.U32(uint32(len(op.Categories)))
	for _, c := range op.Categories {
		e.String(c)
	}
	e.U32(uint32(len(op.Allowlist)))
	for _, p := range op.Allowlist {
		e.Bytes32(p)
	}
	e.OptionU8(op.Credits)
}

func decodeCreateBoard(ctx [][32]byte, d *wire.Decoder) (Operation, error) {
	if err := wantContext(ctx, 2, "create_board"); err != nil {
		return nil, err
	}
	op := &CreateBoard{Facilitator: ctx[0], Registry: ctx[1]}

	nCats := d.U32()
	if d.Err() == nil && nCats > MaxCategories {
		return nil, fmt.Errorf("retro: create_board frame names %d categories, max %d", nCats, MaxCategories)
	}
	for i := uint32(0); i < nCats && d.Err() == nil; i++ {
		op.Categories = append(op.Categories, d.String())
	}

	nAllow := d.U32()
	if d.Err() == nil && nAllow > MaxAllowlist {
		return nil, fmt.Errorf("retro: create_board frame names %d participants, max %d", nAllow, MaxAllowlist)
	}
	for i := uint32(0); i < nAllow && d.Err() == nil; i++ {
		op.Allowlist = append(op.Allowlist, keys.Identity(d.Bytes32()))
	}

	op.Credits = d.OptionU8()
	return op, nil
}

// AdvanceStage moves the board to the named stage, which must be the
// immediate successor of the current one.
type AdvanceStage struct {
	Facilitator keys.Identity
	Board       keys.Address

	Stage Stage
}

func (op *AdvanceStage) Discriminator() uint8 { return OpAdvanceStage }

func (op *AdvanceStage) context() [][32]byte {
	return [][32]byte{op.Facilitator, op.Board}
}

func (op *AdvanceStage) encodePayload(e *wire.Encoder) {
	e.U8(uint8(op.Stage))
}

func decodeAdvanceStage(ctx [][32]byte, d *wire.Decoder) (Operation, error) {
	if err := wantContext(ctx, 2, "advance_stage"); err != nil {
		return nil, err
	}
	return &AdvanceStage{Facilitator: ctx[0], Board: ctx[1], Stage: Stage(d.U8())}, nil
}

// CloseBoard sets the board's terminal closed flag.
type CloseBoard struct {
	Facilitator keys.Identity
	Board       keys.Address
}

func (op *CloseBoard) Discriminator() uint8 { return OpCloseBoard }

func (op *CloseBoard) context() [][32]byte {
	return [][32]byte{op.Facilitator, op.Board}
}

func (op *CloseBoard) encodePayload(*wire.Encoder) {}

func decodeCloseBoard(ctx [][32]byte, _ *wire.Decoder) (Operation, error) {
	if err := wantContext(ctx, 2, "close_board"); err != nil {
		return nil, err
	}
	return &CloseBoard{Facilitator: ctx[0], Board: ctx[1]}, nil
}

// CreateNote captures one observation under a category.
type CreateNote struct {
	Author keys.Identity
	Board  keys.Address

	CategoryID uint8
	Content    string
}

func (op *CreateNote) Discriminator() uint8 { return OpCreateNote }

func (op *CreateNote) context() [][32]byte {
	return [][32]byte{op.Author, op.Board}
}

func (op *CreateNote) encodePayload(e *wire.Encoder) {
	e.U8(op.CategoryID)
	e.String(op.Content)
}

func decodeCreateNote(ctx [][32]byte, d *wire.Decoder) (Operation, error) {
	if err := wantContext(ctx, 2, "create_note"); err != nil {
		return nil, err
	}
	return &CreateNote{
		Author:     ctx[0],
		Board:      ctx[1],
		CategoryID: d.U8(),
		Content:    d.String(),
	}, nil
}

// CreateGroup opens a new duplicate cluster.
type CreateGroup struct {
	Creator keys.Identity
	Board   keys.Address

	Title string
}

func (op *CreateGroup) Discriminator() uint8 { return OpCreateGroup }

func (op *CreateGroup) context() [][32]byte {
	return [][32]byte{op.Creator, op.Board}
}

func (op *CreateGroup) encodePayload(e *wire.Encoder) {
	e.String(op.Title)
}

func decodeCreateGroup(ctx [][32]byte, d *wire.Decoder) (Operation, error) {
	if err := wantContext(ctx, 2, "create_group"); err != nil {
		return nil, err
	}
	return &CreateGroup{Creator: ctx[0], Board: ctx[1], Title: d.String()}, nil
}

// SetGroupTitle renames an existing group.
type SetGroupTitle struct {
	Participant keys.Identity
	Board       keys.Address

	GroupID uint64
	Title   string
}

func (op *SetGroupTitle) Discriminator() uint8 { return OpSetGroupTitle }

func (op *SetGroupTitle) context() [][32]byte {
	return [][32]byte{op.Participant, op.Board}
}

func (op *SetGroupTitle) encodePayload(e *wire.Encoder) {
	e.U64(op.GroupID)
	e.String(op.Title)
}

func decodeSetGroupTitle(ctx [][32]byte, d *wire.Decoder) (Operation, error) {
	if err := wantContext(ctx, 2, "set_group_title"); err != nil {
		return nil, err
	}
	return &SetGroupTitle{
		Participant: ctx[0],
		Board:       ctx[1],
		GroupID:     d.U64(),
		Title:       d.String(),
	}, nil
}

// AssignNote places an ungrouped note into a group.
type AssignNote struct {
	Participant keys.Identity
	Board       keys.Address

	NoteID  uint64
	GroupID uint64
}

func (op *AssignNote) Discriminator() uint8 { return OpAssignNote }

func (op *AssignNote) context() [][32]byte {
	return [][32]byte{op.Participant, op.Board}
}

func (op *AssignNote) encodePayload(e *wire.Encoder) {
	e.U64(op.NoteID)
	e.U64(op.GroupID)
}

func decodeAssignNote(ctx [][32]byte, d *wire.Decoder) (Operation, error) {
	if err := wantContext(ctx, 2, "assign_note"); err != nil {
		return nil, err
	}
	return &AssignNote{
		Participant: ctx[0],
		Board:       ctx[1],
		NoteID:      d.U64(),
		GroupID:     d.U64(),
	}, nil
}

// UnassignNote clears a note's group assignment.
type UnassignNote struct {
	Participant keys.Identity
	Board       keys.Address

	NoteID uint64
}

func (op *UnassignNote) Discriminator() uint8 { return OpUnassignNote }

func (op *UnassignNote) context() [][32]byte {
	return [][32]byte{op.Participant, op.Board}
}

func (op *UnassignNote) encodePayload(e *wire.Encoder) {
	e.U64(op.NoteID)
}

func decodeUnassignNote(ctx [][32]byte, d *wire.Decoder) (Operation, error) {
	if err := wantContext(ctx, 2, "unassign_note"); err != nil {
		return nil, err
	}
	return &UnassignNote{Participant: ctx[0], Board: ctx[1], NoteID: d.U64()}, nil
}

// CastVote spends credits on a group.
type CastVote struct {
	Participant keys.Identity
	Board       keys.Address

	GroupID uint64
	Delta   uint8
}

func (op *CastVote) Discriminator() uint8 { return OpCastVote }

func (op *CastVote) context() [][32]byte {
	return [][32]byte{op.Participant, op.Board}
}

func (op *CastVote) encodePayload(e *wire.Encoder) {
	e.U64(op.GroupID)
	e.U8(op.Delta)
}

func decodeCastVote(ctx [][32]byte, d *wire.Decoder) (Operation, error) {
	if err := wantContext(ctx, 2, "cast_vote"); err != nil {
		return nil, err
	}
	return &CastVote{
		Participant: ctx[0],
		Board:       ctx[1],
		GroupID:     d.U64(),
		Delta:       d.U8(),
	}, nil
}

// CreateActionItem records a commitment with its verifier protocol.
type CreateActionItem struct {
	Facilitator keys.Identity
	Board       keys.Address

	Description string
	Owner       keys.Identity
	Verifiers   []keys.Identity
	Threshold   uint8
}

func (op *CreateActionItem) Discriminator() uint8 { return OpCreateActionItem }

func (op *CreateActionItem) context() [][32]byte {
	return [][32]byte{op.Facilitator, op.Board}
}

func (op *CreateActionItem) encodePayload(e *wire.Encoder) {
	e.String(op.Description)
	e.Bytes32(op.Owner)
	e.U32(uint32(len(op.Verifiers)))
	for _, v := range op.Verifiers {
		e.Bytes32(v)
	}
	e.U8(op.Threshold)
}

func decodeCreateActionItem(ctx [][32]byte, d *wire.Decoder) (Operation, error) {
	if err := wantContext(ctx, 2, "create_action_item"); err != nil {
		return nil, err
	}
	op := &CreateActionItem{Facilitator: ctx[0], Board: ctx[1]}
	op.Description = d.String()
	op.Owner = d.Bytes32()

	nVerifiers := d.U32()
	if d.Err() == nil && nVerifiers > MaxVerifiers {
		return nil, fmt.Errorf("retro: create_action_item frame names %d verifiers, max %d", nVerifiers, MaxVerifiers)
	}
	for i := uint32(0); i < nVerifiers && d.Err() == nil; i++ {
		op.Verifiers = append(op.Verifiers, keys.Identity(d.Bytes32()))
	}

	op.Threshold = d.U8()
	return op, nil
}

// CastVerificationVote casts one verifier's approval or rejection.
type CastVerificationVote struct {
	Verifier keys.Identity
	Board    keys.Address

	ActionItemID uint64
	Approved     bool
}

func (op *CastVerificationVote) Discriminator() uint8 { return OpCastVerificationVote }

func (op *CastVerificationVote) context() [][32]byte {
	return [][32]byte{op.Verifier, op.Board}
}

func (op *CastVerificationVote) encodePayload(e *wire.Encoder) {
	e.U64(op.ActionItemID)
	e.Bool(op.Approved)
}

func decodeCastVerificationVote(ctx [][32]byte, d *wire.Decoder) (Operation, error) {
	if err := wantContext(ctx, 2, "cast_verification_vote"); err != nil {
		return nil, err
	}
	return &CastVerificationVote{
		Verifier:     ctx[0],
		Board:        ctx[1],
		ActionItemID: d.U64(),
		Approved:     d.Bool(),
	}, nil
}

// CreateSession mints a delegation token: the authority lends its
// standing to the freshly generated session signer until the expiry.
type CreateSession struct {
	Authority     keys.Identity
	SessionSigner keys.Identity

	// ValidFor is the requested validity in seconds; nil means the
	// default. Values above the maximum are clamped, not rejected.
	ValidFor *int64
}

func (op *CreateSession) Discriminator() uint8 { return OpCreateSession }

func (op *CreateSession) context() [][32]byte {
	return [][32]byte{op.Authority, op.SessionSigner}
}

func (op *CreateSession) encodePayload(e *wire.Encoder) {
	e.OptionI64(op.ValidFor)
}

func decodeCreateSession(ctx [][32]byte, d *wire.Decoder) (Operation, error) {
	if err := wantContext(ctx, 2, "create_session"); err != nil {
		return nil, err
	}
	return &CreateSession{
		Authority:     ctx[0],
		SessionSigner: ctx[1],
		ValidFor:      d.OptionI64(),
	}, nil
}

// RevokeSession destroys a token early and returns its deposit to the
// authority.
type RevokeSession struct {
	Authority     keys.Identity
	SessionSigner keys.Identity
}

func (op *RevokeSession) Discriminator() uint8 { return OpRevokeSession }

func (op *RevokeSession) context() [][32]byte {
	return [][32]byte{op.Authority, op.SessionSigner}
}

func (op *RevokeSession) encodePayload(*wire.Encoder) {}

func decodeRevokeSession(ctx [][32]byte, _ *wire.Decoder) (Operation, error) {
	if err := wantContext(ctx, 2, "revoke_session"); err != nil {
		return nil, err
	}
	return &RevokeSession{Authority: ctx[0], SessionSigner: ctx[1]}, nil
}
