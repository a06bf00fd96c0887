package retro

import (
	"fmt"

	"github.com/roach88/retroboard/internal/keys"
	"github.com/roach88/retroboard/internal/wire"
)

// Record kind tags. Every record's first byte names its family so a
// decoder can refuse bytes from the wrong family before reading fields.
const (
	kindRegistry         uint8 = 1
	kindBoard            uint8 = 2
	kindNote             uint8 = 3
	kindGroup            uint8 = 4
	kindMembership       uint8 = 5
	kindVoteRecord       uint8 = 6
	kindActionItem       uint8 = 7
	kindVerificationVote uint8 = 8
)

func expectKind(d *wire.Decoder, want uint8) error {
	if got := d.U8(); d.Err() == nil && got != want {
		return fmt.Errorf("record kind %d, expected %d", got, want)
	}
	return nil
}

// ActionItemStatus is the completion state of an action item.
type ActionItemStatus uint8

const (
	StatusPending ActionItemStatus = iota
	StatusCompleted
)

// String returns the status's lowercase name.
func (s ActionItemStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCompleted:
		return "completed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Registry scopes a facilitator's boards. Created once per owner;
// its count hands out board indices and only ever grows.
type Registry struct {
	Owner      keys.Identity
	BoardCount uint64
	Bump       uint8
}

// Marshal encodes the registry in record layout.
func (r *Registry) Marshal() []byte {
	var e wire.Encoder
	e.U8(kindRegistry)
	e.Bytes32(r.Owner)
	e.U64(r.BoardCount)
	e.U8(r.Bump)
	return e.Bytes()
}

// UnmarshalRegistry decodes a registry record.
func UnmarshalRegistry(data []byte) (*Registry, error) {
	d := wire.NewDecoder(data)
	if err := expectKind(d, kindRegistry); err != nil {
		return nil, err
	}
	r := &Registry{
		Owner:      d.Bytes32(),
		BoardCount: d.U64(),
		Bump:       d.U8(),
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return r, nil
}

// Board is the aggregate record for one retrospective run:
// configuration, stage, closure flag, and the monotonic counters that
// hand out child ids. Children reference the board by address; the
// board never holds lists of its children.
type Board struct {
	Facilitator     keys.Identity
	BoardIndex      uint64
	Stage           Stage
	Closed          bool
	Categories      []string
	Allowlist       []keys.Identity
	VotingCredits   uint8
	NoteCount       uint64
	GroupCount      uint64
	ActionItemCount uint64
	CreatedAt       int64
	StageChangedAt  int64
	Bump            uint8
}

// Marshal encodes the board in record layout.
func (b *Board) Marshal() []byte {
	var e wire.Encoder
	e.U8(kindBoard)
	e.Bytes32(b.Facilitator)
	e.U64(b.BoardIndex)
	e.U8(uint8(b.Stage))
	e.Bool(b.Closed)
	e.U32(uint32(len(b.Categories)))
	for _, c := range b.Categories {
		e.String(c)
	}
	e.U32(uint32(len(b.Allowlist)))
	for _, p := range b.Allowlist {
		e.Bytes32(p)
	}
	e.U8(b.VotingCredits)
	e.U64(b.NoteCount)
	e.U64(b.GroupCount)
	e.U64(b.ActionItemCount)
	e.I64(b.CreatedAt)
	e.I64(b.StageChangedAt)
	e.U8(b.Bump)
	return e.Bytes()
}

// UnmarshalBoard decodes a board record.
func UnmarshalBoard(data []byte) (*Board, error) {
	d := wire.NewDecoder(data)
	if err := expectKind(d, kindBoard); err != nil {
		return nil, err
	}

	b := &Board{
		Facilitator: d.Bytes32(),
		BoardIndex:  d.U64(),
		Stage:       Stage(d.U8()),
		Closed:      d.Bool(),
	}

	nCats := d.U32()
	if d.Err() == nil && nCats > MaxCategories {
		return nil, fmt.Errorf("board record names %d categories, max %d", nCats, MaxCategories)
	}
	for i := uint32(0); i < nCats && d.Err() == nil; i++ {
		b.Categories = append(b.Categories, d.String())
	}

	nAllow := d.U32()
	if d.Err() == nil && nAllow > MaxAllowlist {
		return nil, fmt.Errorf("board record names %d participants, max %d", nAllow, MaxAllowlist)
	}
	for i := uint32(0); i < nAllow && d.Err() == nil; i++ {
		b.Allowlist = append(b.Allowlist, keys.Identity(d.Bytes32()))
	}

	b.VotingCredits = d.U8()
	b.NoteCount = d.U64()
	b.GroupCount = d.U64()
	b.ActionItemCount = d.U64()
	b.CreatedAt = d.I64()
	b.StageChangedAt = d.I64()
	b.Bump = d.U8()

	if err := d.Finish(); err != nil {
		return nil, err
	}
	return b, nil
}

// IsAllowed reports whether id is on the board's allowlist.
func (b *Board) IsAllowed(id keys.Identity) bool {
	for _, p := range b.Allowlist {
		if p == id {
			return true
		}
	}
	return false
}

// Note is one captured observation on a board. The group assignment is
// single-valued: set during clustering, cleared by an explicit
// unassign, never silently replaced.
type Note struct {
	Board      keys.Address
	NoteID     uint64
	Author     keys.Identity
	CategoryID uint8
	Content    string
	CreatedAt  int64
	GroupID    *uint64
	Bump       uint8
}

// Marshal encodes the note in record layout.
func (n *Note) Marshal() []byte {
	var e wire.Encoder
	e.U8(kindNote)
	e.Bytes32(n.Board)
	e.U64(n.NoteID)
	e.Bytes32(n.Author)
	e.U8(n.CategoryID)
	e.String(n.Content)
	e.I64(n.CreatedAt)
	e.OptionU64(n.GroupID)
	e.U8(n.Bump)
	return e.Bytes()
}

// UnmarshalNote decodes a note record.
func UnmarshalNote(data []byte) (*Note, error) {
	d := wire.NewDecoder(data)
	if err := expectKind(d, kindNote); err != nil {
		return nil, err
	}
	n := &Note{
		Board:      d.Bytes32(),
		NoteID:     d.U64(),
		Author:     d.Bytes32(),
		CategoryID: d.U8(),
		Content:    d.String(),
		CreatedAt:  d.I64(),
		GroupID:    d.OptionU64(),
		Bump:       d.U8(),
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return n, nil
}

// Group is a cluster of duplicate notes with a running vote tally.
type Group struct {
	Board     keys.Address
	GroupID   uint64
	Title     string
	CreatedBy keys.Identity
	VoteTally uint64
	Bump      uint8
}

// Marshal encodes the group in record layout.
func (g *Group) Marshal() []byte {
	var e wire.Encoder
	e.U8(kindGroup)
	e.Bytes32(g.Board)
	e.U64(g.GroupID)
	e.String(g.Title)
	e.Bytes32(g.CreatedBy)
	e.U64(g.VoteTally)
	e.U8(g.Bump)
	return e.Bytes()
}

// UnmarshalGroup decodes a group record.
func UnmarshalGroup(data []byte) (*Group, error) {
	d := wire.NewDecoder(data)
	if err := expectKind(d, kindGroup); err != nil {
		return nil, err
	}
	g := &Group{
		Board:     d.Bytes32(),
		GroupID:   d.U64(),
		Title:     d.String(),
		CreatedBy: d.Bytes32(),
		VoteTally: d.U64(),
		Bump:      d.U8(),
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return g, nil
}

// Membership is the per-(board, participant) ledger of credits spent
// and reward score. Created lazily on the participant's first
// credit-spending or reward-earning interaction.
type Membership struct {
	Board        keys.Address
	Participant  keys.Identity
	CreditsSpent uint8
	TotalScore   uint64
	Bump         uint8
}

// Marshal encodes the membership in record layout.
func (m *Membership) Marshal() []byte {
	var e wire.Encoder
	e.U8(kindMembership)
	e.Bytes32(m.Board)
	e.Bytes32(m.Participant)
	e.U8(m.CreditsSpent)
	e.U64(m.TotalScore)
	e.U8(m.Bump)
	return e.Bytes()
}

// UnmarshalMembership decodes a membership record.
func UnmarshalMembership(data []byte) (*Membership, error) {
	d := wire.NewDecoder(data)
	if err := expectKind(d, kindMembership); err != nil {
		return nil, err
	}
	m := &Membership{
		Board:        d.Bytes32(),
		Participant:  d.Bytes32(),
		CreditsSpent: d.U8(),
		TotalScore:   d.U64(),
		Bump:         d.U8(),
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return m, nil
}

// VoteRecord accumulates one participant's credits on one group.
type VoteRecord struct {
	Board        keys.Address
	Participant  keys.Identity
	GroupID      uint64
	CreditsSpent uint8
	Bump         uint8
}

// Marshal encodes the vote record in record layout.
func (v *VoteRecord) Marshal() []byte {
	var e wire.Encoder
	e.U8(kindVoteRecord)
	e.Bytes32(v.Board)
	e.Bytes32(v.Participant)
	e.U64(v.GroupID)
	e.U8(v.CreditsSpent)
	e.U8(v.Bump)
	return e.Bytes()
}

// UnmarshalVoteRecord decodes a vote record.
func UnmarshalVoteRecord(data []byte) (*VoteRecord, error) {
	d := wire.NewDecoder(data)
	if err := expectKind(d, kindVoteRecord); err != nil {
		return nil, err
	}
	v := &VoteRecord{
		Board:        d.Bytes32(),
		Participant:  d.Bytes32(),
		GroupID:      d.U64(),
		CreditsSpent: d.U8(),
		Bump:         d.U8(),
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return v, nil
}

// ActionItem is a tracked commitment: an owner, a bounded verifier
// list, and an approval threshold. The verifier list and threshold are
// validated once at creation and never change.
type ActionItem struct {
	Board        keys.Address
	ActionItemID uint64
	Description  string
	Owner        keys.Identity
	Verifiers    []keys.Identity
	Threshold    uint8
	Approvals    uint8
	Status       ActionItemStatus
	CreatedAt    int64
	CompletedAt  *int64
	Bump         uint8
}

// Marshal encodes the action item in record layout.
func (a *ActionItem) Marshal() []byte {
	var e wire.Encoder
	e.U8(kindActionItem)
	e.Bytes32(a.Board)
	e.U64(a.ActionItemID)
	e.String(a.Description)
	e.Bytes32(a.Owner)
	e.U32(uint32(len(a.Verifiers)))
	for _, v := range a.Verifiers {
		e.Bytes32(v)
	}
	e.U8(a.Threshold)
	e.U8(a.Approvals)
	e.U8(uint8(a.Status))
	e.I64(a.CreatedAt)
	e.OptionI64(a.CompletedAt)
	e.U8(a.Bump)
	return e.Bytes()
}

// UnmarshalActionItem decodes an action item record.
func UnmarshalActionItem(data []byte) (*ActionItem, error) {
	d := wire.NewDecoder(data)
	if err := expectKind(d, kindActionItem); err != nil {
		return nil, err
	}

	a := &ActionItem{
		Board:        d.Bytes32(),
		ActionItemID: d.U64(),
		Description:  d.String(),
		Owner:        d.Bytes32(),
	}

	nVerifiers := d.U32()
	if d.Err() == nil && nVerifiers > MaxVerifiers {
		return nil, fmt.Errorf("action item record names %d verifiers, max %d", nVerifiers, MaxVerifiers)
	}
	for i := uint32(0); i < nVerifiers && d.Err() == nil; i++ {
		a.Verifiers = append(a.Verifiers, keys.Identity(d.Bytes32()))
	}

	a.Threshold = d.U8()
	a.Approvals = d.U8()
	a.Status = ActionItemStatus(d.U8())
	a.CreatedAt = d.I64()
	a.CompletedAt = d.OptionI64()
	a.Bump = d.U8()

	if err := d.Finish(); err != nil {
		return nil, err
	}
	return a, nil
}

// HasVerifier reports whether id is in the item's verifier list.
func (a *ActionItem) HasVerifier(id keys.Identity) bool {
	for _, v := range a.Verifiers {
		if v == id {
			return true
		}
	}
	return false
}

// VerificationVote is one verifier's one-time approval or rejection of
// an action item. Its address is derived from (action item, verifier),
// so a second vote from the same verifier fails at allocation.
type VerificationVote struct {
	ActionItem keys.Address
	Verifier   keys.Identity
	Approved   bool
	VotedAt    int64
	Bump       uint8
}

// Marshal encodes the verification vote in record layout.
func (v *VerificationVote) Marshal() []byte {
	var e wire.Encoder
	e.U8(kindVerificationVote)
	e.Bytes32(v.ActionItem)
	e.Bytes32(v.Verifier)
	e.Bool(v.Approved)
	e.I64(v.VotedAt)
	e.U8(v.Bump)
	return e.Bytes()
}

// UnmarshalVerificationVote decodes a verification vote record.
func UnmarshalVerificationVote(data []byte) (*VerificationVote, error) {
	d := wire.NewDecoder(data)
	if err := expectKind(d, kindVerificationVote); err != nil {
		return nil, err
	}
	v := &VerificationVote{
		ActionItem: d.Bytes32(),
		Verifier:   d.Bytes32(),
		Approved:   d.Bool(),
		VotedAt:    d.I64(),
		Bump:       d.U8(),
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return v, nil
}
