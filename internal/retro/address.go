package retro

import "github.com/roach88/retroboard/internal/keys"

// Address derivation, one function per record family. The seed lists
// mirror the record hierarchy: children embed their parent's address
// as a seed, so a child can only exist under the parent it names.

// RegistryAddress derives the registry record address for an owner.
func RegistryAddress(program, owner keys.Identity) (keys.Address, uint8, error) {
	return keys.Derive(program, seedRegistry, owner.Bytes())
}

// BoardAddress derives a board record address from its registry and
// the index the registry handed out.
func BoardAddress(program keys.Identity, registry keys.Address, boardIndex uint64) (keys.Address, uint8, error) {
	return keys.Derive(program, seedBoard, registry.Bytes(), keys.U64Seed(boardIndex))
}

// NoteAddress derives a note record address.
func NoteAddress(program keys.Identity, board keys.Address, noteID uint64) (keys.Address, uint8, error) {
	return keys.Derive(program, seedNote, board.Bytes(), keys.U64Seed(noteID))
}

// GroupAddress derives a group record address.
func GroupAddress(program keys.Identity, board keys.Address, groupID uint64) (keys.Address, uint8, error) {
	return keys.Derive(program, seedGroup, board.Bytes(), keys.U64Seed(groupID))
}

// MembershipAddress derives the per-(board, participant) membership
// record address.
func MembershipAddress(program keys.Identity, board keys.Address, participant keys.Identity) (keys.Address, uint8, error) {
	return keys.Derive(program, seedMembership, board.Bytes(), participant.Bytes())
}

// VoteRecordAddress derives the per-(board, participant, group) vote
// record address.
func VoteRecordAddress(program keys.Identity, board keys.Address, participant keys.Identity, groupID uint64) (keys.Address, uint8, error) {
	return keys.Derive(program, seedVote, board.Bytes(), participant.Bytes(), keys.U64Seed(groupID))
}

// ActionItemAddress derives an action item record address.
func ActionItemAddress(program keys.Identity, board keys.Address, actionItemID uint64) (keys.Address, uint8, error) {
	return keys.Derive(program, seedActionItem, board.Bytes(), keys.U64Seed(actionItemID))
}

// VerificationVoteAddress derives the per-(action item, verifier)
// verification vote address. One address per verifier makes a repeat
// vote collide at allocation instead of needing a duplicate check.
func VerificationVoteAddress(program keys.Identity, actionItem keys.Address, verifier keys.Identity) (keys.Address, uint8, error) {
	return keys.Derive(program, seedVerification, actionItem.Bytes(), verifier.Bytes())
}
