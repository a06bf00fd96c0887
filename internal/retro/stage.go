package retro

import "fmt"

// Stage is one of the five ordered phases of a board's lifecycle.
//
// Boards advance strictly one stage at a time and never move backward.
// Closure is an orthogonal flag, not a stage.
type Stage uint8

const (
	StageSetup Stage = iota
	StageWriteNotes
	StageGroupDuplicates
	StageVote
	StageDiscuss
)

// CanAdvanceTo reports whether next is the immediate successor of s.
// No skipping, no regression, no re-entry.
func (s Stage) CanAdvanceTo(next Stage) bool {
	return uint8(next) == uint8(s)+1
}

// Valid reports whether s names a defined stage.
func (s Stage) Valid() bool {
	return s <= StageDiscuss
}

// String returns the stage's snake_case name.
func (s Stage) String() string {
	switch s {
	case StageSetup:
		return "setup"
	case StageWriteNotes:
		return "write_notes"
	case StageGroupDuplicates:
		return "group_duplicates"
	case StageVote:
		return "vote"
	case StageDiscuss:
		return "discuss"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

// ParseStage parses a snake_case stage name.
func ParseStage(name string) (Stage, error) {
	switch name {
	case "setup":
		return StageSetup, nil
	case "write_notes":
		return StageWriteNotes, nil
	case "group_duplicates":
		return StageGroupDuplicates, nil
	case "vote":
		return StageVote, nil
	case "discuss":
		return StageDiscuss, nil
	default:
		return 0, fmt.Errorf("unknown stage %q", name)
	}
}
