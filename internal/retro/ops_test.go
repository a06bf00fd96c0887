package retro

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/retroboard/internal/keys"
	"github.com/roach88/retroboard/internal/wire"
)

func TestOperation_FrameRoundTrip(t *testing.T) {
	credits := uint8(3)
	validFor := int64(86400)

	ops := []Operation{
		&InitRegistry{Owner: recID("facilitator")},
		&CreateBoard{
			Facilitator: recID("facilitator"),
			Registry:    recAddr("registry"),
			Categories:  []string{"went well", "needs work"},
			Allowlist:   []keys.Identity{recID("alice"), recID("bob")},
			Credits:     &credits,
		},
		&AdvanceStage{Facilitator: recID("facilitator"), Board: recAddr("board"), Stage: StageVote},
		&CloseBoard{Facilitator: recID("facilitator"), Board: recAddr("board")},
		&CreateNote{Author: recID("alice"), Board: recAddr("board"), CategoryID: 1, Content: "builds are slow"},
		&CreateGroup{Creator: recID("alice"), Board: recAddr("board"), Title: "tooling"},
		&SetGroupTitle{Participant: recID("bob"), Board: recAddr("board"), GroupID: 2, Title: "infra"},
		&AssignNote{Participant: recID("alice"), Board: recAddr("board"), NoteID: 4, GroupID: 2},
		&UnassignNote{Participant: recID("alice"), Board: recAddr("board"), NoteID: 4},
		&CastVote{Participant: recID("bob"), Board: recAddr("board"), GroupID: 2, Delta: 3},
		&CreateActionItem{
			Facilitator: recID("facilitator"),
			Board:       recAddr("board"),
			Description: "speed up CI",
			Owner:       recID("alice"),
			Verifiers:   []keys.Identity{recID("bob"), recID("carol")},
			Threshold:   2,
		},
		&CastVerificationVote{Verifier: recID("bob"), Board: recAddr("board"), ActionItemID: 0, Approved: true},
		&CreateSession{Authority: recID("alice"), SessionSigner: recID("alice-phone"), ValidFor: &validFor},
		&RevokeSession{Authority: recID("alice"), SessionSigner: recID("alice-phone")},
	}

	for _, op := range ops {
		t.Run(OpName(op.Discriminator()), func(t *testing.T) {
			frame := MarshalOperation(op)
			require.NotEmpty(t, frame)
			assert.Equal(t, op.Discriminator(), frame[0])

			decoded, err := UnmarshalOperation(frame)
			require.NoError(t, err)
			assert.Equal(t, op, decoded)
		})
	}
}

func TestUnmarshalOperation_UnknownDiscriminator(t *testing.T) {
	var e wire.Encoder
	e.U8(200)
	e.U32(0)

	_, err := UnmarshalOperation(e.Bytes())
	assert.ErrorContains(t, err, "unknown operation discriminator")
}

func TestUnmarshalOperation_ContextCountBound(t *testing.T) {
	var e wire.Encoder
	e.U8(OpInitRegistry)
	e.U32(1 << 30) // absurd count must be rejected before allocation

	_, err := UnmarshalOperation(e.Bytes())
	assert.ErrorContains(t, err, "context entries")
}

func TestUnmarshalOperation_WrongContextArity(t *testing.T) {
	op := &CloseBoard{Facilitator: recID("facilitator"), Board: recAddr("board")}
	frame := MarshalOperation(op)

	// Rewrite the count to 1 and drop one entry.
	truncated := append([]byte{}, frame[:5]...)
	truncated[1] = 1
	truncated = append(truncated, frame[5:5+32]...)

	_, err := UnmarshalOperation(truncated)
	assert.ErrorContains(t, err, "context entries")
}

func TestUnmarshalOperation_TrailingBytes(t *testing.T) {
	frame := MarshalOperation(&InitRegistry{Owner: recID("facilitator")})
	frame = append(frame, 0xde, 0xad)

	_, err := UnmarshalOperation(frame)
	assert.ErrorIs(t, err, wire.ErrTrailingBytes)
}

func TestUnmarshalOperation_TruncatedPayload(t *testing.T) {
	frame := MarshalOperation(&CreateNote{
		Author:  recID("alice"),
		Board:   recAddr("board"),
		Content: "truncate me",
	})

	_, err := UnmarshalOperation(frame[:len(frame)-4])
	assert.Error(t, err)
}

func TestOpName(t *testing.T) {
	assert.Equal(t, "init_registry", OpName(OpInitRegistry))
	assert.Equal(t, "cast_verification_vote", OpName(OpCastVerificationVote))
	assert.Equal(t, "revoke_session", OpName(OpRevokeSession))
	assert.Equal(t, "op(99)", OpName(99))
}
