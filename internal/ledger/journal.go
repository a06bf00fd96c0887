package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/roach88/retroboard/internal/keys"
)

// JournalEntry records one successfully applied operation.
//
// The frame holds the operation's full wire bytes (discriminator,
// context addresses, payload), so a journal can be replayed onto a
// fresh ledger and produce the same records.
type JournalEntry struct {
	// ID is a UUIDv7 assigned at application time.
	ID string

	// Seq is the application order, assigned by the database.
	Seq int64

	// Discriminator is the operation's discriminator byte, duplicated
	// out of the frame for cheap filtering.
	Discriminator byte

	// Frame is the operation's complete wire encoding.
	Frame []byte

	// Signers are the identities that signed the operation.
	Signers []keys.Identity

	// SessionToken is the session token address supplied with the
	// operation, if any.
	SessionToken *keys.Address

	// AppliedAt is the wall-clock time the operation was applied,
	// unix seconds. Replay reuses it so time-dependent fields match.
	AppliedAt int64
}

// NewJournalID returns a fresh UUIDv7 journal entry id.
// V7 UUIDs are time-ordered, so lexical order roughly tracks seq.
func NewJournalID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func (v *txView) AppendJournal(entry JournalEntry) error {
	var tokenHex any
	if entry.SessionToken != nil {
		tokenHex = entry.SessionToken.String()
	}

	if _, err := v.tx.ExecContext(v.ctx, `
		INSERT INTO journal (id, discriminator, frame, signers, session_token, applied_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		entry.ID,
		entry.Discriminator,
		entry.Frame,
		joinSigners(entry.Signers),
		tokenHex,
		entry.AppliedAt,
	); err != nil {
		return fmt.Errorf("ledger: append journal: %w", err)
	}
	return nil
}

// ReadJournal returns all journal entries in application order.
func (l *Ledger) ReadJournal(ctx context.Context) ([]JournalEntry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, id, discriminator, frame, signers, session_token, applied_at
		FROM journal
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("ledger: read journal: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var (
			e          JournalEntry
			signersCol string
			tokenCol   *string
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.Discriminator, &e.Frame, &signersCol, &tokenCol, &e.AppliedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan journal row: %w", err)
		}

		e.Signers, err = splitSigners(signersCol)
		if err != nil {
			return nil, fmt.Errorf("ledger: corrupt signers column: %w", err)
		}
		if tokenCol != nil {
			addr, err := keys.ParseAddress(*tokenCol)
			if err != nil {
				return nil, fmt.Errorf("ledger: corrupt session_token column: %w", err)
			}
			e.SessionToken = &addr
		}

		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate journal: %w", err)
	}

	if entries == nil {
		entries = []JournalEntry{}
	}
	return entries, nil
}

func joinSigners(signers []keys.Identity) string {
	parts := make([]string, len(signers))
	for i, s := range signers {
		parts[i] = s.String()
	}
	return strings.Join(parts, ",")
}

func splitSigners(col string) ([]keys.Identity, error) {
	if col == "" {
		return nil, nil
	}
	parts := strings.Split(col, ",")
	signers := make([]keys.Identity, len(parts))
	for i, p := range parts {
		id, err := keys.ParseIdentity(p)
		if err != nil {
			return nil, err
		}
		signers[i] = id
	}
	return signers, nil
}
