package harness

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/retroboard/internal/keys"
	"github.com/roach88/retroboard/internal/ledger"
	"github.com/roach88/retroboard/internal/retro"
)

// evaluateAssertions checks every assertion against final ledger state
// and records failures on the result.
func (r *runner) evaluateAssertions(ctx context.Context, assertions []Assertion, result *Result) {
	for i, a := range assertions {
		if err := r.evaluate(ctx, &a); err != nil {
			result.AddError("assertions[%d] (%s): %v", i, a.Type, err)
		}
	}
}

func (r *runner) evaluate(ctx context.Context, a *Assertion) error {
	if a.Type == AssertAbsent {
		return r.evaluateAbsent(ctx, a)
	}

	fields, err := r.projectRecord(ctx, a.Type, a)
	if err != nil {
		return err
	}
	return matchFields(fields, a.Expect)
}

func (r *runner) evaluateAbsent(ctx context.Context, a *Assertion) error {
	addr, err := r.recordAddr(a.Of, a)
	if err != nil {
		return err
	}
	_, err = r.led.Get(ctx, addr)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("record %s exists, expected absent", addr)
}

// recordAddr derives the address an assertion refers to.
func (r *runner) recordAddr(family string, a *Assertion) (keys.Address, error) {
	board, err := r.requireBoard("assertion")
	if err != nil {
		return keys.Address{}, err
	}

	switch family {
	case AssertBoard:
		return board, nil
	case AssertNote:
		addr, _, err := retro.NoteAddress(r.program, board, *a.ID)
		return addr, err
	case AssertGroup:
		addr, _, err := retro.GroupAddress(r.program, board, *a.ID)
		return addr, err
	case AssertActionItem:
		addr, _, err := retro.ActionItemAddress(r.program, board, *a.ID)
		return addr, err
	case AssertMembership:
		addr, _, err := retro.MembershipAddress(r.program, board, r.identity(a.Participant))
		return addr, err
	default:
		return keys.Address{}, fmt.Errorf("unknown record family %q", family)
	}
}

// projectRecord loads the record and flattens its assertable fields
// into a name -> value map.
func (r *runner) projectRecord(ctx context.Context, family string, a *Assertion) (map[string]any, error) {
	addr, err := r.recordAddr(family, a)
	if err != nil {
		return nil, err
	}
	rec, err := r.led.Get(ctx, addr)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("record %s does not exist", addr)
	}
	if err != nil {
		return nil, err
	}

	switch family {
	case AssertBoard:
		b, err := retro.UnmarshalBoard(rec.Data)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"stage":             b.Stage.String(),
			"closed":            b.Closed,
			"credits":           b.VotingCredits,
			"note_count":        b.NoteCount,
			"group_count":       b.GroupCount,
			"action_item_count": b.ActionItemCount,
		}, nil

	case AssertNote:
		n, err := retro.UnmarshalNote(rec.Data)
		if err != nil {
			return nil, err
		}
		fields := map[string]any{
			"category": n.CategoryID,
			"content":  n.Content,
			"grouped":  n.GroupID != nil,
		}
		if n.GroupID != nil {
			fields["group"] = *n.GroupID
		}
		return fields, nil

	case AssertGroup:
		g, err := retro.UnmarshalGroup(rec.Data)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"title": g.Title,
			"tally": g.VoteTally,
		}, nil

	case AssertMembership:
		m, err := retro.UnmarshalMembership(rec.Data)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"credits_spent": m.CreditsSpent,
			"total_score":   m.TotalScore,
		}, nil

	case AssertActionItem:
		item, err := retro.UnmarshalActionItem(rec.Data)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"description": item.Description,
			"approvals":   item.Approvals,
			"threshold":   item.Threshold,
			"status":      item.Status.String(),
		}, nil

	default:
		return nil, fmt.Errorf("unknown record family %q", family)
	}
}

// matchFields does a subset comparison: every expected field must be
// present and equal. Values are compared by printed form so YAML's int
// meets the record's uint64 without ceremony.
func matchFields(fields map[string]any, expect map[string]any) error {
	for key, want := range expect {
		got, ok := fields[key]
		if !ok {
			return fmt.Errorf("field %q is not assertable or not set", key)
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return fmt.Errorf("field %q: got %v, want %v", key, got, want)
		}
	}
	return nil
}
