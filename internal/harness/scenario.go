package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines one conformance test: a named sequence of operations
// against a single board, with expected outcomes and final-state
// assertions.
type Scenario struct {
	// Name uniquely identifies this scenario. Golden files are keyed
	// by it.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Facilitator is the label of the board facilitator. Defaults to
	// "facilitator".
	Facilitator string `yaml:"facilitator,omitempty"`

	// Steps is the operation sequence.
	Steps []Step `yaml:"steps"`

	// Assertions validate final record state after all steps ran.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one operation submission, or the advance_clock pseudo-op.
type Step struct {
	// Op is the operation's snake_case name (e.g. "create_note"), or
	// "advance_clock".
	Op string `yaml:"op"`

	// Signers are the labels whose identities sign the operation.
	Signers []string `yaml:"signers,omitempty"`

	// Session optionally names a previously created session token to
	// submit alongside the signatures.
	Session *SessionRef `yaml:"session,omitempty"`

	// Args are the operation's payload fields, keyed by name.
	Args map[string]any `yaml:"args,omitempty"`

	// Expect is the error code this step must fail with. Empty means
	// the step must succeed.
	Expect string `yaml:"expect,omitempty"`
}

// SessionRef names a session token by its two parties.
type SessionRef struct {
	Authority string `yaml:"authority"`
	Signer    string `yaml:"signer"`
}

// Assertion checks one record's final state.
type Assertion struct {
	// Type is one of "board", "note", "group", "membership",
	// "action_item", "absent".
	Type string `yaml:"type"`

	// ID selects the child record for note/group/action_item.
	ID *uint64 `yaml:"id,omitempty"`

	// Participant selects the membership record, by label.
	Participant string `yaml:"participant,omitempty"`

	// Expect lists field values that must match. Subset match: fields
	// not named are not checked. Unused for "absent".
	Expect map[string]any `yaml:"expect,omitempty"`

	// Of names the record family for "absent" (note, group,
	// membership, action_item).
	Of string `yaml:"of,omitempty"`
}

// Assertion type constants.
const (
	AssertBoard      = "board"
	AssertNote       = "note"
	AssertGroup      = "group"
	AssertMembership = "membership"
	AssertActionItem = "action_item"
	AssertAbsent     = "absent"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields
// are rejected so typos fail loudly instead of silently passing.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML bytes with strict field checking.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Facilitator == "" {
		s.Facilitator = "facilitator"
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if step.Op == "" {
			return fmt.Errorf("steps[%d]: op is required", i)
		}
		if step.Op != opAdvanceClock && len(step.Signers) == 0 {
			return fmt.Errorf("steps[%d]: signers is required for %s", i, step.Op)
		}
		if step.Session != nil {
			if step.Session.Authority == "" || step.Session.Signer == "" {
				return fmt.Errorf("steps[%d]: session needs both authority and signer", i)
			}
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case AssertBoard:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for board", index)
		}
	case AssertNote, AssertGroup, AssertActionItem:
		if a.ID == nil {
			return fmt.Errorf("assertions[%d]: id is required for %s", index, a.Type)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for %s", index, a.Type)
		}
	case AssertMembership:
		if a.Participant == "" {
			return fmt.Errorf("assertions[%d]: participant is required for membership", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for membership", index)
		}
	case AssertAbsent:
		switch a.Of {
		case AssertNote, AssertGroup, AssertActionItem:
			if a.ID == nil {
				return fmt.Errorf("assertions[%d]: id is required for absent %s", index, a.Of)
			}
		case AssertMembership:
			if a.Participant == "" {
				return fmt.Errorf("assertions[%d]: participant is required for absent membership", index)
			}
		default:
			return fmt.Errorf("assertions[%d]: absent needs of: note|group|membership|action_item", index)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
