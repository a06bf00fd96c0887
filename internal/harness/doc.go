// Package harness provides conformance testing for the retroboard
// processor.
//
// Scenarios are YAML files that drive a fresh in-memory ledger through
// a sequence of operations and then assert on final record state.
// Identities are named by label ("alice", "facilitator"); the harness
// derives the same identity for the same label every run.
//
// # Scenario Format
//
//	name: scenario_name
//	description: "What this scenario validates"
//	facilitator: facilitator
//	steps:
//	  - op: init_registry
//	    signers: [facilitator]
//	  - op: create_board
//	    signers: [facilitator]
//	    args:
//	      categories: ["Well", "Improve"]
//	      allowlist: [alice, bob]
//	      credits: 3
//	  - op: cast_vote
//	    signers: [alice]
//	    args: { group: 0, delta: 4 }
//	    expect: INSUFFICIENT_CREDITS
//	assertions:
//	  - type: board
//	    expect: { stage: vote, note_count: 2 }
//	  - type: group
//	    id: 0
//	    expect: { tally: 3 }
//
// A step without an expect clause must succeed; a step with one must
// fail with exactly that error code. The pseudo-op advance_clock moves
// the deterministic clock without touching the ledger, for session
// expiry scenarios.
//
// # Assertion Types
//
//   - board: fields of the scenario's board record
//   - note, group, action_item: child records by id
//   - membership: the (board, participant) membership record
//   - absent: the record at the given type/id must not exist
//
// # Deterministic Testing
//
// Each run uses an in-memory SQLite ledger, a fixed clock starting at
// testutil.Epoch, and label-derived identities, so the same scenario
// always produces byte-identical traces for golden comparison.
package harness
