package harness

import "fmt"

// TraceEvent records one executed step: which operation ran, who
// signed it, and how it resolved. Events carry no addresses or
// timestamps so traces stay stable across runs.
type TraceEvent struct {
	Seq     int      `json:"seq"`
	Op      string   `json:"op"`
	Signers []string `json:"signers,omitempty"`
	Result  string   `json:"result"`
}

// resultOK marks a step that applied successfully.
const resultOK = "ok"

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step resolved as expected and every
	// assertion held.
	Pass bool `json:"pass"`

	// Trace lists every operation step in order with its outcome.
	Trace []TraceEvent `json:"trace"`

	// Errors lists expectation and assertion failures. Empty if Pass.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates an empty passing result.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}, Errors: []string{}}
}

// AddError records a failure and marks the result failed.
func (r *Result) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Pass = false
}

// AddTrace appends a trace event.
func (r *Result) AddTrace(op string, signers []string, result string) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:     len(r.Trace) + 1,
		Op:      op,
		Signers: signers,
		Result:  result,
	})
}
