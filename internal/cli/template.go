package cli

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/retroboard/internal/keys"
)

// BoardTemplate is a board definition loaded from a CUE file. The file
// must contain a top-level "board" struct:
//
//	board: {
//		categories: ["Went well", "Needs work"]
//		allowlist: ["@alice", "@bob"]
//		credits: 5 // optional
//	}
//
// Allowlist entries use the same hex-or-@label form as --signer flags.
type BoardTemplate struct {
	Categories []string
	Allowlist  []keys.Identity
	Credits    *uint8
}

// LoadBoardTemplate reads and evaluates a CUE board template.
func LoadBoardTemplate(path string) (*BoardTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template: %w", err)
	}

	cuectx := cuecontext.New()
	value := cuectx.CompileBytes(data, cue.Filename(path))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("failed to evaluate CUE: %w", err)
	}

	boardVal := value.LookupPath(cue.ParsePath("board"))
	if !boardVal.Exists() {
		return nil, fmt.Errorf("template %s has no top-level \"board\" struct", path)
	}

	var raw struct {
		Categories []string `json:"categories"`
		Allowlist  []string `json:"allowlist"`
		Credits    *uint8   `json:"credits"`
	}
	if err := boardVal.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode board template: %w", err)
	}

	allowlist, err := parseIdentities(raw.Allowlist)
	if err != nil {
		return nil, fmt.Errorf("template allowlist: %w", err)
	}

	return &BoardTemplate{
		Categories: raw.Categories,
		Allowlist:  allowlist,
		Credits:    raw.Credits,
	}, nil
}
