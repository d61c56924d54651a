package pipeline

import "fmt"

// State is the cycle's position within a tick.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateRegistering
	StateKeying
	StateEncoding
	StatePublishing
	// StateExiting is terminal.
	StateExiting
)

var stateNames = [...]string{
	StateIdle:        "idle",
	StateFetching:    "fetching",
	StateRegistering: "registering",
	StateKeying:      "keying",
	StateEncoding:    "encoding",
	StatePublishing:  "publishing",
	StateExiting:     "exiting",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText renders the state name in JSON status documents.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Tick outcomes recorded in cycle statistics.
const (
	OutcomePublished     = "published"
	OutcomeNotReady      = "not_ready"
	OutcomeKeyingSkipped = "keying_skipped"
	OutcomeExiting       = "exiting"
	OutcomeFailed        = "failed"
)
