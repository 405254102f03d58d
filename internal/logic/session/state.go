package session

import "fmt"

// State is the session lifecycle state.
type State int

const (
	Unopened State = iota
	Opening
	Open
	Configuring
	Configured
	Previewing
	Capturing
	Closing
	Closed
	Failed
)

var stateNames = [...]string{
	Unopened:    "unopened",
	Opening:     "opening",
	Open:        "open",
	Configuring: "configuring",
	Configured:  "configured",
	Previewing:  "previewing",
	Capturing:   "capturing",
	Closing:     "closing",
	Closed:      "closed",
	Failed:      "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// States lists every state, in declaration order.
func States() []State {
	out := make([]State, 0, len(stateNames))
	for s := range stateNames {
		out = append(out, State(s))
	}
	return out
}

// canOpen reports whether a new open attempt may start from s.
func (s State) canOpen() bool {
	return s == Unopened || s == Closed || s == Failed
}

// Guard holds the re-entrancy flags. Initializing is true only for the
// duration of one open attempt; StillCaptureReady only while a dual-surface
// session owns an allocated still surface.
type Guard struct {
	Initializing      bool `json:"initializing"`
	StillCaptureReady bool `json:"still_capture_ready"`
}
