package window

import (
	"encoding/json"
)

type State int

const (
	Created State = iota
	Loading
	Ready
	Active
	Closing
	Disposed
)

var stateNames = map[State]string{
	Created:  "created",
	Loading:  "loading",
	Ready:    "ready",
	Active:   "active",
	Closing:  "closing",
	Disposed: "disposed",
}

var stateFromName = func() map[string]State {
	m := make(map[string]State, len(stateNames))
	for st, name := range stateNames {
		m[name] = st
	}
	return m
}()

// transitions lists the states each state may move to. There is no way
// back: a disposed session is never reused.
var transitions = map[State][]State{
	Created: {Loading, Closing},
	Loading: {Ready, Closing},
	Ready:   {Active, Closing},
	Active:  {Closing},
	Closing: {Disposed},
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := stateFromName[name]; ok {
		*s = v
	}
	return nil
}

// CanMove reports whether a session in state s may move to next.
func (s State) CanMove(next State) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Live reports whether the session is usable: loaded or still loading,
// and not being torn down.
func (s State) Live() bool {
	return s < Closing
}

// Serving reports whether state updates may be delivered.
func (s State) Serving() bool {
	return s == Ready || s == Active
}
