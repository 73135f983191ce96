package magiskinit

import (
	"fmt"

	"github.com/samber/lo"
)

// State is a step of the boot transformation.
type State int

const (
	Start State = iota
	ConfigParsed
	DevicesCollected
	RootMounted
	OverlayBuilt
	PolicyPatched
	HandedOff
	Failed
)

var stateNames = map[State]string{
	Start:            "Start",
	ConfigParsed:     "ConfigParsed",
	DevicesCollected: "DevicesCollected",
	RootMounted:      "RootMounted",
	OverlayBuilt:     "OverlayBuilt",
	PolicyPatched:    "PolicyPatched",
	HandedOff:        "HandedOff",
	Failed:           "Failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == HandedOff || s == Failed
}

// transitions lists the forward edges. Recovery boots hand off straight
// after the configuration is read and the first stage of a two-stage boot
// hands off (re-executes) once the system root is prepared. Failed is
// reachable from every non-terminal state.
var transitions = map[State][]State{
	Start:            {ConfigParsed},
	ConfigParsed:     {DevicesCollected, HandedOff},
	DevicesCollected: {RootMounted},
	RootMounted:      {OverlayBuilt, HandedOff},
	OverlayBuilt:     {PolicyPatched},
	PolicyPatched:    {HandedOff},
}

// advance moves the machine to the next state.
func (m *MagiskInit) advance(to State) error {
	allowed := (to == Failed && !m.state.Terminal()) || lo.Contains(transitions[m.state], to)
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, to)
	}
	m.state = to
	m.history = append(m.history, to)
	return nil
}

// State returns the current state.
func (m *MagiskInit) State() State {
	return m.state
}

// History returns every state visited, starting with Start.
func (m *MagiskInit) History() []State {
	return append([]State(nil), m.history...)
}
