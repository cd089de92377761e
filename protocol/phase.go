package protocol

import "fmt"

// Phase is the lifecycle stage of a session.
type Phase uint8

const (
	Connecting Phase = iota
	Handshaking
	AwaitingVolume
	Ready
	Rendering
	Closing
	Closed
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case Connecting:
		return "Connecting"
	case Handshaking:
		return "Handshaking"
	case AwaitingVolume:
		return "AwaitingVolume"
	case Ready:
		return "Ready"
	case Rendering:
		return "Rendering"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	default:
		return fmt.Sprintf("Phase(%d)", uint8(p))
	}
}

var transitions = map[Phase][]Phase{
	Connecting:     {Handshaking, Closing},
	Handshaking:    {AwaitingVolume, Closing},
	AwaitingVolume: {Ready, Closing},
	Ready:          {Rendering, Closing},
	Rendering:      {Rendering, Closing},
	Closing:        {Closed},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}

	return false
}

var legalEvents = map[Phase][]Event{
	Handshaking:    {EvHandshake, EvServerInfo, EvExit},
	AwaitingVolume: {EvVolumeData, EvVolumePath, EvServerInfo, EvExit},
	Rendering: {
		EvCameraUpdate, EvRenderRequest, EvMatrix, EvParameterUpdate,
		EvTransferFunction, EvServerInfo, EvResize, EvExit,
	},
}

// Allowed reports whether a client may send ev while the session is in
// phase p. No event is allowed once the session is closing.
func Allowed(p Phase, ev Event) bool {
	for _, e := range legalEvents[p] {
		if e == ev {
			return true
		}
	}

	return false
}

// TransitionError reports an illegal transition. It matches ErrProtocol.
type TransitionError struct {
	From Phase
	To   Phase
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("protocol: illegal transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrProtocol }

// Machine tracks the phase of one session and the path it took. It is owned
// by the session goroutine.
type Machine struct {
	phase   Phase
	history []Phase
}

// NewMachine returns a machine in Connecting.
func NewMachine() *Machine {
	return &Machine{phase: Connecting, history: []Phase{Connecting}}
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	return m.phase
}

// History returns every phase visited, in order, starting with Connecting.
func (m *Machine) History() []Phase {
	return append([]Phase(nil), m.history...)
}

// Transition moves to phase to. Illegal transitions are not applied.
//
// Returns:
//   - A *TransitionError if from -> to is not in the transition table
func (m *Machine) Transition(to Phase) error {
	if !CanTransition(m.phase, to) {
		return &TransitionError{From: m.phase, To: to}
	}

	m.phase = to
	m.history = append(m.history, to)
	return nil
}

// Close drives the machine to Closed through Closing from any phase. It is
// a no-op once Closed.
func (m *Machine) Close() {
	if m.phase == Closed {
		return
	}

	if m.phase != Closing {
		_ = m.Transition(Closing)
	}
	_ = m.Transition(Closed)
}

// Allows reports whether ev is legal in the current phase.
func (m *Machine) Allows(ev Event) bool {
	return Allowed(m.phase, ev)
}
