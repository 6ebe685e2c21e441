package mode

// State is the controller's admission state.
type State string

const (
	Idle         State = "idle"
	AwaitingWake State = "awaiting_wake"
	Listening    State = "listening"
	Processing   State = "processing"
	Responding   State = "responding"
)

// transitions lists the legal moves. Any state may return to Idle.
var transitions = map[State][]State{
	Idle:         {AwaitingWake, Processing},
	AwaitingWake: {Listening},
	Listening:    {Processing, AwaitingWake},
	Processing:   {Responding},
	Responding:   {AwaitingWake, Idle},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to State) bool {
	if to == Idle {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
