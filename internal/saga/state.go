package saga

type State string

const (
	Created      State = "CREATED"
	Authorizing  State = "AUTHORIZING"
	Authorized   State = "AUTHORIZED"
	Capturing    State = "CAPTURING"
	Captured     State = "CAPTURED"
	Settled      State = "SETTLED"
	Failed       State = "FAILED"
	Compensating State = "COMPENSATING"
	Compensated  State = "COMPENSATED"
)

// Transitions lists the legal successors of every state. AUTHORIZING may
// re-enter itself: each failover attempt is recorded as its own entry.
var Transitions = map[State][]State{
	Created:      {Authorizing, Failed},
	Authorizing:  {Authorizing, Authorized, Failed},
	Authorized:   {Capturing, Failed},
	Capturing:    {Captured, Failed},
	Captured:     {Settled, Failed},
	Settled:      {},
	Failed:       {Compensating},
	Compensating: {Compensated},
	Compensated:  {},
}

func CanTransition(from, to State) bool {
	for _, s := range Transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s. FAILED is terminal only
// for sagas that never authorized; see Saga.Terminal.
func (s State) Terminal() bool {
	return len(Transitions[s]) == 0
}

func (s State) Valid() bool {
	_, ok := Transitions[s]
	return ok
}
