package transaction

import (
	"github.com/pkg/errors"
)

// State is where a transaction is in its lifecycle:
//
//	Built -> Signed -> Submitted -> {Confirmed, Rejected, Expired}
type State uint8

const (
	StateUnknown State = iota
	StateBuilt
	StateSigned
	StateSubmitted
	StateConfirmed
	StateRejected
	StateExpired
)

var ErrInvalidTransition = errors.New("invalid state transition")

var transitions = map[State][]State{
	StateBuilt:     {StateSigned},
	StateSigned:    {StateSubmitted},
	StateSubmitted: {StateConfirmed, StateRejected, StateExpired},
}

func (s State) String() string {
	switch s {
	case StateBuilt:
		return "built"
	case StateSigned:
		return "signed"
	case StateSubmitted:
		return "submitted"
	case StateConfirmed:
		return "confirmed"
	case StateRejected:
		return "rejected"
	case StateExpired:
		return "expired"
	}
	return "unknown"
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateConfirmed || s == StateRejected || s == StateExpired
}

// Transition moves the transaction to state to. Signing is the only way to
// reach StateSigned.
func (t *Transaction) Transition(to State) error {
	if to == StateSigned {
		return errors.Wrap(ErrInvalidTransition, "use Sign to reach signed")
	}
	return t.transition(to)
}

func (t *Transaction) transition(to State) error {
	for _, allowed := range transitions[t.state] {
		if allowed == to {
			t.state = to
			return nil
		}
	}
	return errors.Wrapf(ErrInvalidTransition, "%s -> %s", t.state, to)
}
