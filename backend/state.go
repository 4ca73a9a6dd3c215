package backend

import (
	"fmt"

	"github.com/mstarongithub/w2gcore/common/errs"
	"github.com/sirupsen/logrus"
)

type State int

const (
	Uninitialized State = iota
	Starting
	Running
	Suspended
	Destroying
	Destroyed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	case Destroying:
		return "destroying"
	case Destroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Every transition a backend may take. Anything else gets rejected
var transitions = map[State][]State{
	Uninitialized: {Starting},
	Starting:      {Running, Destroying},
	Running:       {Suspended, Destroying},
	Suspended:     {Running, Destroying},
	Destroying:    {Destroyed},
	Destroyed:     {},
}

// CanTransition reports whether a backend in state s may move to next
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (b *Backend) transition(next State) error {
	if !b.state.CanTransition(next) {
		return fmt.Errorf("%w: backend %s -> %s", errs.ErrInvalidTransition, b.state, next)
	}
	b.log.WithFields(logrus.Fields{"from": b.state, "to": next}).Debugln("Backend state change")
	b.state = next
	return nil
}
