package backend

import (
	"errors"
	"testing"

	"github.com/mstarongithub/w2gcore/common/errs"
	"github.com/sirupsen/logrus"
)

func TestTransitionTable(t *testing.T) {
	allowed := map[[2]State]bool{
		{Uninitialized, Starting}: true,
		{Starting, Running}:       true,
		{Starting, Destroying}:    true,
		{Running, Suspended}:      true,
		{Running, Destroying}:     true,
		{Suspended, Running}:      true,
		{Suspended, Destroying}:   true,
		{Destroying, Destroyed}:   true,
	}
	states := []State{Uninitialized, Starting, Running, Suspended, Destroying, Destroyed}
	for _, from := range states {
		for _, to := range states {
			want := allowed[[2]State{from, to}]
			if got := from.CanTransition(to); got != want {
				t.Errorf("%s -> %s: got %v, want %v", from, to, got, want)
			}
			b := &Backend{state: from, log: logrus.WithField("test", t.Name())}
			err := b.transition(to)
			if want && err != nil {
				t.Errorf("%s -> %s rejected: %v", from, to, err)
			}
			if !want {
				if !errors.Is(err, errs.ErrInvalidTransition) {
					t.Errorf("%s -> %s: expected ErrInvalidTransition, got %v", from, to, err)
				}
				if b.state != from {
					t.Errorf("%s -> %s: rejected transition changed the state to %s", from, to, b.state)
				}
			}
		}
	}
}
