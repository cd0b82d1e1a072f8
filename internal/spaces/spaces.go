// Package spaces describes the structured MicroRTS action space and the
// per-step validity masks that come with it.
//
// A MicroRTS action is a vector of discrete components: the source cell
// (one slot per grid cell), the action type, four direction parameters,
// the produce type and the attack target. The environment reports, for
// every step, which value of each component is legal; the mask travels
// with the transition so that log-probabilities and entropies can be
// recomputed under the exact same constraints during optimization.
package spaces

import (
	"github.com/pkg/errors"
)

// MultiDiscrete is a factored discrete action space: component i takes
// values in [0, Nvec[i]).
type MultiDiscrete struct {
	// Nvec holds the cardinality of each component.
	Nvec []int

	offsets []int
	sum     int
}

// NewMultiDiscrete builds a MultiDiscrete space from the per-component
// cardinalities.
func NewMultiDiscrete(nvec ...int) *MultiDiscrete {
	s := &MultiDiscrete{Nvec: nvec}
	s.offsets = make([]int, len(nvec)+1)
	for i, n := range nvec {
		s.offsets[i+1] = s.offsets[i] + n
	}
	s.sum = s.offsets[len(nvec)]
	return s
}

// MicroRTSActionSpace returns the action space of a gym-microrts map with
// the given dimensions: source cell, action type, move/harvest/return/
// produce directions, produce type, attack target.
func MicroRTSActionSpace(height, width int) *MultiDiscrete {
	cells := height * width
	return NewMultiDiscrete(cells, 6, 4, 4, 4, 4, 7, cells)
}

// NumComponents returns the number of discrete components.
func (s *MultiDiscrete) NumComponents() int { return len(s.Nvec) }

// FlatDim returns the total number of logits needed to parameterize one
// action: the sum of the component cardinalities.
func (s *MultiDiscrete) FlatDim() int { return s.sum }

// Offset returns the position of component i within the flat logits (or
// flat mask) vector.
func (s *MultiDiscrete) Offset(i int) int { return s.offsets[i] }

// Component slices the flat per-action vector v down to component i.
// It works for logits, masks and anything else laid out flat.
func Component[T any](s *MultiDiscrete, v []T, i int) []T {
	return v[s.offsets[i]:s.offsets[i+1]]
}

// Mask marks, for one environment and one step, which values of each
// action component are legal. Laid out flat, aligned with the logits.
type Mask []bool

// Validate checks the mask has the right length and that every component
// keeps at least one legal value. A fully masked component means the
// environment handed us an unsatisfiable constraint, which is a protocol
// violation rather than a game situation.
func (m Mask) Validate(s *MultiDiscrete) error {
	if len(m) != s.FlatDim() {
		return errors.Errorf("action mask has %d entries, action space needs %d", len(m), s.FlatDim())
	}
	for i := range s.Nvec {
		component := Component(s, m, i)
		any := false
		for _, legal := range component {
			if legal {
				any = true
				break
			}
		}
		if !any {
			return errors.Errorf("action mask component %d (of %d values) is fully illegal", i, s.Nvec[i])
		}
	}
	return nil
}

// CountLegal returns the number of legal entries in the mask.
func (m Mask) CountLegal() int {
	count := 0
	for _, legal := range m {
		if legal {
			count++
		}
	}
	return count
}

// Allows reports whether the given action vector only uses legal values.
func (m Mask) Allows(s *MultiDiscrete, action []int32) bool {
	if len(action) != s.NumComponents() {
		return false
	}
	for i, a := range action {
		if a < 0 || int(a) >= s.Nvec[i] {
			return false
		}
		if !Component(s, m, i)[a] {
			return false
		}
	}
	return true
}

// AllLegal returns a mask with every value of every component legal.
func AllLegal(s *MultiDiscrete) Mask {
	m := make(Mask, s.FlatDim())
	for i := range m {
		m[i] = true
	}
	return m
}
