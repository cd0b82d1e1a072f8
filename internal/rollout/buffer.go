// Package rollout implements the fixed-horizon transition buffer and the
// generalized advantage estimation computed over it.
//
// A Buffer holds horizon x numEnvs transitions, allocated once and
// overwritten in place every collection cycle. Advantages and returns
// are derived per cycle and invalidated by the next collection.
package rollout

import (
	"math/rand/v2"

	"github.com/chewxy/math32"
	"github.com/microrts-go/trainer/internal/spaces"
	"github.com/pkg/errors"
)

// Buffer stores one collection cycle of transitions for all parallel
// environments. Index layout is [step][env], flattened as step*numEnvs+env
// in the per-transition slices.
type Buffer struct {
	Horizon int
	NumEnvs int
	ObsDim  int
	Space   *spaces.MultiDiscrete

	// Per transition, stride ObsDim.
	Observations []float32
	// Per transition, stride Space.NumComponents().
	Actions []int32
	// Per transition, stride Space.FlatDim().
	Masks []bool

	LogProbs []float32
	Values   []float32
	Rewards  []float32
	Dones    []bool

	// Derived by ComputeAdvantages.
	Advantages []float32
	Returns    []float32

	filled    int       // number of recorded steps this cycle
	bootstrap []float32 // value estimates past the final step, per env
}

// NewBuffer allocates a buffer for the given shapes. Allocation happens
// once; Record overwrites slots in place on subsequent cycles.
func NewBuffer(horizon, numEnvs, obsDim int, space *spaces.MultiDiscrete) *Buffer {
	n := horizon * numEnvs
	return &Buffer{
		Horizon:      horizon,
		NumEnvs:      numEnvs,
		ObsDim:       obsDim,
		Space:        space,
		Observations: make([]float32, n*obsDim),
		Actions:      make([]int32, n*space.NumComponents()),
		Masks:        make([]bool, n*space.FlatDim()),
		LogProbs:     make([]float32, n),
		Values:       make([]float32, n),
		Rewards:      make([]float32, n),
		Dones:        make([]bool, n),
		Advantages:   make([]float32, n),
		Returns:      make([]float32, n),
	}
}

// NumTransitions returns horizon * numEnvs.
func (b *Buffer) NumTransitions() int { return b.Horizon * b.NumEnvs }

// Reset marks the buffer logically empty for the next cycle. Data is
// overwritten in place, not cleared.
func (b *Buffer) Reset() { b.filled = 0 }

// Full reports whether all horizon steps have been recorded.
func (b *Buffer) Full() bool { return b.filled == b.Horizon }

// StepRecord carries everything recorded for one environment at one
// step. Slices are copied into the buffer; callers may reuse them.
type StepRecord struct {
	Observation []float32
	Mask        spaces.Mask
	Action      []int32
	LogProb     float32
	Value       float32
	Reward      float32
	Done        bool
}

// RecordStep writes one batched step (all environments) into the next
// free step slot.
func (b *Buffer) RecordStep(records []StepRecord) error {
	if b.filled >= b.Horizon {
		return errors.Errorf("rollout buffer already holds %d steps of %d", b.filled, b.Horizon)
	}
	if len(records) != b.NumEnvs {
		return errors.Errorf("got %d records for %d environments", len(records), b.NumEnvs)
	}
	step := b.filled
	for e, rec := range records {
		i := b.flatIndex(step, e)
		copy(b.Observations[i*b.ObsDim:], rec.Observation)
		copy(b.Actions[i*b.Space.NumComponents():], rec.Action)
		copy(b.Masks[i*b.Space.FlatDim():], rec.Mask)
		b.LogProbs[i] = rec.LogProb
		b.Values[i] = rec.Value
		b.Rewards[i] = rec.Reward
		b.Dones[i] = rec.Done
	}
	b.filled++
	return nil
}

func (b *Buffer) flatIndex(step, envIdx int) int { return step*b.NumEnvs + envIdx }

// ComputeAdvantages runs the GAE recursion backward through time,
// separately per environment column. lastValues holds the bootstrap
// value of the observation following the final recorded step of each
// environment; it is ignored wherever the final transition terminated
// its episode.
//
// delta_t  = r_t + gamma*V_{t+1}*(1-done_t) - V_t
// A_t      = delta_t + gamma*lambda*(1-done_t)*A_{t+1}
// return_t = A_t + V_t
//
// Dones[t] marks that step t's action ended the episode, so done_t
// zeroes both the successor value and the successor advantage: nothing
// ever flows back across an episode boundary.
func (b *Buffer) ComputeAdvantages(lastValues []float32, gamma, lambda float32) error {
	if !b.Full() {
		return errors.Errorf("rollout buffer only has %d of %d steps, cannot compute advantages", b.filled, b.Horizon)
	}
	if len(lastValues) != b.NumEnvs {
		return errors.Errorf("got %d bootstrap values for %d environments", len(lastValues), b.NumEnvs)
	}
	for e := 0; e < b.NumEnvs; e++ {
		lastGAE := float32(0)
		for t := b.Horizon - 1; t >= 0; t-- {
			i := b.flatIndex(t, e)
			nonTerminal := boolToFloat(!b.Dones[i])
			var nextValue float32
			if t == b.Horizon-1 {
				nextValue = lastValues[e]
			} else {
				nextValue = b.Values[b.flatIndex(t+1, e)]
			}
			delta := b.Rewards[i] + gamma*nextValue*nonTerminal - b.Values[i]
			lastGAE = delta + gamma*lambda*nonTerminal*lastGAE
			b.Advantages[i] = lastGAE
			b.Returns[i] = lastGAE + b.Values[i]
		}
	}
	return nil
}

// NormalizeAdvantages rescales advantages in place to zero mean and unit
// variance across the whole buffer. Called once per update cycle before
// optimization so the surrogate objective sees a stable scale regardless
// of reward magnitudes.
func (b *Buffer) NormalizeAdvantages() {
	n := float32(b.NumTransitions())
	var mean float32
	for _, a := range b.Advantages {
		mean += a
	}
	mean /= n
	var variance float32
	for _, a := range b.Advantages {
		d := a - mean
		variance += d * d
	}
	std := math32.Sqrt(variance/n) + 1e-8
	for i := range b.Advantages {
		b.Advantages[i] = (b.Advantages[i] - mean) / std
	}
}

// ShuffledIndices returns a fresh random permutation of all transition
// indices, one per optimization epoch.
func (b *Buffer) ShuffledIndices(rng *rand.Rand) []int {
	return rng.Perm(b.NumTransitions())
}

// Minibatch gathers the transitions at the given indices into contiguous
// slices ready to be turned into tensors.
type Minibatch struct {
	Observations []float32 // stride ObsDim
	Actions      []int32   // stride NumComponents
	Masks        []bool    // stride FlatDim
	LogProbs     []float32
	Values       []float32
	Advantages   []float32
	Returns      []float32
}

// Gather copies the transitions at indices into mb, reusing its slices
// when capacities allow.
func (b *Buffer) Gather(indices []int, mb *Minibatch) {
	n := len(indices)
	nc := b.Space.NumComponents()
	fd := b.Space.FlatDim()
	mb.Observations = growTo(mb.Observations, n*b.ObsDim)
	mb.Actions = growToInt32(mb.Actions, n*nc)
	mb.Masks = growToBool(mb.Masks, n*fd)
	mb.LogProbs = growTo(mb.LogProbs, n)
	mb.Values = growTo(mb.Values, n)
	mb.Advantages = growTo(mb.Advantages, n)
	mb.Returns = growTo(mb.Returns, n)
	for k, i := range indices {
		copy(mb.Observations[k*b.ObsDim:], b.Observations[i*b.ObsDim:(i+1)*b.ObsDim])
		copy(mb.Actions[k*nc:], b.Actions[i*nc:(i+1)*nc])
		copy(mb.Masks[k*fd:], b.Masks[i*fd:(i+1)*fd])
		mb.LogProbs[k] = b.LogProbs[i]
		mb.Values[k] = b.Values[i]
		mb.Advantages[k] = b.Advantages[i]
		mb.Returns[k] = b.Returns[i]
	}
}

func growTo(s []float32, n int) []float32 {
	if cap(s) < n {
		return make([]float32, n)
	}
	return s[:n]
}

func growToInt32(s []int32, n int) []int32 {
	if cap(s) < n {
		return make([]int32, n)
	}
	return s[:n]
}

func growToBool(s []bool, n int) []bool {
	if cap(s) < n {
		return make([]bool, n)
	}
	return s[:n]
}

func boolToFloat(v bool) float32 {
	if v {
		return 1
	}
	return 0
}
