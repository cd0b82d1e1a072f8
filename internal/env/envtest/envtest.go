// Package envtest provides a deterministic scripted VecEnv for tests:
// fixed rewards, scripted terminations, and observations that encode the
// step counter so tests can assert exactly what was collected.
package envtest

import (
	"github.com/microrts-go/trainer/internal/env"
	"github.com/microrts-go/trainer/internal/spaces"
	"github.com/pkg/errors"
)

// Scripted is a VecEnv whose behavior is fully determined by its
// configuration. Rewards are constant, episode ends happen at the
// scripted step numbers, and each environment auto-resets after a
// terminal step the way the real pool does.
type Scripted struct {
	numEnvs int
	shape   env.ObsShape
	space   *spaces.MultiDiscrete

	// Reward returned on every step.
	Reward float32

	// DoneAt lists, per environment, the global step numbers (1-based,
	// counted from Reset) on which that environment terminates.
	DoneAt map[int][]int

	// MaskFn, if set, produces the mask for a given env at a given step
	// count. Defaults to all-legal.
	MaskFn func(envIdx, step int) spaces.Mask

	// FailAtStep, if > 0, makes Step return an engine error at that step
	// for environment FailEnvIndex.
	FailAtStep   int
	FailEnvIndex int

	steps   int
	epSteps []int // per-env steps since last reset
	closed  bool
}

// New returns a Scripted env with the given pool size, a tiny 4x4x2
// observation and a 3-component action space, rewarding 1.0 per step.
func New(numEnvs int) *Scripted {
	return &Scripted{
		numEnvs: numEnvs,
		shape:   env.ObsShape{Height: 4, Width: 4, Channels: 2},
		space:   spaces.NewMultiDiscrete(16, 4, 3),
		Reward:  1.0,
		DoneAt:  map[int][]int{},
		epSteps: make([]int, numEnvs),
	}
}

var _ env.VecEnv = (*Scripted)(nil)

func (s *Scripted) NumEnvs() int                       { return s.numEnvs }
func (s *Scripted) ObsShape() env.ObsShape             { return s.shape }
func (s *Scripted) ActionSpace() *spaces.MultiDiscrete { return s.space }
func (s *Scripted) Close() error                       { s.closed = true; return nil }

// StepCount returns the number of Step calls since Reset.
func (s *Scripted) StepCount() int { return s.steps }

func (s *Scripted) Reset() (*env.Batch, error) {
	s.steps = 0
	for i := range s.epSteps {
		s.epSteps[i] = 0
	}
	return s.batch(nil), nil
}

func (s *Scripted) Step(actions [][]int32) (*env.Batch, error) {
	if err := env.CheckActions(s, actions); err != nil {
		return nil, err
	}
	// Actions must respect the masks handed out on the previous step.
	for i, action := range actions {
		if !s.maskFor(i, s.steps).Allows(s.space, action) {
			return nil, errors.Errorf("env %d: illegal action %v submitted at step %d", i, action, s.steps)
		}
	}
	s.steps++
	if s.FailAtStep > 0 && s.steps == s.FailAtStep {
		return nil, env.FatalEnvError(s.FailEnvIndex, errors.New("scripted engine crash"))
	}

	dones := make([]bool, s.numEnvs)
	for i := 0; i < s.numEnvs; i++ {
		s.epSteps[i]++
		for _, at := range s.DoneAt[i] {
			if at == s.steps {
				dones[i] = true
			}
		}
		if dones[i] {
			s.epSteps[i] = 0 // auto-reset
		}
	}
	batch := s.batch(dones)
	return batch, nil
}

// batch builds observations encoding (envIdx, stepsSinceReset) in the
// first two channels of cell 0, so collected data is distinguishable.
func (s *Scripted) batch(dones []bool) *env.Batch {
	obs := make([]float32, s.numEnvs*s.shape.FlatDim())
	for i := 0; i < s.numEnvs; i++ {
		base := i * s.shape.FlatDim()
		obs[base] = float32(i)
		obs[base+1] = float32(s.epSteps[i])
	}
	b := &env.Batch{
		Observations: obs,
		Rewards:      make([]float32, s.numEnvs),
		Dones:        make([]bool, s.numEnvs),
		Masks:        make([]spaces.Mask, s.numEnvs),
	}
	for i := 0; i < s.numEnvs; i++ {
		b.Rewards[i] = s.Reward
		if dones != nil {
			b.Dones[i] = dones[i]
		}
		b.Masks[i] = s.maskFor(i, s.steps)
	}
	if dones == nil {
		// Reset: rewards are not meaningful.
		for i := range b.Rewards {
			b.Rewards[i] = 0
		}
	}
	return b
}

func (s *Scripted) maskFor(envIdx, step int) spaces.Mask {
	if s.MaskFn != nil {
		return s.MaskFn(envIdx, step)
	}
	return spaces.AllLegal(s.space)
}
