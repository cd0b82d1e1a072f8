// Package env defines the vectorized environment contract the trainers
// collect from, plus observation wrappers.
//
// A VecEnv manages N MicroRTS games in lockstep: one batched Reset/Step
// call advances all of them. Environments that reach a terminal state are
// reset in place by the implementation, with Done reported for the
// transition that caused termination. The actual game engine is an
// external process (see the microrts subpackage); failures from it are
// fatal for training and are surfaced as errors naming the environment
// index.
package env

import (
	"github.com/microrts-go/trainer/internal/spaces"
	"github.com/pkg/errors"
)

// ObsShape describes the observation tensor of a single environment,
// height x width x channels, stored flat row-major.
type ObsShape struct {
	Height, Width, Channels int
}

// FlatDim returns the number of float32 values in one observation.
func (s ObsShape) FlatDim() int { return s.Height * s.Width * s.Channels }

// EpisodeStat summarizes a finished episode. Reported through Batch.Stats
// on the step that terminated the episode.
type EpisodeStat struct {
	EnvIndex int
	Return   float32
	Length   int
}

// Batch is the result of a batched Reset or Step across all environments.
// All slices are indexed by environment; Observations is flat with stride
// ObsShape.FlatDim().
type Batch struct {
	Observations []float32
	Rewards      []float32
	Dones        []bool
	Masks        []spaces.Mask

	// Stats holds episode summaries for environments that terminated on
	// this step. Nil on Reset and on steps with no terminations.
	Stats []EpisodeStat
}

// VecEnv is the batched environment pool contract.
//
// Step requires exactly NumEnvs action vectors shaped to ActionSpace,
// and every action must be legal under the mask returned by the previous
// Reset/Step: masking happens before sampling, the pool never filters.
type VecEnv interface {
	NumEnvs() int
	ObsShape() ObsShape
	ActionSpace() *spaces.MultiDiscrete

	Reset() (*Batch, error)
	Step(actions [][]int32) (*Batch, error)
	Close() error
}

// CheckActions validates an action batch against the pool's shape before
// submitting it. Trainers call this in debug paths; the envtest stub
// calls it unconditionally.
func CheckActions(e VecEnv, actions [][]int32) error {
	if len(actions) != e.NumEnvs() {
		return errors.Errorf("got %d action vectors for %d environments", len(actions), e.NumEnvs())
	}
	space := e.ActionSpace()
	for i, action := range actions {
		if len(action) != space.NumComponents() {
			return errors.Errorf("env %d: action has %d components, space has %d",
				i, len(action), space.NumComponents())
		}
		for c, a := range action {
			if a < 0 || int(a) >= space.Nvec[c] {
				return errors.Errorf("env %d: action component %d value %d out of range [0, %d)",
					i, c, a, space.Nvec[c])
			}
		}
	}
	return nil
}

// FatalEnvError wraps an engine failure with the index of the failing
// environment. Training cannot continue past one of these.
func FatalEnvError(envIndex int, err error) error {
	return errors.WithMessagef(err, "environment %d failed fatally", envIndex)
}
