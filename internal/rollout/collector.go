package rollout

import (
	"context"

	"github.com/microrts-go/trainer/internal/env"
	"github.com/microrts-go/trainer/internal/spaces"
	"github.com/pkg/errors"
)

// ActionSource produces actions for a batch of observations. Implemented
// by agent.Agent in training, and by deterministic fakes in tests.
type ActionSource interface {
	// Act samples one action per environment given the current
	// observations and validity masks, returning the actions along with
	// their summed log-probabilities and the critic's value estimates.
	Act(obs []float32, masks []spaces.Mask) (actions [][]int32, logProbs, values []float32, err error)

	// Value returns only the value estimates, used for the bootstrap at
	// the end of a rollout.
	Value(obs []float32) ([]float32, error)
}

// Collector repeatedly fills a Buffer from a VecEnv using an
// ActionSource. It owns the env's current observation between cycles so
// rollouts are contiguous across cycle boundaries.
type Collector struct {
	Env    env.VecEnv
	Source ActionSource
	Buffer *Buffer

	// OnEpisodeEnd, if set, is called for every finished episode.
	OnEpisodeEnd func(env.EpisodeStat)

	obs     []float32
	masks   []spaces.Mask
	records []StepRecord
	started bool
}

// NewCollector wires an env, a policy and a buffer together.
func NewCollector(e env.VecEnv, source ActionSource, buffer *Buffer) *Collector {
	return &Collector{
		Env:     e,
		Source:  source,
		Buffer:  buffer,
		records: make([]StepRecord, e.NumEnvs()),
	}
}

// Collect runs one full horizon of steps into the buffer and computes
// the bootstrap values for the final observations. The buffer is reset
// first; after Collect returns the buffer is full and ready for
// ComputeAdvantages.
func (c *Collector) Collect(ctx context.Context) error {
	if !c.started {
		batch, err := c.Env.Reset()
		if err != nil {
			return errors.WithMessage(err, "environment reset failed")
		}
		c.obs = batch.Observations
		c.masks = batch.Masks
		c.started = true
	}

	c.Buffer.Reset()
	for step := 0; step < c.Buffer.Horizon; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		actions, logProbs, values, err := c.Source.Act(c.obs, c.masks)
		if err != nil {
			return errors.WithMessagef(err, "action sampling failed at rollout step %d", step)
		}
		batch, err := c.Env.Step(actions)
		if err != nil {
			return errors.WithMessagef(err, "environment step failed at rollout step %d", step)
		}

		obsDim := c.Env.ObsShape().FlatDim()
		for e := 0; e < c.Env.NumEnvs(); e++ {
			c.records[e] = StepRecord{
				Observation: c.obs[e*obsDim : (e+1)*obsDim],
				Mask:        c.masks[e],
				Action:      actions[e],
				LogProb:     logProbs[e],
				Value:       values[e],
				Reward:      batch.Rewards[e],
				Done:        batch.Dones[e],
			}
		}
		if err := c.Buffer.RecordStep(c.records); err != nil {
			return err
		}
		if c.OnEpisodeEnd != nil {
			for _, stat := range batch.Stats {
				c.OnEpisodeEnd(stat)
			}
		}
		c.obs = batch.Observations
		c.masks = batch.Masks
	}

	// Bootstrap values for the truncated tails. ComputeAdvantages zeroes
	// them wherever the final transition was terminal.
	lastValues, err := c.Source.Value(c.obs)
	if err != nil {
		return errors.WithMessage(err, "bootstrap value estimation failed")
	}
	return c.Buffer.SetBootstrap(lastValues)
}

// SetBootstrap stashes bootstrap values for the follow-up
// ComputeAdvantages call.
func (b *Buffer) SetBootstrap(lastValues []float32) error {
	if len(lastValues) != b.NumEnvs {
		return errors.Errorf("got %d bootstrap values for %d environments", len(lastValues), b.NumEnvs)
	}
	if b.bootstrap == nil {
		b.bootstrap = make([]float32, b.NumEnvs)
	}
	copy(b.bootstrap, lastValues)
	return nil
}

// Bootstrap returns the value estimates recorded for the observations
// following the final step, one per environment.
func (b *Buffer) Bootstrap() []float32 { return b.bootstrap }
