package microrts

import (
	"github.com/microrts-go/trainer/internal/env"
	"github.com/microrts-go/trainer/internal/spaces"
	"github.com/pkg/errors"
)

// DefaultDamageBins bucket unit max damage into coarse attack-power
// classes: none, light, medium, heavy, anything above.
var DefaultDamageBins = []int{0, 1, 2, 4, 999}

// AttackPowerConfig describes where the unit-type one-hot planes live
// in the raw observation and how to bucket their damage values.
type AttackPowerConfig struct {
	Table UnitTable

	// Bins are the damage thresholds, one appended channel per bin.
	Bins []int

	// TypeChannelOffset is the index of the first unit-type plane
	// within each cell's channel vector.
	TypeChannelOffset int

	// TypePlaneIDs maps each unit-type plane to the engine's unit-type
	// ID, in plane order.
	TypePlaneIDs []int
}

// AttackPowerChannels appends one-hot attack-power planes derived from
// the unit-type planes and the engine's unit table, giving the network
// a direct view of each cell's damage class instead of making it learn
// the type-to-damage mapping.
type AttackPowerChannels struct {
	inner env.VecEnv
	cfg   AttackPowerConfig
	shape env.ObsShape
	bins  []int // damage bin per unit-type plane, precomputed
}

var _ env.VecEnv = (*AttackPowerChannels)(nil)

// NewAttackPowerChannels wraps inner, validating the plane layout
// against its observation shape.
func NewAttackPowerChannels(inner env.VecEnv, cfg AttackPowerConfig) (*AttackPowerChannels, error) {
	if len(cfg.Bins) == 0 {
		cfg.Bins = DefaultDamageBins
	}
	if len(cfg.TypePlaneIDs) == 0 {
		return nil, errors.New("attack power channels need at least one unit-type plane")
	}
	innerShape := inner.ObsShape()
	if cfg.TypeChannelOffset < 0 || cfg.TypeChannelOffset+len(cfg.TypePlaneIDs) > innerShape.Channels {
		return nil, errors.Errorf("unit-type planes [%d, %d) do not fit the %d observation channels",
			cfg.TypeChannelOffset, cfg.TypeChannelOffset+len(cfg.TypePlaneIDs), innerShape.Channels)
	}
	w := &AttackPowerChannels{
		inner: inner,
		cfg:   cfg,
		shape: env.ObsShape{
			Height:   innerShape.Height,
			Width:    innerShape.Width,
			Channels: innerShape.Channels + len(cfg.Bins),
		},
		bins: make([]int, len(cfg.TypePlaneIDs)),
	}
	for plane, typeID := range cfg.TypePlaneIDs {
		w.bins[plane] = cfg.Table.DamageBin(typeID, cfg.Bins)
	}
	return w, nil
}

func (w *AttackPowerChannels) NumEnvs() int                       { return w.inner.NumEnvs() }
func (w *AttackPowerChannels) ObsShape() env.ObsShape             { return w.shape }
func (w *AttackPowerChannels) ActionSpace() *spaces.MultiDiscrete { return w.inner.ActionSpace() }
func (w *AttackPowerChannels) Close() error                       { return w.inner.Close() }

func (w *AttackPowerChannels) Reset() (*env.Batch, error) {
	batch, err := w.inner.Reset()
	if err != nil {
		return nil, err
	}
	w.augment(batch)
	return batch, nil
}

func (w *AttackPowerChannels) Step(actions [][]int32) (*env.Batch, error) {
	batch, err := w.inner.Step(actions)
	if err != nil {
		return nil, err
	}
	w.augment(batch)
	return batch, nil
}

// augment rewrites the batch observations with the appended planes.
// Layout is HWC: per cell, the original channels followed by the
// one-hot attack-power bins of whatever unit occupies it. Empty cells
// get all-zero power planes.
func (w *AttackPowerChannels) augment(batch *env.Batch) {
	innerC := w.inner.ObsShape().Channels
	outC := w.shape.Channels
	cells := w.shape.Height * w.shape.Width
	numEnvs := w.inner.NumEnvs()

	out := make([]float32, numEnvs*cells*outC)
	for e := 0; e < numEnvs; e++ {
		for cell := 0; cell < cells; cell++ {
			src := (e*cells + cell) * innerC
			dst := (e*cells + cell) * outC
			copy(out[dst:dst+innerC], batch.Observations[src:src+innerC])
			for plane, bin := range w.bins {
				if batch.Observations[src+w.cfg.TypeChannelOffset+plane] > 0 {
					out[dst+innerC+bin] = 1
					break
				}
			}
		}
	}
	batch.Observations = out
}
