package rollout

import (
	"math/rand/v2"
	"testing"

	"github.com/microrts-go/trainer/internal/spaces"
	"github.com/stretchr/testify/require"
)

func testSpace() *spaces.MultiDiscrete { return spaces.NewMultiDiscrete(4, 3) }

// fillBuffer records horizon steps with the given per-env rewards,
// values and done schedules.
func fillBuffer(t *testing.T, b *Buffer, rewards, values [][]float32, dones [][]bool) {
	t.Helper()
	obs := make([]float32, b.ObsDim)
	mask := spaces.AllLegal(b.Space)
	action := make([]int32, b.Space.NumComponents())
	for step := 0; step < b.Horizon; step++ {
		records := make([]StepRecord, b.NumEnvs)
		for e := 0; e < b.NumEnvs; e++ {
			records[e] = StepRecord{
				Observation: obs,
				Mask:        mask,
				Action:      action,
				Value:       values[e][step],
				Reward:      rewards[e][step],
				Done:        dones[e][step],
			}
		}
		require.NoError(t, b.RecordStep(records))
	}
}

func (b *Buffer) advantageAt(step, envIdx int) float32 {
	return b.Advantages[step*b.NumEnvs+envIdx]
}

func TestGAEMonteCarloEquivalence(t *testing.T) {
	// With gamma=1, lambda=1 and no terminal states, the advantage at
	// each step must equal sum of future rewards plus bootstrap minus
	// the step's own value estimate.
	const horizon = 5
	b := NewBuffer(horizon, 1, 2, testSpace())
	rewards := [][]float32{{1, 2, 3, 4, 5}}
	values := [][]float32{{0.5, 1.5, 2.5, 3.5, 4.5}}
	dones := [][]bool{{false, false, false, false, false}}
	fillBuffer(t, b, rewards, values, dones)

	bootstrap := float32(7)
	require.NoError(t, b.ComputeAdvantages([]float32{bootstrap}, 1, 1))

	for step := 0; step < horizon; step++ {
		var futureRewards float32
		for k := step; k < horizon; k++ {
			futureRewards += rewards[0][k]
		}
		want := futureRewards + bootstrap - values[0][step]
		require.InDelta(t, want, b.advantageAt(step, 0), 1e-4, "step %d", step)
	}
}

func TestGAEEpisodeBoundaryIsolation(t *testing.T) {
	// Perturbing rewards before a done boundary must not change
	// advantages after it, and vice versa.
	const horizon = 6
	build := func(preBoundaryReward float32) *Buffer {
		b := NewBuffer(horizon, 1, 2, testSpace())
		rewards := [][]float32{{preBoundaryReward, preBoundaryReward, 1, 1, 1, 1}}
		values := [][]float32{{0.3, 0.4, 0.5, 0.6, 0.7, 0.8}}
		dones := [][]bool{{false, false, true, false, false, false}} // episode ends at step 2
		fillBuffer(t, b, rewards, values, dones)
		require.NoError(t, b.ComputeAdvantages([]float32{2}, 0.99, 0.95))
		return b
	}

	a := build(1)
	perturbed := build(100)
	for step := 3; step < horizon; step++ {
		require.Equal(t, a.advantageAt(step, 0), perturbed.advantageAt(step, 0),
			"post-boundary advantage at step %d changed with pre-boundary rewards", step)
	}
	// Sanity: pre-boundary advantages did change.
	require.NotEqual(t, a.advantageAt(0, 0), perturbed.advantageAt(0, 0))
}

func TestGAETerminalStepIgnoresBootstrap(t *testing.T) {
	// If the final transition terminated, the bootstrap value must not
	// contribute to its advantage.
	b := NewBuffer(2, 1, 2, testSpace())
	fillBuffer(t, b,
		[][]float32{{1, 1}},
		[][]float32{{0.5, 0.5}},
		[][]bool{{false, true}})
	require.NoError(t, b.ComputeAdvantages([]float32{0}, 0.99, 0.95))
	want := b.advantageAt(1, 0)

	b2 := NewBuffer(2, 1, 2, testSpace())
	fillBuffer(t, b2,
		[][]float32{{1, 1}},
		[][]float32{{0.5, 0.5}},
		[][]bool{{false, true}})
	require.NoError(t, b2.ComputeAdvantages([]float32{1000}, 0.99, 0.95))
	require.Equal(t, want, b2.advantageAt(1, 0))
}

func TestNormalizeAdvantages(t *testing.T) {
	b := NewBuffer(4, 2, 2, testSpace())
	for i := range b.Advantages {
		b.Advantages[i] = float32(i)*3 - 5
	}
	b.NormalizeAdvantages()

	var mean, variance float32
	for _, a := range b.Advantages {
		mean += a
	}
	mean /= float32(len(b.Advantages))
	for _, a := range b.Advantages {
		variance += (a - mean) * (a - mean)
	}
	variance /= float32(len(b.Advantages))
	require.InDelta(t, 0, mean, 1e-5)
	require.InDelta(t, 1, variance, 1e-3)
}

func TestShuffledIndicesPartition(t *testing.T) {
	b := NewBuffer(4, 3, 2, testSpace())
	rng := rand.New(rand.NewPCG(1, 2))
	indices := b.ShuffledIndices(rng)
	require.Len(t, indices, 12)
	seen := make(map[int]bool)
	for _, i := range indices {
		require.False(t, seen[i], "index %d repeated", i)
		seen[i] = true
	}
}

func TestGatherMinibatch(t *testing.T) {
	b := NewBuffer(2, 2, 3, testSpace())
	for i := 0; i < b.NumTransitions(); i++ {
		for d := 0; d < b.ObsDim; d++ {
			b.Observations[i*b.ObsDim+d] = float32(i*10 + d)
		}
		b.LogProbs[i] = float32(i)
		b.Advantages[i] = float32(i) * 2
	}
	var mb Minibatch
	b.Gather([]int{3, 1}, &mb)
	require.Equal(t, []float32{30, 31, 32, 10, 11, 12}, mb.Observations)
	require.Equal(t, []float32{3, 1}, mb.LogProbs)
	require.Equal(t, []float32{6, 2}, mb.Advantages)
}

func TestRecordStepOverflow(t *testing.T) {
	b := NewBuffer(1, 1, 2, testSpace())
	rec := []StepRecord{{
		Observation: make([]float32, 2),
		Mask:        spaces.AllLegal(b.Space),
		Action:      make([]int32, b.Space.NumComponents()),
	}}
	require.NoError(t, b.RecordStep(rec))
	require.True(t, b.Full())
	require.Error(t, b.RecordStep(rec))
	b.Reset()
	require.NoError(t, b.RecordStep(rec))
}
