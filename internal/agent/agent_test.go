package agent

import (
	"math"
	"math/rand"
	"testing"

	"github.com/chewxy/math32"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/microrts-go/trainer/internal/env"
	"github.com/microrts-go/trainer/internal/rollout"
	"github.com/microrts-go/trainer/internal/spaces"
	"github.com/stretchr/testify/require"
)

var (
	testShape = env.ObsShape{Height: 4, Width: 4, Channels: 3}
	testSpace = spaces.NewMultiDiscrete(16, 6, 4, 4)
)

func newTestAgent(t *testing.T, params map[string]any) *Agent {
	t.Helper()
	a, err := New(Config{
		ObsShape: testShape,
		Space:    testSpace,
		Params:   params,
	})
	require.NoError(t, err)
	t.Cleanup(a.Finalize)
	return a
}

func randomObs(rng *rand.Rand, batchSize int) []float32 {
	obs := make([]float32, batchSize*testShape.FlatDim())
	for i := range obs {
		obs[i] = rng.Float32()
	}
	return obs
}

// restrictedMask leaves only even values legal in every component.
func restrictedMask() spaces.Mask {
	m := spaces.AllLegal(testSpace)
	for c := 0; c < testSpace.NumComponents(); c++ {
		component := spaces.Component(testSpace, m, c)
		for v := range component {
			component[v] = v%2 == 0
		}
	}
	return m
}

func TestActNeverSamplesIllegal(t *testing.T) {
	a := newTestAgent(t, nil)
	rng := rand.New(rand.NewSource(42))

	// 160 rounds of 64 keep well above ten thousand draws: zero illegal
	// mass, not merely rare.
	const batchSize = 64
	masks := make([]spaces.Mask, batchSize)
	for i := range masks {
		masks[i] = restrictedMask()
	}
	for round := 0; round < 160; round++ {
		actions, logProbs, values, err := a.Act(randomObs(rng, batchSize), masks)
		require.NoError(t, err)
		require.Len(t, actions, batchSize)
		require.Len(t, logProbs, batchSize)
		require.Len(t, values, batchSize)
		for e, action := range actions {
			require.True(t, masks[e].Allows(testSpace, action),
				"round %d env %d: sampled masked-out action %v", round, e, action)
		}
	}
}

func TestEvaluateMatchesSampledLogProbs(t *testing.T) {
	// Log-probabilities recomputed for freshly collected actions must be
	// bitwise identical to the ones reported at sampling time, so the
	// first-epoch importance ratio is exactly 1.
	a := newTestAgent(t, nil)
	rng := rand.New(rand.NewSource(7))

	const batchSize = 32
	obs := randomObs(rng, batchSize)
	masks := make([]spaces.Mask, batchSize)
	for i := range masks {
		masks[i] = restrictedMask()
	}
	actions, sampledLogProbs, _, err := a.Act(obs, masks)
	require.NoError(t, err)

	mb := &rollout.Minibatch{
		Observations: obs,
		Masks:        flattenMasks(masks),
		Actions:      flattenActions(actions),
		LogProbs:     sampledLogProbs,
	}
	evalLogProbs, entropy, err := a.Evaluate(mb)
	require.NoError(t, err)
	require.Len(t, entropy, batchSize)
	for e := range evalLogProbs {
		require.Equal(t, sampledLogProbs[e], evalLogProbs[e], "env %d", e)
	}
}

func TestTrainStepMetricsFinite(t *testing.T) {
	a := newTestAgent(t, nil)
	rng := rand.New(rand.NewSource(3))

	mb := collectMinibatch(t, a, rng, 32)
	metrics, err := a.TrainStep(mb, nil)
	require.NoError(t, err)
	for _, v := range []float32{metrics.Loss, metrics.PolicyLoss, metrics.ValueLoss,
		metrics.Entropy, metrics.ApproxKL, metrics.ClipFraction} {
		require.False(t, math32.IsNaN(v) || math32.IsInf(v, 0))
	}
	require.Zero(t, metrics.Divergence, "divergence term disabled by default")
	require.GreaterOrEqual(t, metrics.Entropy, float32(0))
	require.InDelta(t, 0, metrics.ApproxKL, 1e-4, "first step after collection has ratio 1")
}

func TestDivergenceZeroAgainstSelf(t *testing.T) {
	// The divergence metric against a reference with identical weights
	// must be (numerically) zero before any update.
	a := newTestAgent(t, map[string]any{"diversity_coef": 0.1})
	rng := rand.New(rand.NewSource(11))

	mb := collectMinibatch(t, a, rng, 16)
	refProbs, err := a.Probs(mb.Observations, mb.Masks, 16)
	require.NoError(t, err)

	metrics, err := a.TrainStep(mb, refProbs)
	require.NoError(t, err)
	require.InDelta(t, 0, metrics.Divergence, 1e-5)
}

func TestTrainStepClipsGradientNorm(t *testing.T) {
	// With plain SGD at learning rate 1, the weight delta of a single
	// step equals the (clipped) gradient, so its global norm is bounded
	// by the clipping threshold no matter how large the advantages are.
	const maxGradNorm = 1.0
	clipped := newTestAgent(t, map[string]any{
		optimizers.ParamOptimizer:    "sgd",
		optimizers.ParamLearningRate: 1.0,
		ParamMaxGradNorm:             maxGradNorm,
	})
	unclipped := newTestAgent(t, map[string]any{
		optimizers.ParamOptimizer:    "sgd",
		optimizers.ParamLearningRate: 1.0,
		ParamMaxGradNorm:             0.0,
	})
	rng := rand.New(rand.NewSource(17))

	step := func(a *Agent) float64 {
		mb := collectMinibatch(t, a, rng, 16)
		for i := range mb.Advantages {
			mb.Advantages[i] = 1e6
		}
		before := a.ExportWeights(0)
		_, err := a.TrainStep(mb, nil)
		require.NoError(t, err)
		return weightDeltaNorm(before, a.ExportWeights(0))
	}

	clippedDelta := step(clipped)
	require.Greater(t, clippedDelta, 0.0, "clipping must not zero the update")
	require.LessOrEqual(t, clippedDelta, maxGradNorm*1.05)
	require.Greater(t, step(unclipped), 10.0, "the synthetic gradient must actually be huge")
}

// weightDeltaNorm computes the global L2 norm of the float32 weight
// changes between two snapshots of the same agent.
func weightDeltaNorm(before, after *Snapshot) float64 {
	prev := make(map[string][]float32, len(before.entries))
	for _, e := range before.entries {
		if e.value.DType() == dtypes.Float32 {
			prev[e.scope+"/"+e.name] = tensors.CopyFlatData[float32](e.value)
		}
	}
	var sum float64
	for _, e := range after.entries {
		old, ok := prev[e.scope+"/"+e.name]
		if !ok {
			continue
		}
		cur := tensors.CopyFlatData[float32](e.value)
		for i := range cur {
			d := float64(cur[i]) - float64(old[i])
			sum += d * d
		}
	}
	return math.Sqrt(sum)
}

func TestSnapshotRoundTrip(t *testing.T) {
	a := newTestAgent(t, nil)
	rng := rand.New(rand.NewSource(5))
	obs := randomObs(rng, 4)

	before, err := a.Value(obs)
	require.NoError(t, err)
	snapshot := a.ExportWeights(3)
	require.Equal(t, 3, snapshot.Version)
	require.Greater(t, snapshot.NumVariables(), 0)

	// Train a step so the weights move, then restore.
	mb := collectMinibatch(t, a, rng, 16)
	_, err = a.TrainStep(mb, nil)
	require.NoError(t, err)
	require.NoError(t, a.ImportWeights(snapshot))

	after, err := a.Value(obs)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestCloneIndependence(t *testing.T) {
	a := newTestAgent(t, nil)
	clone, err := a.Clone()
	require.NoError(t, err)
	defer clone.Finalize()

	rng := rand.New(rand.NewSource(9))
	obs := randomObs(rng, 4)
	av, err := a.Value(obs)
	require.NoError(t, err)
	cv, err := clone.Value(obs)
	require.NoError(t, err)
	require.Equal(t, av, cv, "clone starts with identical weights")

	// Training the original must not move the clone.
	mb := collectMinibatch(t, a, rng, 16)
	_, err = a.TrainStep(mb, nil)
	require.NoError(t, err)
	cv2, err := clone.Value(obs)
	require.NoError(t, err)
	require.Equal(t, cv, cv2)
}

// collectMinibatch samples a consistent minibatch from the agent's own
// policy, with random rewards standing in for the environment.
func collectMinibatch(t *testing.T, a *Agent, rng *rand.Rand, batchSize int) *rollout.Minibatch {
	t.Helper()
	obs := randomObs(rng, batchSize)
	masks := make([]spaces.Mask, batchSize)
	for i := range masks {
		masks[i] = restrictedMask()
	}
	actions, logProbs, values, err := a.Act(obs, masks)
	require.NoError(t, err)

	mb := &rollout.Minibatch{
		Observations: obs,
		Masks:        flattenMasks(masks),
		Actions:      flattenActions(actions),
		LogProbs:     logProbs,
		Values:       values,
		Advantages:   make([]float32, batchSize),
		Returns:      make([]float32, batchSize),
	}
	for i := 0; i < batchSize; i++ {
		mb.Advantages[i] = rng.Float32()*2 - 1
		mb.Returns[i] = values[i] + mb.Advantages[i]
	}
	return mb
}

func flattenMasks(masks []spaces.Mask) []bool {
	flat := make([]bool, 0, len(masks)*testSpace.FlatDim())
	for _, m := range masks {
		flat = append(flat, m...)
	}
	return flat
}

func flattenActions(actions [][]int32) []int32 {
	flat := make([]int32, 0, len(actions)*testSpace.NumComponents())
	for _, a := range actions {
		flat = append(flat, a...)
	}
	return flat
}
