package env_test

import (
	"testing"

	"github.com/microrts-go/trainer/internal/env"
	"github.com/microrts-go/trainer/internal/env/envtest"
	"github.com/stretchr/testify/require"
)

func stepAll(t *testing.T, e env.VecEnv) *env.Batch {
	t.Helper()
	actions := make([][]int32, e.NumEnvs())
	for i := range actions {
		actions[i] = make([]int32, e.ActionSpace().NumComponents())
	}
	batch, err := e.Step(actions)
	require.NoError(t, err)
	return batch
}

// cell0 returns the stacked channels of cell 0 for one environment. The
// scripted env writes (envIdx, stepsSinceReset) there, so the stack of
// an env reads [envIdx, step-1, envIdx, step] once two frames are in.
func cell0(f *env.FrameStack, obs []float32, envIdx int) []float32 {
	base := envIdx * f.ObsShape().FlatDim()
	return obs[base : base+f.ObsShape().Channels]
}

func TestFrameStackShapeAndZeroFill(t *testing.T) {
	inner := envtest.New(2)
	f, err := env.NewFrameStack(inner, 2)
	require.NoError(t, err)
	require.Equal(t, inner.ObsShape().Channels*2, f.ObsShape().Channels)

	batch, err := f.Reset()
	require.NoError(t, err)
	require.Len(t, batch.Observations, 2*f.ObsShape().FlatDim())

	// Only one frame exists at reset; the older slot is zero-filled.
	require.Equal(t, []float32{0, 0, 1, 0}, cell0(f, batch.Observations, 1))
}

func TestFrameStackRollsOldestOut(t *testing.T) {
	inner := envtest.New(1)
	f, err := env.NewFrameStack(inner, 2)
	require.NoError(t, err)
	_, err = f.Reset()
	require.NoError(t, err)

	batch := stepAll(t, f)
	require.Equal(t, []float32{0, 0, 0, 1}, cell0(f, batch.Observations, 0))
	batch = stepAll(t, f)
	require.Equal(t, []float32{0, 1, 0, 2}, cell0(f, batch.Observations, 0))
}

func TestFrameStackDropsHistoryAcrossEpisodes(t *testing.T) {
	inner := envtest.New(2)
	inner.DoneAt = map[int][]int{1: {2}}
	f, err := env.NewFrameStack(inner, 2)
	require.NoError(t, err)
	_, err = f.Reset()
	require.NoError(t, err)
	stepAll(t, f)

	batch := stepAll(t, f)
	require.True(t, batch.Dones[1])
	// Env 1 terminated: the frame behind its fresh first observation
	// must be zeroed, not the old episode's step-1 frame.
	require.Equal(t, []float32{0, 0, 1, 0}, cell0(f, batch.Observations, 1))
	// Env 0 keeps its history.
	require.Equal(t, []float32{0, 1, 0, 2}, cell0(f, batch.Observations, 0))
}

func TestFrameStackRejectsDegenerateDepth(t *testing.T) {
	_, err := env.NewFrameStack(envtest.New(1), 1)
	require.Error(t, err)
}
