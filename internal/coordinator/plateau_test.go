package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPlateauDetectorFlatWindow(t *testing.T) {
	d := NewPlateauDetector(4, 0.05)
	for i := 0; i < 4; i++ {
		d.Record(10)
	}
	require.True(t, d.Plateaued())
}

func TestPlateauDetectorNeedsFullWindow(t *testing.T) {
	d := NewPlateauDetector(4, 0.05)
	d.Record(10)
	d.Record(10)
	d.Record(10)
	require.False(t, d.Plateaued())
}

func TestPlateauDetectorVaryingReturns(t *testing.T) {
	d := NewPlateauDetector(4, 0.05)
	for _, r := range []float32{1, 5, 2, 8} {
		d.Record(r)
	}
	require.False(t, d.Plateaued())

	// The window rolls: four more flat returns push the noise out.
	for i := 0; i < 4; i++ {
		d.Record(5)
	}
	require.True(t, d.Plateaued())
}

func TestPlateauDetectorIgnoresZeroMean(t *testing.T) {
	// A policy that never scores is not done improving.
	d := NewPlateauDetector(4, 0.05)
	for _, r := range []float32{1, -1, 1, -1} {
		d.Record(r)
	}
	require.False(t, d.Plateaued())

	d = NewPlateauDetector(2, 0.05)
	d.Record(0)
	d.Record(0)
	require.False(t, d.Plateaued())
}

func TestSequentialStopsOnPlateau(t *testing.T) {
	actor, _ := newTestActor(0, 2, 4)
	learner := &stubLearner{}
	d := NewPlateauDetector(3, 0.05)
	s := &Sequential{
		Collector: actor.Collector,
		Learner:   learner,
		OnCycle:   func(CycleReport) { d.Record(7) },
		Stop:      d.Plateaued,
	}
	require.NoError(t, s.Run(context.Background(), 10))
	require.Equal(t, 3, learner.updates, "run ends once the window fills with flat returns")
}

func TestCoordinatorStopsOnPlateau(t *testing.T) {
	actor, _ := newTestActor(1, 2, 4)
	learner := &stubLearner{}
	c := &Coordinator{
		Actors:         []*Actor{actor},
		Learner:        learner,
		Policy:         stubPublisher{},
		QueueCapacity:  1,
		BroadcastEvery: 1,
		Stop:           func() bool { return true },
	}
	require.NoError(t, c.Run(context.Background(), 10))
	require.Equal(t, 1, learner.updates)
}
