package coordinator

import (
	"context"
	"sync"
	"testing"

	"github.com/microrts-go/trainer/internal/agent"
	"github.com/microrts-go/trainer/internal/env/envtest"
	"github.com/microrts-go/trainer/internal/ppo"
	"github.com/microrts-go/trainer/internal/rollout"
	"github.com/microrts-go/trainer/internal/spaces"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// stubPolicy samples the first legal value per component and records
// weight imports. One per actor, so no locking needed for the imports.
type stubPolicy struct {
	space *spaces.MultiDiscrete

	mu               sync.Mutex
	importedVersions []int
}

func newStubPolicy(space *spaces.MultiDiscrete) *stubPolicy {
	return &stubPolicy{space: space}
}

func (p *stubPolicy) Act(obs []float32, masks []spaces.Mask) ([][]int32, []float32, []float32, error) {
	actions := make([][]int32, len(masks))
	logProbs := make([]float32, len(masks))
	values := make([]float32, len(masks))
	for e, mask := range masks {
		actions[e] = make([]int32, p.space.NumComponents())
		for c := 0; c < p.space.NumComponents(); c++ {
			for v, legal := range spaces.Component(p.space, mask, c) {
				if legal {
					actions[e][c] = int32(v)
					break
				}
			}
		}
	}
	return actions, logProbs, values, nil
}

func (p *stubPolicy) Value(obs []float32) ([]float32, error) {
	return make([]float32, len(obs)/(4*4*2)), nil
}

func (p *stubPolicy) ImportWeights(s *agent.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.importedVersions = append(p.importedVersions, s.Version)
	return nil
}

func (p *stubPolicy) versions() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.importedVersions...)
}

// stubLearner counts updates and checks the buffers it receives.
type stubLearner struct {
	mu      sync.Mutex
	updates int
	failAt  int
	lastBuf *rollout.Buffer
}

func (l *stubLearner) Update(buf *rollout.Buffer) (ppo.UpdateStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates++
	l.lastBuf = buf
	if l.failAt > 0 && l.updates == l.failAt {
		return ppo.UpdateStats{}, errors.New("synthetic update failure")
	}
	if !buf.Full() {
		return ppo.UpdateStats{}, errors.New("received a partially filled buffer")
	}
	return ppo.UpdateStats{Update: l.updates}, nil
}

type stubPublisher struct{}

func (stubPublisher) ExportWeights(version int) *agent.Snapshot {
	return &agent.Snapshot{Version: version}
}

func newTestActor(id, numEnvs, horizon int) (*Actor, *stubPolicy) {
	e := envtest.New(numEnvs)
	policy := newStubPolicy(e.ActionSpace())
	buf := rollout.NewBuffer(horizon, numEnvs, e.ObsShape().FlatDim(), e.ActionSpace())
	return &Actor{
		ID:        id,
		Collector: rollout.NewCollector(e, policy, buf),
		Policy:    policy,
	}, policy
}

func TestSequentialRunsAllCycles(t *testing.T) {
	actor, _ := newTestActor(0, 2, 4)
	learner := &stubLearner{}
	var reports []CycleReport
	s := &Sequential{
		Collector: actor.Collector,
		Learner:   learner,
		OnCycle:   func(r CycleReport) { reports = append(reports, r) },
	}
	require.NoError(t, s.Run(context.Background(), 3))
	require.Equal(t, 3, learner.updates)
	require.Len(t, reports, 3)
	require.Equal(t, 8, reports[0].Timesteps)
	require.Equal(t, 24, reports[2].Timesteps)
}

func TestSequentialPropagatesEnvFailure(t *testing.T) {
	e := envtest.New(2)
	e.FailAtStep = 3
	e.FailEnvIndex = 1
	policy := newStubPolicy(e.ActionSpace())
	buf := rollout.NewBuffer(4, 2, e.ObsShape().FlatDim(), e.ActionSpace())
	s := &Sequential{
		Collector: rollout.NewCollector(e, policy, buf),
		Learner:   &stubLearner{},
	}
	err := s.Run(context.Background(), 2)
	require.Error(t, err)
	require.Contains(t, err.Error(), "environment 1")
}

func TestCoordinatorCompletesAllCycles(t *testing.T) {
	actorA, _ := newTestActor(1, 2, 4)
	actorB, _ := newTestActor(2, 2, 4)
	learner := &stubLearner{}
	var mu sync.Mutex
	actorsSeen := map[int]int{}
	c := &Coordinator{
		Actors:         []*Actor{actorA, actorB},
		Learner:        learner,
		Policy:         stubPublisher{},
		QueueCapacity:  2,
		BroadcastEvery: 1,
		OnCycle: func(r CycleReport) {
			mu.Lock()
			actorsSeen[r.ActorID]++
			mu.Unlock()
		},
	}
	require.NoError(t, c.Run(context.Background(), 6))
	require.Equal(t, 6, learner.updates)
	require.Equal(t, 6, actorsSeen[1]+actorsSeen[2])
	require.Positive(t, actorsSeen[1], "both actors contribute buffers")
	require.Positive(t, actorsSeen[2])
}

func TestCoordinatorBroadcastsVersionedWeights(t *testing.T) {
	actorA, policyA := newTestActor(1, 1, 2)
	actorB, policyB := newTestActor(2, 1, 2)
	c := &Coordinator{
		Actors:         []*Actor{actorA, actorB},
		Learner:        &stubLearner{},
		Policy:         stubPublisher{},
		QueueCapacity:  2,
		BroadcastEvery: 1,
	}
	require.NoError(t, c.Run(context.Background(), 8))

	for _, policy := range []*stubPolicy{policyA, policyB} {
		versions := policy.versions()
		require.NotEmpty(t, versions, "every actor picks up published weights")
		for i := 1; i < len(versions); i++ {
			require.Greater(t, versions[i], versions[i-1], "versions swap in strictly increasing order")
		}
	}
}

func TestCoordinatorPropagatesUpdateFailure(t *testing.T) {
	actor, _ := newTestActor(1, 2, 4)
	learner := &stubLearner{failAt: 2}
	c := &Coordinator{
		Actors:         []*Actor{actor},
		Learner:        learner,
		Policy:         stubPublisher{},
		QueueCapacity:  1,
		BroadcastEvery: 1,
	}
	err := c.Run(context.Background(), 5)
	require.Error(t, err)
	require.Contains(t, err.Error(), "synthetic update failure")
}

func TestCoordinatorValidatesSetup(t *testing.T) {
	c := &Coordinator{Learner: &stubLearner{}, Policy: stubPublisher{}}
	require.Error(t, c.Run(context.Background(), 1), "no actors")

	actor, _ := newTestActor(1, 1, 2)
	c = &Coordinator{Actors: []*Actor{actor}, Learner: &stubLearner{}, Policy: stubPublisher{}}
	require.Error(t, c.Run(context.Background(), 1), "missing queue capacity")
}
