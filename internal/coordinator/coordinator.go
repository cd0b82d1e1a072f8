// Package coordinator wires collection and optimization together: a
// strictly sequential collect-then-optimize loop, and an Impala-style
// split where concurrent actors feed a single learner through a
// bounded queue.
package coordinator

import (
	"context"
	"sync/atomic"

	"github.com/microrts-go/trainer/internal/agent"
	"github.com/microrts-go/trainer/internal/ppo"
	"github.com/microrts-go/trainer/internal/rollout"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Updater consumes one filled rollout buffer and applies a PPO update
// cycle. Implemented by ppo.Learner.
type Updater interface {
	Update(buf *rollout.Buffer) (ppo.UpdateStats, error)
}

// CycleReport is handed to the OnCycle callback after every update.
type CycleReport struct {
	ActorID int // 0 in the sequential loop
	Stats   ppo.UpdateStats

	// Timesteps consumed so far across all cycles.
	Timesteps int
}

// Sequential runs the single-learner loop: collect a rollout, optimize
// over it, repeat. No concurrency, no parameter copies.
type Sequential struct {
	Collector *rollout.Collector
	Learner   Updater

	// OnCycle, if set, is called after every update cycle.
	OnCycle func(CycleReport)

	// Stop, if set, is checked after every cycle; returning true ends
	// the run early. See PlateauDetector.
	Stop func() bool
}

// Run executes numUpdates collect/optimize cycles.
func (s *Sequential) Run(ctx context.Context, numUpdates int) error {
	timesteps := 0
	for update := 0; update < numUpdates; update++ {
		if err := s.Collector.Collect(ctx); err != nil {
			return err
		}
		stats, err := s.Learner.Update(s.Collector.Buffer)
		if err != nil {
			return err
		}
		timesteps += s.Collector.Buffer.NumTransitions()
		if s.OnCycle != nil {
			s.OnCycle(CycleReport{Stats: stats, Timesteps: timesteps})
		}
		if s.Stop != nil && s.Stop() {
			klog.Infof("Stopping after update %d of %d: returns plateaued", update+1, numUpdates)
			return nil
		}
	}
	return nil
}

// ActorPolicy is the policy an actor samples from: a read-only local
// copy whose weights are swapped in from learner snapshots at
// collection boundaries.
type ActorPolicy interface {
	rollout.ActionSource
	ImportWeights(s *agent.Snapshot) error
}

// Publisher exports versioned weight snapshots for broadcasting to
// actors. Implemented by agent.Agent.
type Publisher interface {
	ExportWeights(version int) *agent.Snapshot
}

// Actor owns a private environment pool, rollout buffer and policy
// copy. Its cycle is: swap in the latest published weights, collect a
// rollout, submit it, wait until the learner is done with the buffer.
type Actor struct {
	ID        int
	Collector *rollout.Collector
	Policy    ActorPolicy
}

// parcel hands a filled buffer to the learner; done returns ownership.
type parcel struct {
	actorID int
	buf     *rollout.Buffer
	done    chan struct{}
}

// Coordinator runs the Impala-style actor/learner split. Actors stall
// on the bounded queue when the learner falls behind; the learner
// publishes fresh weights every BroadcastEvery cycles, which every
// actor picks up at its next collection boundary, never mid-rollout.
type Coordinator struct {
	Actors  []*Actor
	Learner Updater
	Policy  Publisher

	QueueCapacity  int
	BroadcastEvery int

	// OnCycle, if set, is called from the learner goroutine after every
	// update cycle.
	OnCycle func(CycleReport)

	// Stop, if set, is checked by the learner after every cycle;
	// returning true ends the run early. See PlateauDetector.
	Stop func() bool

	published atomic.Pointer[agent.Snapshot]
}

// Run executes totalCycles update cycles across all actors, returning
// the first error (a failed actor or a failed update aborts the run).
func (c *Coordinator) Run(ctx context.Context, totalCycles int) error {
	if len(c.Actors) == 0 {
		return errors.New("coordinator needs at least one actor")
	}
	if c.QueueCapacity <= 0 || c.BroadcastEvery <= 0 {
		return errors.New("coordinator needs a positive queue capacity and broadcast period")
	}

	queue := make(chan parcel, c.QueueCapacity)
	g, ctx := errgroup.WithContext(ctx)

	for _, actor := range c.Actors {
		g.Go(func() error {
			return c.runActor(ctx, actor, queue)
		})
	}
	g.Go(func() error {
		return c.runLearner(ctx, queue, totalCycles)
	})
	err := g.Wait()
	if errors.Is(err, errLearnerDone) {
		return nil
	}
	return err
}

func (c *Coordinator) runActor(ctx context.Context, actor *Actor, queue chan<- parcel) error {
	localVersion := 0
	done := make(chan struct{}, 1)
	for {
		// Collection boundary: the only place weights may change.
		if snapshot := c.published.Load(); snapshot != nil && snapshot.Version > localVersion {
			if err := actor.Policy.ImportWeights(snapshot); err != nil {
				return errors.WithMessagef(err, "actor %d failed to import weights version %d",
					actor.ID, snapshot.Version)
			}
			localVersion = snapshot.Version
			klog.V(2).Infof("actor %d swapped to weights version %d", actor.ID, localVersion)
		}

		if err := actor.Collector.Collect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil // learner finished or another worker failed
			}
			return errors.WithMessagef(err, "actor %d", actor.ID)
		}

		select {
		case queue <- parcel{actorID: actor.ID, buf: actor.Collector.Buffer, done: done}:
		case <-ctx.Done():
			return nil
		}
		// The buffer is on loan to the learner until it signals done.
		select {
		case <-done:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Coordinator) runLearner(ctx context.Context, queue <-chan parcel, totalCycles int) error {
	timesteps := 0
	for cycle := 1; cycle <= totalCycles; cycle++ {
		var p parcel
		select {
		case p = <-queue:
		case <-ctx.Done():
			return ctx.Err()
		}

		stats, err := c.Learner.Update(p.buf)
		if err != nil {
			p.done <- struct{}{}
			return err
		}
		timesteps += p.buf.NumTransitions()
		p.done <- struct{}{}

		if cycle%c.BroadcastEvery == 0 {
			c.published.Store(c.Policy.ExportWeights(cycle))
			klog.V(2).Infof("published weights version %d", cycle)
		}
		if c.OnCycle != nil {
			c.OnCycle(CycleReport{ActorID: p.actorID, Stats: stats, Timesteps: timesteps})
		}
		if c.Stop != nil && c.Stop() {
			klog.Infof("Stopping after cycle %d of %d: returns plateaued", cycle, totalCycles)
			break
		}
	}
	// Learner is done; unblock the actors.
	return errLearnerDone
}

// errLearnerDone cancels the errgroup context so actors unwind; Run
// translates it back to success.
var errLearnerDone = errors.New("learner completed all cycles")
