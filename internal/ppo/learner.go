// Package ppo drives the optimization side of training: advantage
// preparation, epoch/minibatch scheduling, KL safeguards and learning
// rate annealing over a collected rollout buffer.
package ppo

import (
	"math/rand/v2"

	"github.com/chewxy/math32"
	"github.com/microrts-go/trainer/internal/agent"
	"github.com/microrts-go/trainer/internal/rollout"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Trainer is what the learner needs from a policy. Implemented by
// agent.Agent; tests substitute fakes.
type Trainer interface {
	TrainStep(mb *rollout.Minibatch, refProbs []float32) (agent.Metrics, error)
	SetLearningRate(lr float32)
	ExportWeights(version int) *agent.Snapshot
	ImportWeights(s *agent.Snapshot) error
	Probs(obs []float32, masks []bool, batchSize int) ([]float32, error)
}

// Config of the update cycle.
type Config struct {
	Epochs        int
	MinibatchSize int

	Gamma  float32
	Lambda float32

	// NormalizeAdvantages rescales advantages to zero mean and unit
	// variance once per cycle.
	NormalizeAdvantages bool

	// TargetKL stops the epoch loop early once the approximate KL
	// between old and new policy exceeds it. Zero disables the check.
	TargetKL float32

	// KLRollback additionally restores the cycle-start weights when
	// TargetKL is exceeded, discarding the whole update.
	KLRollback bool

	// AnnealLR linearly decays the learning rate from InitialLR to zero
	// over TotalUpdates cycles.
	AnnealLR     bool
	InitialLR    float32
	TotalUpdates int

	// DiversityEnabled freezes a reference copy of the policy at each
	// cycle start and feeds its action distribution to the training
	// step's divergence bonus. Requires a non-nil reference in New.
	DiversityEnabled bool

	Seed int64
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if c.Epochs <= 0 {
		return errors.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.MinibatchSize <= 0 {
		return errors.Errorf("minibatch size must be positive, got %d", c.MinibatchSize)
	}
	if c.AnnealLR && c.TotalUpdates <= 0 {
		return errors.New("learning rate annealing needs a positive total update count")
	}
	if c.KLRollback && c.TargetKL <= 0 {
		return errors.New("KL rollback needs a positive target KL")
	}
	return nil
}

// Learner runs PPO update cycles against a Trainer.
type Learner struct {
	policy    Trainer
	reference Trainer
	cfg       Config
	rng       *rand.Rand

	update int
	mb     rollout.Minibatch
}

// New creates a learner. reference may be nil unless
// cfg.DiversityEnabled is set.
func New(policy Trainer, reference Trainer, cfg Config) (*Learner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DiversityEnabled && reference == nil {
		return nil, errors.New("diversity bonus enabled but no reference policy given")
	}
	return &Learner{
		policy:    policy,
		reference: reference,
		cfg:       cfg,
		rng:       rand.New(rand.NewPCG(uint64(cfg.Seed), 0)),
	}, nil
}

// UpdateStats summarizes one update cycle.
type UpdateStats struct {
	Update       int
	LearningRate float32

	// MinibatchSteps actually applied; fewer than epochs*minibatches
	// when the KL check stopped early.
	MinibatchSteps int

	// EarlyStopEpoch is the epoch after which the KL check fired, or 0.
	EarlyStopEpoch int

	// RolledBack reports the update was discarded entirely.
	RolledBack bool

	// Metrics of the last applied minibatch step.
	agent.Metrics
}

// Update runs one full PPO cycle over a freshly collected buffer:
// advantage computation, then cfg.Epochs passes of shuffled minibatch
// gradient steps.
//
// A non-finite loss aborts immediately with an error; training must not
// continue past it.
func (l *Learner) Update(buf *rollout.Buffer) (UpdateStats, error) {
	l.update++
	stats := UpdateStats{Update: l.update, LearningRate: l.cfg.InitialLR}

	if l.cfg.AnnealLR {
		frac := 1 - float32(l.update-1)/float32(l.cfg.TotalUpdates)
		if frac < 0 {
			frac = 0
		}
		stats.LearningRate = l.cfg.InitialLR * frac
		l.policy.SetLearningRate(stats.LearningRate)
	}

	if err := buf.ComputeAdvantages(buf.Bootstrap(), l.cfg.Gamma, l.cfg.Lambda); err != nil {
		return stats, err
	}
	if l.cfg.NormalizeAdvantages {
		buf.NormalizeAdvantages()
	}

	// Freeze the cycle-start weights: the divergence reference, and the
	// rollback point for the KL safeguard.
	var cycleStart *agent.Snapshot
	if l.cfg.KLRollback {
		cycleStart = l.policy.ExportWeights(l.update)
	}
	if l.cfg.DiversityEnabled {
		if err := l.reference.ImportWeights(l.policy.ExportWeights(l.update)); err != nil {
			return stats, errors.WithMessage(err, "freezing reference policy failed")
		}
	}

	for epoch := 1; epoch <= l.cfg.Epochs; epoch++ {
		indices := buf.ShuffledIndices(l.rng)
		for start := 0; start < len(indices); start += l.cfg.MinibatchSize {
			end := min(start+l.cfg.MinibatchSize, len(indices))
			buf.Gather(indices[start:end], &l.mb)

			var refProbs []float32
			if l.cfg.DiversityEnabled {
				var err error
				refProbs, err = l.reference.Probs(l.mb.Observations, l.mb.Masks, end-start)
				if err != nil {
					return stats, errors.WithMessage(err, "reference policy inference failed")
				}
			}
			metrics, err := l.policy.TrainStep(&l.mb, refProbs)
			if err != nil {
				return stats, err
			}
			if !finite(metrics) {
				return stats, errors.Errorf(
					"non-finite loss at update %d epoch %d: loss=%g value_loss=%g policy_loss=%g",
					l.update, epoch, metrics.Loss, metrics.ValueLoss, metrics.PolicyLoss)
			}
			stats.Metrics = metrics
			stats.MinibatchSteps++
		}

		if l.cfg.TargetKL > 0 && stats.ApproxKL > l.cfg.TargetKL {
			stats.EarlyStopEpoch = epoch
			if l.cfg.KLRollback {
				if err := l.policy.ImportWeights(cycleStart); err != nil {
					return stats, errors.WithMessage(err, "KL rollback failed")
				}
				stats.RolledBack = true
			}
			klog.V(1).Infof("update %d: approx KL %.4f exceeded target %.4f after epoch %d",
				l.update, stats.ApproxKL, l.cfg.TargetKL, epoch)
			break
		}
	}
	return stats, nil
}

func finite(m agent.Metrics) bool {
	for _, v := range []float32{m.Loss, m.PolicyLoss, m.ValueLoss, m.Entropy} {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return false
		}
	}
	return true
}
